package lockerstate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"lockngo/locker"
)

const (
	keyPrefix = "lockngo:locker:"
	keyIndex  = "lockngo:lockers"
)

// RedisStore mirrors locker state into Redis for external readers.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) PutLocker(ctx context.Context, l locker.Locker) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+l.ID, data, 0)
	pipe.SAdd(ctx, keyIndex, l.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) LockerIDs(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keyIndex).Result()
}

// Reset removes every mirrored locker.
func (r *RedisStore) Reset(ctx context.Context) error {
	ids, err := r.LockerIDs(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, keyPrefix+id)
	}
	keys = append(keys, keyIndex)
	return r.client.Del(ctx, keys...).Err()
}
