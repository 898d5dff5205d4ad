package lockerstate

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"lockngo/locker"
)

// Persister is the durable side of the state store.
type Persister interface {
	ListLockers(ctx context.Context) ([]locker.Locker, error)
	CreateLocker(ctx context.Context, l locker.Locker) error
	SaveLocker(ctx context.Context, l locker.Locker) error
	SetLockerBattery(ctx context.Context, id string, battery int) error
}

// Mirror is a best-effort read replica of locker state.
type Mirror interface {
	PutLocker(ctx context.Context, l locker.Locker) error
	Reset(ctx context.Context) error
}

// Manager provides write-through locker state: SQL first, then Redis, then
// the in-memory map readers are served from.
type Manager struct {
	db    Persister
	redis Mirror

	mu      sync.RWMutex
	lockers map[string]locker.Locker
}

// NewManager creates a manager. redis may be nil.
func NewManager(db Persister, redis Mirror) *Manager {
	return &Manager{db: db, redis: redis, lockers: make(map[string]locker.Locker)}
}

// Load replaces the in-memory map with the lockers in SQL and rebuilds the
// Redis mirror. Called on startup.
func (m *Manager) Load(ctx context.Context) error {
	lockers, err := m.db.ListLockers(ctx)
	if err != nil {
		return fmt.Errorf("load lockers: %w", err)
	}
	fresh := make(map[string]locker.Locker, len(lockers))
	for _, l := range lockers {
		fresh[l.ID] = clone(l)
	}
	m.mu.Lock()
	m.lockers = fresh
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.Reset(ctx); err != nil {
			log.Printf("lockerstate: reset redis: %v", err)
		}
		for _, l := range lockers {
			m.mirror(ctx, l)
		}
	}
	log.Printf("lockerstate: loaded %d lockers", len(lockers))
	return nil
}

// Add registers a new locker.
func (m *Manager) Add(ctx context.Context, l locker.Locker) error {
	m.mu.RLock()
	_, exists := m.lockers[l.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("locker %s already registered", l.ID)
	}
	if err := m.db.CreateLocker(ctx, l); err != nil {
		return err
	}
	m.Apply(l)
	m.mirror(ctx, l)
	return nil
}

// Commit makes l the locker's current state. Nothing changes if the SQL
// write fails. Battery is telemetry owned by SetBattery; the stored reading
// wins over whatever l carries.
func (m *Manager) Commit(ctx context.Context, l locker.Locker) error {
	l = m.keepBattery(l)
	if err := m.db.SaveLocker(ctx, l); err != nil {
		return err
	}
	m.Apply(l)
	m.mirror(ctx, l)
	return nil
}

// Apply updates the in-memory map only. Used when the durable write has
// failed but the physical device has already moved on.
func (m *Manager) Apply(l locker.Locker) {
	m.mu.Lock()
	if cur, ok := m.lockers[l.ID]; ok {
		l.Battery = cur.Battery
	}
	m.lockers[l.ID] = clone(l)
	m.mu.Unlock()
}

func (m *Manager) keepBattery(l locker.Locker) locker.Locker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cur, ok := m.lockers[l.ID]; ok {
		l.Battery = cur.Battery
	}
	return clone(l)
}

// Get returns a copy of the locker's current state.
func (m *Manager) Get(id string) (locker.Locker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lockers[id]
	if !ok {
		return locker.Locker{}, false
	}
	return clone(l), true
}

// Snapshot returns every locker sorted by ID.
func (m *Manager) Snapshot() []locker.Locker {
	m.mu.RLock()
	out := make([]locker.Locker, 0, len(m.lockers))
	for _, l := range m.lockers {
		out = append(out, clone(l))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetBattery records device telemetry. It is not a transition and does not
// bump the version.
func (m *Manager) SetBattery(ctx context.Context, id string, pct int) error {
	m.mu.Lock()
	l, ok := m.lockers[id]
	if !ok {
		m.mu.Unlock()
		return locker.ErrLockerNotFound
	}
	b := pct
	l.Battery = &b
	m.lockers[id] = l
	m.mu.Unlock()

	if err := m.db.SetLockerBattery(ctx, id, pct); err != nil {
		log.Printf("lockerstate: persist battery for %s: %v", id, err)
	}
	m.mirror(ctx, l)
	return nil
}

// Len returns the number of known lockers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lockers)
}

func (m *Manager) mirror(ctx context.Context, l locker.Locker) {
	if m.redis == nil {
		return
	}
	if err := m.redis.PutLocker(ctx, l); err != nil {
		log.Printf("lockerstate: mirror %s to redis: %v", l.ID, err)
	}
}

func clone(l locker.Locker) locker.Locker {
	if l.Battery != nil {
		b := *l.Battery
		l.Battery = &b
	}
	return l
}
