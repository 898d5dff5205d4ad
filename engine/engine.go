package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lockngo/command"
	"lockngo/config"
	"lockngo/fanout"
	"lockngo/locker"
	"lockngo/lockerstate"
	"lockngo/messaging"
	"lockngo/metrics"
	"lockngo/rental"
	"lockngo/store"
)

type LogFunc func(format string, args ...any)

type Config struct {
	AppConfig   *config.Config
	ConfigPath  string
	DB          *store.DB
	LockerState *lockerstate.Manager
	MsgClient   *messaging.Client
	Redis       *redis.Client // optional; only pinged for health
	LogFunc     LogFunc
}

type Engine struct {
	cfg         *config.Config
	configPath  string
	db          *store.DB
	ledger      *store.Ledger
	lockerState *lockerstate.Manager
	msgClient   *messaging.Client
	redis       *redis.Client
	tracker     *command.Tracker
	coordinator *rental.Coordinator
	hub         *fanout.Hub
	Events      *EventBus
	logFn       LogFunc

	stopOnce       sync.Once
	stopChan       chan struct{}
	reconfMu       sync.Mutex
	healthMu       sync.Mutex
	redisConnected bool
	msgConnected   bool
}

func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	return &Engine{
		cfg:         c.AppConfig,
		configPath:  c.ConfigPath,
		db:          c.DB,
		ledger:      store.NewLedger(c.DB),
		lockerState: c.LockerState,
		msgClient:   c.MsgClient,
		redis:       c.Redis,
		Events:      NewEventBus(),
		logFn:       logFn,
		stopChan:    make(chan struct{}),
	}
}

// Start builds the rental pipeline, seeds the live view from the loaded
// locker state and runs crash recovery. The locker state must already be
// loaded.
func (e *Engine) Start(ctx context.Context) error {
	rc := e.cfg.Rental
	e.hub = fanout.NewHub(rc.SubscriberBuffer, fanout.LogFunc(e.logFn))

	e.tracker = command.NewTracker(
		messaging.NewDeviceLink(e.msgClient),
		func(res command.Resolution) { e.coordinator.HandleResolution(res) },
		command.LogFunc(e.logFn),
	)

	e.coordinator = rental.NewCoordinator(
		e.lockerState,
		e.db,
		e.ledger,
		e.tracker,
		&rentalEmitter{bus: e.Events},
		rental.Config{
			Unlock: command.Options{
				Timeout:     rc.UnlockTimeout,
				Retries:     rc.CommandRetries,
				BackoffBase: rc.BackoffBase,
				BackoffMax:  rc.BackoffMax,
			},
			ReleaseRetries:      rc.ReleaseRetries,
			LowBatteryThreshold: rc.LowBatteryThreshold,
			LaneBuffer:          rc.LaneBuffer,
			LogFunc:             rental.LogFunc(e.logFn),
		},
	)

	e.wireEventHandlers()
	metrics.Init(e.db.DB, e.hub, nil)

	// Seed before recovery so late joiners see recovery transitions on top
	// of the persisted state.
	snap := e.lockerState.Snapshot()
	seed := make([]locker.Event, 0, len(snap))
	for _, l := range snap {
		seed = append(seed, locker.EventOf(l, "loaded"))
	}
	e.hub.Seed(seed)

	if err := e.coordinator.Start(ctx); err != nil {
		return err
	}

	e.checkConnectionStatus()
	go e.connectionHealthLoop()

	e.logFn("engine: started (%d lockers)", len(snap))
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	if e.coordinator != nil {
		e.coordinator.Close()
	}
	if e.tracker != nil {
		e.tracker.Close()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	e.logFn("engine: stopped")
}

// Accessors
func (e *Engine) DB() *store.DB                     { return e.db }
func (e *Engine) Ledger() *store.Ledger             { return e.ledger }
func (e *Engine) AppConfig() *config.Config         { return e.cfg }
func (e *Engine) ConfigPath() string                { return e.configPath }
func (e *Engine) Coordinator() *rental.Coordinator  { return e.coordinator }
func (e *Engine) Tracker() *command.Tracker         { return e.tracker }
func (e *Engine) Hub() *fanout.Hub                  { return e.hub }
func (e *Engine) LockerState() *lockerstate.Manager { return e.lockerState }
func (e *Engine) MsgClient() *messaging.Client      { return e.msgClient }

// RedisOK reports the last observed redis health.
func (e *Engine) RedisOK() bool {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.redisConnected
}

func (e *Engine) checkConnectionStatus() {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	// Redis
	if e.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := e.redis.Ping(ctx).Err()
		cancel()
		if err == nil {
			if !e.redisConnected {
				e.redisConnected = true
				e.Events.Emit(Event{Type: EventRedisConnected, Payload: ConnectionEvent{Detail: "redis connected"}})
			}
		} else if e.redisConnected {
			e.redisConnected = false
			e.Events.Emit(Event{Type: EventRedisDisconnected, Payload: ConnectionEvent{Detail: err.Error()}})
		}
	}

	// Messaging
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
	} else if e.msgConnected {
		e.msgConnected = false
		e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
	}
}

func (e *Engine) connectionHealthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
		}
	}
}

// ErrInvalidConfig marks a configuration change that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ReconfigureMessaging validates mc, saves it to the config file and
// reconnects the broker client with it. The new settings are kept even when
// the connect fails so the health loop reports the outage.
func (e *Engine) ReconfigureMessaging(mc config.MessagingConfig, actor string) error {
	e.reconfMu.Lock()
	defer e.reconfMu.Unlock()

	next := *e.cfg
	next.Messaging = mc
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	old := e.cfg.Messaging.Backend
	e.cfg.Messaging = mc
	if e.configPath != "" {
		if err := e.cfg.Save(e.configPath); err != nil {
			e.logFn("engine: save config %s: %v", e.configPath, err)
		}
	}
	e.audit("config", "messaging", "reconfigure", old, mc.Backend, actor)

	err := e.msgClient.Reconfigure(&e.cfg.Messaging)
	if err != nil {
		e.logFn("engine: messaging reconfigure error: %v", err)
	} else {
		e.logFn("engine: messaging reconfigured (%s)", mc.Backend)
	}
	e.checkConnectionStatus()
	return err
}

// ClearOutOfService runs manual recovery for lockerID and records who did it.
func (e *Engine) ClearOutOfService(ctx context.Context, lockerID string, res rental.Resolution, note, actor string) error {
	before, _ := e.lockerState.Get(lockerID)
	if err := e.coordinator.ClearOutOfService(ctx, lockerID, res, note); err != nil {
		return err
	}
	e.Events.Emit(Event{Type: EventOutOfServiceCleared, Payload: OutOfServiceClearedEvent{
		LockerID:   lockerID,
		RentalID:   before.RentalID,
		Resolution: string(res),
		Note:       note,
		Actor:      actor,
	}})
	return nil
}
