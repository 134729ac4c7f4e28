// Package broker composes the storage adapter, hybrid cache, event bus,
// hook pipeline, and the scheduling/retry/dependency/rate-limit/audit
// engines into the queue manager façade (spec §4.4-§4.6).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/audit"
	"github.com/queuemanager/broker/internal/cache"
	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/metrics"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/ratelimit"
	"github.com/queuemanager/broker/internal/serialization"
	"github.com/queuemanager/broker/internal/store"
)

// Broker is the queue manager façade (spec §4.6 C10). Construct one with
// New, then Init before issuing operations, and Close on shutdown.
type Broker struct {
	cfg     *config.BrokerConfig
	store   *store.Store
	cache   *cache.Cache
	bus     *events.Bus
	audit   *audit.Manager
	limiter *ratelimit.Governor
	metrics *metrics.Collector
	breaker *Breaker
	log     logger.Logger

	serializer *serialization.Serializer

	mu      sync.RWMutex
	schemas map[string]model.SchemaConfig

	ready          atomic.Bool
	shuttingDown   atomic.Bool
	loops          []*Loop
	readyCh        chan struct{}
	readyOnce      sync.Once

	lastMaintenanceRun time.Time
}

// New constructs a Broker without connecting to Redis. Call Init (or use
// NewWithReady/NewAsync) before issuing operations.
func New(cfg *config.BrokerConfig, log logger.Logger) *Broker {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	st := store.New(cfg.Redis, log)
	bus := events.New("queuemanager", cfg.Events, log)

	b := &Broker{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		log:     log.WithComponent(logger.ComponentBroker),
		schemas: make(map[string]model.SchemaConfig),
		readyCh: make(chan struct{}),
		metrics: metrics.Default(),
	}

	if cfg.Cache.Enabled {
		b.cache = cache.New(cfg.Cache, b, log)
	}
	b.audit = audit.New(st, bus, log)
	b.limiter = ratelimit.New(st, bus, log)
	b.breaker = NewBreaker(cfg.Redis)
	b.serializer = serialization.NewJSONSerializer()

	return b
}

// NewAsync constructs and initializes a Broker in one call, blocking
// until the Redis connection is established or InitTimeout elapses
// (spec §4.6 initialization sequence).
func NewAsync(ctx context.Context, cfg *config.BrokerConfig, log logger.Logger) (*Broker, error) {
	b := New(cfg, log)
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWithReady constructs a Broker whose connection is established in the
// background; callers invoke the returned waitForReady function before
// issuing operations (spec §4.6: "both an async factory and a sync
// factory-with-waitForReady are required").
func NewWithReady(cfg *config.BrokerConfig, log logger.Logger) (*Broker, func(ctx context.Context) error) {
	b := New(cfg, log)
	go func() {
		if err := b.Init(context.Background()); err != nil {
			b.log.Error("background init failed", "error", err)
		}
	}()
	return b, b.WaitForReady
}

// Init runs the broker's startup sequence: connect to Redis, start
// background loops, emit queuemanager:initialized (spec §4.6 steps 1-5).
func (b *Broker) Init(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, b.cfg.InitTimeout)
	defer cancel()

	if err := b.store.WaitForConnection(initCtx, b.cfg.InitTimeout); err != nil {
		return err
	}

	if b.cache != nil {
		b.cache.Start(context.Background())
	}

	b.loops = append(b.loops,
		StartLoop(context.Background(), b.log, "scheduler", schedulerTickInterval, b.schedulerTick),
		StartLoop(context.Background(), b.log, "timeoutMonitor", timeoutTickInterval, b.timeoutTick),
		StartLoop(context.Background(), b.log, "maintenance", maintenanceTickInterval, b.maintenanceTick),
	)

	b.ready.Store(true)
	b.readyOnce.Do(func() { close(b.readyCh) })
	b.bus.Emit(events.Type("queuemanager:initialized"), "", nil)
	b.log.Info("broker initialized")
	return nil
}

// WaitForReady blocks until Init completes or ctx is done.
func (b *Broker) WaitForReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitReady gates every operation on having completed Init and not being
// mid-shutdown (spec §4.6: "all operations gate on waitForReady()").
func (b *Broker) waitReady() error {
	if b.shuttingDown.Load() {
		return qmerrors.New(qmerrors.KindStorage, "waitForReady", fmt.Errorf("broker is shutting down"))
	}
	if !b.ready.Load() {
		return qmerrors.New(qmerrors.KindStorage, "waitForReady", fmt.Errorf("broker not initialized"))
	}
	return nil
}

// Close runs the broker's shutdown sequence (spec §4.6 steps 1-4):
// mark shutting down, stop background loops, drain pending cache writes
// within timeout/2 under write-back, then disconnect.
func (b *Broker) Close(ctx context.Context) error {
	b.shuttingDown.Store(true)

	for _, l := range b.loops {
		l.Stop()
	}

	if b.cache != nil {
		if b.cfg.Cache.Strategy == config.CacheStrategyWriteBack {
			drainCtx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownTimeout/2)
			defer cancel()
			if err := b.cache.Drain(drainCtx); err != nil {
				b.log.Error("cache drain failed during shutdown", "error", err)
			}
		}
		b.cache.Stop()
	}

	b.bus.Emit(events.Type("queuemanager:shutdown"), "", nil)
	return b.store.Close()
}

// Store exposes the underlying storage adapter for supporting packages
// (examples, health checks) that need direct access.
func (b *Broker) Store() *store.Store { return b.store }

// Bus exposes the event bus so callers can subscribe to domain events.
func (b *Broker) Bus() *events.Bus { return b.bus }

// Audit exposes the audit manager for direct configuration calls.
func (b *Broker) Audit() *audit.Manager { return b.audit }

// RateLimiter exposes the rate limit governor for direct configuration calls.
func (b *Broker) RateLimiter() *ratelimit.Governor { return b.limiter }

// persistableSchemaConfig is the JSON-serializable subset of
// model.SchemaConfig written to qm:queue:schema:<queueId> (spec §4.1).
// CustomValidators are caller-supplied closures and cannot cross the
// wire, so they stay process-local like rate-limit/audit's in-process
// callbacks; every other rule round-trips through Redis.
type persistableSchemaConfig struct {
	Type                 string                         `json:"type"`
	Required             []string                       `json:"required,omitempty"`
	Properties           map[string]model.PropertySchema `json:"properties,omitempty"`
	AdditionalProperties bool                            `json:"additionalProperties"`
	StrictMode           bool                            `json:"strictMode"`
	ErrorHandling        model.ErrorHandling             `json:"errorHandling"`
	ValidateOnAdd        bool                            `json:"validateOnAdd"`
	ValidateOnUpdate     bool                            `json:"validateOnUpdate"`
}

// ConfigureSchema installs (or clears, with a zero value) the structural
// validation rules for a queue's item payloads (spec §4.5), persisting
// the serializable rule set to Redis so it survives a restart the same
// way rate-limit/audit configuration does.
func (b *Broker) ConfigureSchema(ctx context.Context, queueID string, cfg model.SchemaConfig) error {
	b.mu.Lock()
	b.schemas[queueID] = cfg
	b.mu.Unlock()

	raw, err := json.Marshal(persistableSchemaConfig{
		Type:                 cfg.Type,
		Required:             cfg.Required,
		Properties:           cfg.Properties,
		AdditionalProperties: cfg.AdditionalProperties,
		StrictMode:           cfg.StrictMode,
		ErrorHandling:        cfg.ErrorHandling,
		ValidateOnAdd:        cfg.ValidateOnAdd,
		ValidateOnUpdate:     cfg.ValidateOnUpdate,
	})
	if err != nil {
		return qmerrors.New(qmerrors.KindStorage, "configureSchema", err).WithQueue(queueID)
	}
	if err := b.execute(ctx, "configureSchema", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, store.SchemaKey(queueID), raw, 0).Err()
	}); err != nil {
		return err
	}
	b.bus.Emit(events.SchemaConfigured, queueID, nil)
	return nil
}

// DisableSchema removes a queue's validation rules, in memory and in Redis.
func (b *Broker) DisableSchema(ctx context.Context, queueID string) error {
	b.mu.Lock()
	delete(b.schemas, queueID)
	b.mu.Unlock()

	if err := b.execute(ctx, "disableSchema", func(ctx context.Context, c *redis.Client) error {
		return c.Del(ctx, store.SchemaKey(queueID)).Err()
	}); err != nil {
		return err
	}
	b.bus.Emit(events.SchemaDisabled, queueID, nil)
	return nil
}

func (b *Broker) schemaFor(queueID string) (model.SchemaConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.schemas[queueID]
	return cfg, ok
}

func newID() string { return uuid.New().String() }

// nopHooks returns an empty hook set for internal calls (e.g. bulk
// operations delegating to the single-item path) that should not attach
// caller-supplied hooks twice.
func nopHooks() hooks.Set { return hooks.Set{} }
