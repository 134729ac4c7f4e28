package events

import (
	"sync"
	"time"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/logger"
)

// Middleware transforms an envelope before it reaches sinks. Returning
// false drops the event.
type Middleware func(*Envelope) bool

// Sink receives every envelope that survives middleware and rate limiting.
// SubscribeGlobal/SubscribeQueue register sinks, which Emit calls
// synchronously in registration order.
type Sink func(Envelope)

// Bus is the global+per-queue event multicast (spec §4.3).
type Bus struct {
	source string
	log    logger.Logger

	mu          sync.RWMutex
	global      []Sink
	perQueue    map[string][]Sink
	middlewares []Middleware

	rateLimitEnabled bool
	maxPerSecond     int
	windowSize       time.Duration

	rmu     sync.Mutex
	windows map[Type]*fixedWindow
}

type fixedWindow struct {
	start time.Time
	count int
}

// New constructs a Bus. source identifies this broker instance in every
// emitted envelope.
func New(source string, cfg config.EventsConfig, log logger.Logger) *Bus {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	window := time.Duration(cfg.RateLimit.WindowSizeMs) * time.Millisecond
	if window <= 0 {
		window = time.Second
	}
	return &Bus{
		source:           source,
		log:              log.WithComponent(logger.ComponentEvents),
		perQueue:         make(map[string][]Sink),
		rateLimitEnabled: cfg.EnableRateLimiting,
		maxPerSecond:     cfg.RateLimit.MaxEventsPerSecond,
		windowSize:       window,
		windows:          make(map[Type]*fixedWindow),
	}
}

// Use appends a middleware to the ordered transform chain.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// SubscribeGlobal registers a sink invoked for every event on every queue.
func (b *Bus) SubscribeGlobal(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sink)
}

// SubscribeQueue registers a sink invoked only for events on queueID.
func (b *Bus) SubscribeQueue(queueID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perQueue[queueID] = append(b.perQueue[queueID], sink)
}

// UnsubscribeQueue drops all sinks registered for queueID (e.g. on delete).
func (b *Bus) UnsubscribeQueue(queueID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perQueue, queueID)
}

// TransferQueue moves every sink registered under oldID to newID (spec
// §4.4 renameQueue: "transfer the listener").
func (b *Bus) TransferQueue(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks, ok := b.perQueue[oldID]
	if !ok {
		return
	}
	delete(b.perQueue, oldID)
	b.perQueue[newID] = append(b.perQueue[newID], sinks...)
}

// Emit builds the standard envelope and publishes it to the global sink,
// the per-queue sink, and the middleware chain, subject to rate limiting.
func (b *Bus) Emit(eventType Type, queueID string, payload map[string]interface{}) {
	env := Envelope{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Version:   EnvelopeVersion,
		Source:    b.source,
		QueueID:   queueID,
		Payload:   payload,
	}

	if b.rateLimitEnabled && !b.allow(eventType) {
		b.log.Warn("event dropped by rate limiter", "eventType", eventType, "queueId", queueID)
		return
	}

	b.mu.RLock()
	mws := b.middlewares
	b.mu.RUnlock()
	for _, mw := range mws {
		if !mw(&env) {
			return
		}
	}

	b.mu.RLock()
	global := append([]Sink(nil), b.global...)
	queueSinks := append([]Sink(nil), b.perQueue[queueID]...)
	b.mu.RUnlock()

	for _, s := range global {
		s(env)
	}
	for _, s := range queueSinks {
		s(env)
	}
}

// allow applies a fixed-window counter per event type (spec §9: replace
// the string-keyed "eventType:windowStart" map with a struct-keyed
// counter and periodic cleanup rather than opportunistic expiry).
func (b *Bus) allow(eventType Type) bool {
	if b.maxPerSecond <= 0 {
		return true
	}
	b.rmu.Lock()
	defer b.rmu.Unlock()

	now := time.Now()
	w, ok := b.windows[eventType]
	if !ok || now.Sub(w.start) >= b.windowSize {
		w = &fixedWindow{start: now, count: 0}
		b.windows[eventType] = w
	}
	if w.count >= b.maxPerSecond {
		return false
	}
	w.count++
	return true
}

// SweepWindows drops expired rate-limit windows. The broker's maintenance
// run calls it, so it does not run on every Emit.
func (b *Bus) SweepWindows() {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	now := time.Now()
	for t, w := range b.windows {
		if now.Sub(w.start) >= b.windowSize {
			delete(b.windows, t)
		}
	}
}
