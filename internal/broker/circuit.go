package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// breakerFailureThreshold is the consecutive-failure count past which the
// circuit opens (adapted from the teacher's Elasticsearch logger circuit
// breaker, which trips on a configurable FailureThreshold).
const breakerFailureThreshold = 5

// breakerResetTimeout mirrors the teacher's ResetTimeout: how long the
// circuit stays open before probing with a half-open trial request.
const breakerResetTimeout = 30 * time.Second

// Breaker guards the storage adapter with a sony/gobreaker circuit so a
// degraded Redis does not pile up blocked callers (spec §4.1: "storage
// failures beyond a threshold open a circuit rather than retrying
// forever").
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker constructs a Breaker named after the Redis address it guards.
func NewBreaker(cfg config.RedisConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        "redis:" + cfg.Addr(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Guard runs fn through the circuit, translating an open circuit into a
// qmerrors.KindCircuitOpen error instead of touching Redis at all.
func (br *Breaker) Guard(operation string, fn func() error) error {
	_, err := br.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return qmerrors.New(qmerrors.KindCircuitOpen, operation, err)
	}
	return err
}

// State reports the circuit's current state for health reporting.
func (br *Breaker) State() string {
	return br.cb.State().String()
}

// execute funnels a Redis operation through both the circuit breaker and
// the storage adapter's own readiness/classification layer, so storage.go
// and its siblings get breaker protection without each call site needing
// to know about gobreaker.
func (b *Broker) execute(ctx context.Context, operation string, fn func(ctx context.Context, c *redis.Client) error) error {
	if b.breaker == nil {
		return b.store.Execute(ctx, operation, fn)
	}
	return b.breaker.Guard(operation, func() error {
		return b.store.Execute(ctx, operation, fn)
	})
}
