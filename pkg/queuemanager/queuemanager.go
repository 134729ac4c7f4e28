// Package queuemanager is the public entry point for embedding the broker
// in another service: construct a Manager, wait for it to come up, then use
// the underlying *broker.Broker for every queue operation.
package queuemanager

import (
	"context"
	"fmt"

	"github.com/queuemanager/broker/internal/broker"
	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/logger"
)

// Manager wraps a broker.Broker with the handful of construction styles
// callers need: env-driven config, a bare host:port, or full control over
// a *config.BrokerConfig.
type Manager struct {
	*broker.Broker
}

// New constructs a Manager from an already-built BrokerConfig, without
// connecting to Redis. Call Init (or use NewAsync/NewWithReady) before
// issuing operations.
func New(cfg *config.BrokerConfig, log logger.Logger) *Manager {
	return &Manager{Broker: broker.New(cfg, log)}
}

// NewFromEnv loads BrokerConfig from QM_* environment variables and
// constructs a Manager without connecting (see config.Load).
func NewFromEnv(log logger.Logger) (*Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg, log), nil
}

// NewAsync loads BrokerConfig from the environment and blocks until the
// Redis connection is established or InitTimeout elapses.
func NewAsync(ctx context.Context, log logger.Logger) (*Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	b, err := broker.NewAsync(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Manager{Broker: b}, nil
}

// NewWithReady loads BrokerConfig from the environment and connects in the
// background; callers invoke the returned waitForReady before issuing
// operations.
func NewWithReady(log logger.Logger) (*Manager, func(ctx context.Context) error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	b, waitForReady := broker.NewWithReady(cfg, log)
	return &Manager{Broker: b}, waitForReady, nil
}

// NewAtAddress loads the rest of BrokerConfig from the environment
// (QM_* defaults apply) but overrides the Redis host/port directly, for
// callers who know their Redis address ahead of time and don't want to
// set QM_REDIS_HOST/QM_REDIS_PORT.
func NewAtAddress(ctx context.Context, host string, port int, log logger.Logger) (*Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b, err := broker.NewAsync(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", host, port, err)
	}
	return &Manager{Broker: b}, nil
}
