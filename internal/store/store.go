// Package store implements the storage adapter (spec §4.1): a typed,
// pipeline-capable wrapper over Redis with lazy connect, explicit readiness,
// and centralized error classification.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// Store wraps a Redis client and funnels every command through Execute so
// that readiness and error classification are centralized (spec §4.1).
type Store struct {
	client *redis.Client
	log    logger.Logger

	ready    atomic.Bool
	readyCh  chan struct{}
	closeOnce sync.Once
}

// New constructs a Store from RedisConfig. If LazyConnect is set the actual
// TCP dial is deferred to the first command; readiness is still signaled
// only after a successful Ping.
func New(cfg config.RedisConfig, log logger.Logger) *Store {
	if log == nil {
		log = &logger.NoOpLogger{}
	}

	opts := &redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.ConnectTimeout,
		ReadTimeout:     cfg.CommandTimeout,
		WriteTimeout:    cfg.CommandTimeout,
		MaxRetries:      cfg.MaxRetriesPerRequest,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxIdleTime: 10 * time.Minute,
		PoolTimeout:     5 * time.Second,
	}

	s := &Store{
		client:  redis.NewClient(opts),
		log:     log.WithComponent(logger.ComponentStorage),
		readyCh: make(chan struct{}),
	}

	if !cfg.LazyConnect {
		go s.connect(context.Background())
	}

	return s
}

// Connect dials and pings Redis, marking the adapter ready on success.
func (s *Store) Connect(ctx context.Context) error {
	return s.connect(ctx)
}

func (s *Store) connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Error("redis ping failed", "error", err)
		return qmerrors.ClassifyStorage("connect", err)
	}
	if s.ready.CompareAndSwap(false, true) {
		close(s.readyCh)
		s.log.Info("redis connection established")
	}
	return nil
}

// WaitForConnection blocks until the adapter is ready or timeout elapses
// (spec §4.1, §4.6).
func (s *Store) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if s.ready.Load() {
		return nil
	}

	// Kick a connect attempt in case lazy-connect never fired one.
	go s.connect(ctx)

	deadline := time.After(timeout)
	for {
		select {
		case <-s.readyCh:
			return nil
		case <-deadline:
			return qmerrors.New(qmerrors.KindTimeout, "waitForConnection", fmt.Errorf("redis not ready after %v", timeout))
		case <-ctx.Done():
			return qmerrors.New(qmerrors.KindTimeout, "waitForConnection", ctx.Err())
		case <-time.After(50 * time.Millisecond):
			if err := s.connect(ctx); err == nil {
				continue
			}
		}
	}
}

// IsReady reports whether the adapter has an established connection.
func (s *Store) IsReady() bool {
	return s.ready.Load()
}

// Client exposes the underlying go-redis client for subsystems that need
// direct access to command families not wrapped here (EVAL, pipelines).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Execute funnels a Redis operation through readiness checking and
// centralized error classification (spec §4.1).
func (s *Store) Execute(ctx context.Context, operation string, fn func(ctx context.Context, c *redis.Client) error) error {
	if !s.ready.Load() {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}
	if err := fn(ctx, s.client); err != nil {
		return qmerrors.ClassifyStorage(operation, err)
	}
	return nil
}

// Ping reports Redis health within Tmax (spec §4.1).
func (s *Store) Ping(ctx context.Context, tmax time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, tmax)
	defer cancel()
	return s.client.Ping(pingCtx).Err()
}

// Close disconnects the underlying Redis client. Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}
