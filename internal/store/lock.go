package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a Redis-based distributed lock. The broker itself assumes a
// single active instance per deployment (spec §1 Non-goals); the scheduler
// tick holds one (key qm:lock:scheduler_tick) for each promotion pass and
// skips the pass when another holder owns it. Maintenance runs (audit
// cleanup, rate-counter cleanup) take no lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts a SETNX-based lock. Returns (nil, nil) if another
// holder already owns the key.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &Lock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the lock key only if this holder's token still matches,
// via an atomic check-and-delete Lua script.
func (l *Lock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

// Extend pushes out the lock TTL, failing if ownership has been lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock no longer owned by this instance")
	}
	l.ttl = ttl
	return nil
}

func (l *Lock) Key() string   { return l.key }
func (l *Lock) Token() string { return l.token }
func (l *Lock) TTL() time.Duration { return l.ttl }
