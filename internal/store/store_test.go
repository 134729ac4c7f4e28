package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	host, portStr := mr.Host(), mr.Port()
	port := 0
	fmtScan(portStr, &port)

	cfg := config.RedisConfig{
		Host:                 host,
		Port:                 port,
		ConnectTimeout:       2 * time.Second,
		CommandTimeout:       2 * time.Second,
		MaxRetriesPerRequest: 1,
		LazyConnect:          true,
	}

	s := New(cfg, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func fmtScan(s string, out *int) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return
		}
		*out = *out*10 + int(r-'0')
	}
}

func TestStore_WaitForConnection(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.WaitForConnection(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitForConnection failed: %v", err)
	}
	if !s.IsReady() {
		t.Error("expected store to be ready")
	}
}

func TestStore_Execute(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.WaitForConnection(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitForConnection failed: %v", err)
	}

	err := s.Execute(ctx, "set", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, "qm:test:key", "value", 0).Err()
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var got string
	err = s.Execute(ctx, "get", func(ctx context.Context, c *redis.Client) error {
		var gerr error
		got, gerr = c.Get(ctx, "qm:test:key").Result()
		return gerr
	})
	if err != nil {
		t.Fatalf("Execute(get) failed: %v", err)
	}
	if got != "value" {
		t.Errorf("got %q, want %q", got, "value")
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.WaitForConnection(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitForConnection failed: %v", err)
	}
	if err := s.Ping(ctx, time.Second); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"meta", MetaKey("q1"), "qm:meta:q1"},
		{"items", ItemsKey("q1"), "qm:items:q1"},
		{"dep item", DependencyItemKey("q1", "i1"), "qm:queue:item:q1:i1"},
		{"scheduled", ScheduledSetKey("q1"), "qm:queue:scheduled:q1"},
		{"job", JobKey("j1"), "qm:queue:job:j1"},
		{"dependencies", DependenciesKey("q1", "i1"), "qm:queue:dependencies:q1:i1"},
		{"rate limit", RateLimitConfigKey("q1"), "qm:queue:rate_limit:q1"},
		{"rate counters", RateCountersKey("q1"), "qm:queue:rate_counters:q1"},
		{"execution", ExecutionKey("q1", "j1"), "qm:queue:execution:q1:j1"},
		{"timeout", TimeoutKey("q1", "j1"), "qm:queue:timeout:q1:j1"},
		{"audit config", AuditConfigKey("q1"), "qm:queue:audit:config:q1"},
		{"audit log", AuditLogKey("q1", "a1"), "qm:queue:audit:log:q1:a1"},
		{"audit index", AuditIndexKey("q1"), "qm:queue:audit:index:q1"},
		{"retry history", RetryHistoryKey("q1"), "qm:queue:retry:history:q1"},
		{"retry job", RetryJobKey("j1"), "qm:queue:retry:job:j1"},
		{"schema", SchemaKey("q1"), "qm:queue:schema:q1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestLock_AcquireReleaseExtend(t *testing.T) {
	_, mr := newTestStore(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()

	lock, err := AcquireLock(ctx, client, "qm:lock:maintenance", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock == nil {
		t.Fatal("expected lock to be acquired")
	}

	second, err := AcquireLock(ctx, client, "qm:lock:maintenance", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock (second) failed: %v", err)
	}
	if second != nil {
		t.Error("expected second acquisition to fail while first holds the lock")
	}

	if err := lock.Extend(ctx, 10*time.Second); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	third, err := AcquireLock(ctx, client, "qm:lock:maintenance", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock (third) failed: %v", err)
	}
	if third == nil {
		t.Error("expected acquisition to succeed after release")
	}
}
