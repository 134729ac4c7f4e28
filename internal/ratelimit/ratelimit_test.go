package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/store"
)

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	st := store.New(config.RedisConfig{Host: mr.Host(), Port: port, ConnectTimeout: time.Second, CommandTimeout: time.Second, LazyConnect: true}, nil)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := st.WaitForConnection(ctx, time.Second); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	bus := events.New("test", config.EventsConfig{RateLimit: config.RateLimitEventsConfig{MaxEventsPerSecond: 1000, WindowSizeMs: 1000}}, nil)
	return New(st, bus, nil)
}

func i64(v int64) *int64 { return &v }

func TestGovernor_ConfigureAndLoad(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()

	cfg := model.RateLimitConfig{Enabled: true, MaxPerSecond: i64(5), MaxConcurrent: i64(2)}
	if err := g.Configure(ctx, "q1", cfg); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	loaded, err := g.Config(ctx, "q1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.Enabled || loaded.MaxPerSecond == nil || *loaded.MaxPerSecond != 5 {
		t.Errorf("unexpected loaded config: %+v", loaded)
	}
}

func TestGovernor_Check_AllowsUnderLimit(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxPerSecond: i64(5)}

	decision, err := g.Check(ctx, "q1", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected allow when no executions recorded yet")
	}
}

func TestGovernor_Check_DeniesOverLimit(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxPerSecond: i64(2)}

	for i := 0; i < 2; i++ {
		if err := g.RecordStart(ctx, "q1", cfg); err != nil {
			t.Fatalf("recordStart failed: %v", err)
		}
	}

	decision, err := g.Check(ctx, "q1", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected deny once per-second limit reached")
	}
	if decision.Window != "second" {
		t.Errorf("expected window 'second', got %s", decision.Window)
	}
	if decision.Reason != "Per-second rate limit exceeded" {
		t.Errorf("expected reason 'Per-second rate limit exceeded', got %q", decision.Reason)
	}
}

func TestGovernor_Check_ConcurrencyDeny(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxConcurrent: i64(1)}

	if err := g.RecordStart(ctx, "q1", cfg); err != nil {
		t.Fatalf("recordStart failed: %v", err)
	}

	decision, err := g.Check(ctx, "q1", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected deny once concurrency cap reached")
	}
	if decision.Window != "concurrent" {
		t.Errorf("expected window 'concurrent', got %s", decision.Window)
	}
}

func TestGovernor_RecordEndDecrementsConcurrency(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxConcurrent: i64(1)}

	start := time.Now()
	if err := g.RecordStart(ctx, "q1", cfg); err != nil {
		t.Fatalf("recordStart failed: %v", err)
	}
	if err := g.RecordEnd(ctx, "q1", "job1", cfg, start, time.Now()); err != nil {
		t.Fatalf("recordEnd failed: %v", err)
	}

	decision, err := g.Check(ctx, "q1", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected allow after concurrency released")
	}
}

func TestGovernor_ResetCounters(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxPerSecond: i64(1)}

	if err := g.RecordStart(ctx, "q1", cfg); err != nil {
		t.Fatalf("recordStart failed: %v", err)
	}
	if err := g.ResetCounters(ctx, "q1", ResetOptions{TimeBased: true}); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	decision, err := g.Check(ctx, "q1", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected allow after time-based counters reset")
	}
}

func TestGovernor_ResetCounters_Executions(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	cfg := model.RateLimitConfig{Enabled: true, MaxConcurrent: i64(1)}

	start := time.Now()
	if err := g.RecordStart(ctx, "q1", cfg); err != nil {
		t.Fatalf("recordStart failed: %v", err)
	}
	if err := g.RecordEnd(ctx, "q1", "job1", cfg, start, time.Now()); err != nil {
		t.Fatalf("recordEnd failed: %v", err)
	}

	execKey := store.ExecutionKey("q1", "job1")
	if n, err := g.st.Client().Exists(ctx, execKey).Result(); err != nil || n != 1 {
		t.Fatalf("expected execution key to exist before reset, exists=%d err=%v", n, err)
	}

	if err := g.ResetCounters(ctx, "q1", ResetOptions{TimeBased: true}); err != nil {
		t.Fatalf("time-based reset failed: %v", err)
	}
	if n, err := g.st.Client().Exists(ctx, execKey).Result(); err != nil || n != 1 {
		t.Fatalf("expected execution key to survive a time-based-only reset, exists=%d err=%v", n, err)
	}

	if err := g.ResetCounters(ctx, "q1", ResetOptions{Executions: true}); err != nil {
		t.Fatalf("executions reset failed: %v", err)
	}
	if n, err := g.st.Client().Exists(ctx, execKey).Result(); err != nil || n != 0 {
		t.Fatalf("expected execution key removed after executions reset, exists=%d err=%v", n, err)
	}
}

func TestGovernor_Disable(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	if err := g.Configure(ctx, "q1", model.RateLimitConfig{Enabled: true}); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := g.Disable(ctx, "q1"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	loaded, err := g.Config(ctx, "q1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Enabled {
		t.Error("expected disabled config")
	}
}
