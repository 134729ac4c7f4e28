package tests

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/queuemanager/broker/internal/broker"
	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/model"
)

func newBroker(t *testing.T, s *miniredis.Miniredis) *broker.Broker {
	t.Helper()
	port, err := strconv.Atoi(s.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	cfg := &config.BrokerConfig{
		Redis: config.RedisConfig{
			Host:                 s.Host(),
			Port:                 port,
			ConnectTimeout:       time.Second,
			CommandTimeout:       time.Second,
			MaxRetriesPerRequest: 1,
			Family:               4,
		},
		Cache: config.CacheConfig{Strategy: config.CacheStrategyWriteThrough},
		Events: config.EventsConfig{MaxListeners: 32},
		Batch: config.BatchConfig{
			PageSize:         10,
			InterPageDelay:   time.Millisecond,
			MaxBatchPop:      100,
			MaxSchedulerTick: 100,
		},
		Logging:         logger.DefaultConfig(),
		Maintenance:     config.MaintenanceConfig{CleanupCron: "0 * * * *", AuditRetention: 24 * time.Hour, RateLimitStaleAge: time.Hour},
		InitTimeout:     5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
	b := broker.New(cfg, &logger.NoOpLogger{})
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init broker: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

// TestEndToEnd_EnqueueDependenciesRetryAndDLQ exercises the broker's
// cross-cutting behavior end to end: FIFO enqueue, dependency gating,
// retry-to-dead-letter routing, and the health report, all through one
// wired broker instance.
func TestEndToEnd_EnqueueDependenciesRetryAndDLQ(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)
	ctx := context.Background()

	if _, err := b.CreateQueue(ctx, "orders", "Orders", nil, hooks.Set{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if _, err := b.CreateQueue(ctx, "orders-dlq", "Orders DLQ", nil, hooks.Set{}); err != nil {
		t.Fatalf("create dlq: %v", err)
	}

	pred, err := b.AddToQueue(ctx, "orders", json.RawMessage(`{"step":"charge"}`), hooks.Set{})
	if err != nil {
		t.Fatalf("add predecessor: %v", err)
	}
	dependent, err := b.AddJobWithDependencies(ctx, "orders", json.RawMessage(`{"step":"ship"}`), []string{pred.ID})
	if err != nil {
		t.Fatalf("add dependent: %v", err)
	}
	if dependent.Status != model.StatusWaiting {
		t.Fatalf("expected dependent waiting, got %s", dependent.Status)
	}

	if err := b.MarkJobCompleted(ctx, "orders", pred.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	promoted, err := b.GetItem(ctx, "orders", dependent.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if promoted.Status != model.StatusPending {
		t.Fatalf("expected dependent pending after predecessor completed, got %s", promoted.Status)
	}

	policy := &model.RetryPolicy{
		MaxRetries:        1,
		BaseDelayMs:       1,
		BackoffMultiplier: 1,
		MaxDelayMs:        5,
		DeadLetterQueue:   &model.DLQConfig{QueueID: "orders-dlq"},
	}
	err = b.ExecuteWithRetry(ctx, "orders", dependent.ID, policy, func(ctx context.Context) error {
		return errTransient
	})
	if err == nil {
		t.Fatal("expected final error after retries exhausted")
	}
	dlqItems, err := b.GetQueueItems(ctx, "orders-dlq")
	if err != nil {
		t.Fatalf("get dlq items: %v", err)
	}
	if len(dlqItems) != 1 {
		t.Fatalf("expected 1 item in dlq, got %d", len(dlqItems))
	}

	report := b.Health(ctx)
	if report.Status != "ok" {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if !report.Redis.Connected {
		t.Fatal("expected redis connected in health report")
	}
}

var errTransient = errors.New("transient failure")
