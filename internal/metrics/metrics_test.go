package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordItemOutcomes(t *testing.T) {
	c := NewCollector()
	c.RecordItemCompleted("q1", 10*time.Millisecond)
	c.RecordItemFailed("q1", 5*time.Millisecond)
	c.RecordItemTimedOut("q1")

	if got := testutil.ToFloat64(c.itemsProcessed.WithLabelValues("q1", "completed")); got != 1 {
		t.Errorf("expected 1 completed, got %v", got)
	}
	if got := testutil.ToFloat64(c.itemsProcessed.WithLabelValues("q1", "failed")); got != 1 {
		t.Errorf("expected 1 failed, got %v", got)
	}
	if got := testutil.ToFloat64(c.itemsProcessed.WithLabelValues("q1", "timed_out")); got != 1 {
		t.Errorf("expected 1 timed_out, got %v", got)
	}
}

func TestCollector_QueueDepth(t *testing.T) {
	c := NewCollector()
	c.RecordQueueDepth("q1", 42)
	if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("q1")); got != 42 {
		t.Errorf("expected depth 42, got %v", got)
	}
}

func TestCollector_CacheHitsAndMisses(t *testing.T) {
	c := NewCollector()
	c.RecordCacheHit("queue")
	c.RecordCacheHit("queue")
	c.RecordCacheMiss("items")

	if got := testutil.ToFloat64(c.cacheHits.WithLabelValues("queue")); got != 2 {
		t.Errorf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheMisses.WithLabelValues("items")); got != 1 {
		t.Errorf("expected 1 cache miss, got %v", got)
	}
}

func TestCollector_RateLimitAndHookAndRetry(t *testing.T) {
	c := NewCollector()
	c.RecordRateLimitDenied("q1", "second")
	c.RecordHookError("beforeAction")
	c.RecordRetryAttempt("q1", "success")

	if got := testutil.ToFloat64(c.rateLimitDeny.WithLabelValues("q1", "second")); got != 1 {
		t.Errorf("expected 1 rate limit denial, got %v", got)
	}
	if got := testutil.ToFloat64(c.hookErrors.WithLabelValues("beforeAction")); got != 1 {
		t.Errorf("expected 1 hook error, got %v", got)
	}
	if got := testutil.ToFloat64(c.retryAttempts.WithLabelValues("q1", "success")); got != 1 {
		t.Errorf("expected 1 retry success, got %v", got)
	}
}

func TestDefault_ReturnsSameInstance(t *testing.T) {
	if Default() != Default() {
		t.Error("expected Default() to return the same collector across calls")
	}
}
