package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/model"
)

type fakeFlusher struct {
	mu          sync.Mutex
	queueFlush  map[string]*model.Queue
	itemsFlush  map[string][]*model.Item
	flushCount  int
	failQueue   bool
}

func newFakeFlusher() *fakeFlusher {
	return &fakeFlusher{
		queueFlush: make(map[string]*model.Queue),
		itemsFlush: make(map[string][]*model.Item),
	}
}

func (f *fakeFlusher) FlushQueue(ctx context.Context, queueID string, q *model.Queue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	f.queueFlush[queueID] = q
	return nil
}

func (f *fakeFlusher) FlushItems(ctx context.Context, queueID string, items []*model.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	f.itemsFlush[queueID] = items
	return nil
}

func (f *fakeFlusher) flushedQueue(queueID string) (*model.Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queueFlush[queueID]
	return q, ok
}

func testCacheConfig(strategy config.CacheStrategy, maxSize int) config.CacheConfig {
	return config.CacheConfig{
		Enabled:      true,
		Strategy:     strategy,
		MaxSize:      maxSize,
		TTL:          time.Hour,
		SyncInterval: 20 * time.Millisecond,
	}
}

func TestCache_GetPutQueue_WriteThrough(t *testing.T) {
	flusher := newFakeFlusher()
	c := New(testCacheConfig(config.CacheStrategyWriteThrough, 10), flusher, nil)

	q := model.NewQueue("q1", "orders", nil)
	c.PutQueue("q1", q)

	got, ok := c.GetQueue("q1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.ID != "q1" || got.Name != "orders" {
		t.Errorf("unexpected queue returned: %+v", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Writes != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// write-through never marks dirty, so nothing should be pending.
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if flusher.flushCount != 0 {
		t.Errorf("expected no flushes under write-through, got %d", flusher.flushCount)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New(testCacheConfig(config.CacheStrategyWriteThrough, 10), newFakeFlusher(), nil)
	if _, ok := c.GetQueue("missing"); ok {
		t.Fatal("expected miss")
	}
	if c.Stats().Misses != 1 {
		t.Errorf("expected 1 miss, got %+v", c.Stats())
	}
}

func TestCache_WriteBack_DrainFlushesPending(t *testing.T) {
	flusher := newFakeFlusher()
	c := New(testCacheConfig(config.CacheStrategyWriteBack, 10), flusher, nil)

	q := model.NewQueue("q1", "orders", nil)
	c.PutQueue("q1", q)

	if _, ok := flusher.flushedQueue("q1"); ok {
		t.Fatal("expected no flush before drain")
	}

	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	flushed, ok := flusher.flushedQueue("q1")
	if !ok || flushed.ID != "q1" {
		t.Fatal("expected queue to be flushed after drain")
	}
	if c.Stats().Syncs != 1 {
		t.Errorf("expected 1 sync, got %+v", c.Stats())
	}
}

func TestCache_WriteBack_BackgroundFlushLoop(t *testing.T) {
	flusher := newFakeFlusher()
	c := New(testCacheConfig(config.CacheStrategyWriteBack, 10), flusher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.PutQueue("q1", model.NewQueue("q1", "orders", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := flusher.flushedQueue("q1"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background flusher to flush pending write")
}

func TestCache_EvictionFlushesDirtyEntrySynchronously(t *testing.T) {
	flusher := newFakeFlusher()
	c := New(testCacheConfig(config.CacheStrategyWriteBack, 1), flusher, nil)

	c.PutQueue("q1", model.NewQueue("q1", "first", nil))
	c.PutQueue("q2", model.NewQueue("q2", "second", nil))

	if _, ok := flusher.flushedQueue("q1"); !ok {
		t.Fatal("expected q1 to be synchronously flushed on eviction")
	}
	if _, ok := c.GetQueue("q1"); ok {
		t.Error("expected q1 to have been evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %+v", c.Stats())
	}
}

func TestCache_ItemsRoundTripAndCount(t *testing.T) {
	c := New(testCacheConfig(config.CacheStrategyWriteThrough, 10), newFakeFlusher(), nil)

	items := []*model.Item{
		model.NewItem("", []byte(`{"a":1}`)),
		model.NewItem("", []byte(`{"b":2}`)),
	}
	c.PutItems("q1", items)

	got, ok := c.GetItems("q1")
	if !ok || len(got) != 2 {
		t.Fatalf("expected 2 cached items, got %v ok=%v", got, ok)
	}

	count, ok := c.ItemCount("q1")
	if !ok || count != 2 {
		t.Errorf("expected item count 2, got %d ok=%v", count, ok)
	}
}

func TestCache_InvalidateQueue(t *testing.T) {
	c := New(testCacheConfig(config.CacheStrategyWriteThrough, 10), newFakeFlusher(), nil)
	c.PutQueue("q1", model.NewQueue("q1", "orders", nil))
	c.InvalidateQueue("q1")
	if _, ok := c.GetQueue("q1"); ok {
		t.Error("expected queue to be invalidated")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	cfg := testCacheConfig(config.CacheStrategyWriteThrough, 10)
	cfg.TTL = 10 * time.Millisecond
	c := New(cfg, newFakeFlusher(), nil)

	c.PutQueue("q1", model.NewQueue("q1", "orders", nil))
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.GetQueue("q1"); ok {
		t.Error("expected expired entry to miss")
	}
}
