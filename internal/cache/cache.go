// Package cache implements the hybrid cache (spec §4.2): two LRU maps with
// TTL for queue metadata and item lists, supporting write-through and
// write-back consistency strategies against a backing Flusher.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// Flusher persists a dirty cache entry to the backing store. The cache
// package is storage-agnostic; the broker wires this to internal/store.
type Flusher interface {
	FlushQueue(ctx context.Context, queueID string, q *model.Queue) error
	FlushItems(ctx context.Context, queueID string, items []*model.Item) error
}

type entryKind int

const (
	kindQueue entryKind = iota
	kindItems
)

type pendingKey struct {
	kind    entryKind
	queueID string
}

type queueEntry struct {
	queueID   string
	queue     *model.Queue
	expiresAt time.Time
	dirty     bool
}

type itemsEntry struct {
	queueID   string
	items     []*model.Item
	expiresAt time.Time
	dirty     bool
}

// Stats is a point-in-time snapshot of cache observability counters
// (spec §4.2).
type Stats struct {
	Hits      int64
	Misses    int64
	Writes    int64
	Evictions int64
	Syncs     int64
}

// HitRate returns hits / (hits + misses), or 0 when no reads have occurred.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the hybrid LRU+TTL cache fronting the storage adapter.
type Cache struct {
	strategy     config.CacheStrategy
	maxSize      int
	ttl          time.Duration
	syncInterval time.Duration
	flusher      Flusher
	log          logger.Logger

	mu          sync.Mutex
	queueLRU    *list.List
	queueIndex  map[string]*list.Element // queueID -> element (value *queueEntry)
	itemsLRU    *list.List
	itemsIndex  map[string]*list.Element // queueID -> element (value *itemsEntry)
	pending     map[pendingKey]struct{}

	hits, misses, writes, evictions, syncs atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Cache. Strategy is immutable after construction
// (spec §9 Open Questions).
func New(cfg config.CacheConfig, flusher Flusher, log logger.Logger) *Cache {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Cache{
		strategy:     cfg.Strategy,
		maxSize:      cfg.MaxSize,
		ttl:          cfg.TTL,
		syncInterval: cfg.SyncInterval,
		flusher:      flusher,
		log:          log.WithComponent(logger.ComponentCache),
		queueLRU:     list.New(),
		queueIndex:   make(map[string]*list.Element),
		itemsLRU:     list.New(),
		itemsIndex:   make(map[string]*list.Element),
		pending:      make(map[pendingKey]struct{}),
	}
}

// Strategy reports the cache's fixed consistency strategy.
func (c *Cache) Strategy() config.CacheStrategy { return c.strategy }

// Start launches the write-back flusher loop. No-op under write-through.
func (c *Cache) Start(ctx context.Context) {
	if c.strategy != config.CacheStrategyWriteBack {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.flushLoop(ctx)
}

func (c *Cache) flushLoop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushPending(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the flusher loop without draining pending writes.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// Drain flushes every pending write synchronously; callers should invoke
// this during shutdown before Stop (spec §4.6, §5).
func (c *Cache) Drain(ctx context.Context) error {
	return c.flushPending(ctx)
}

func (c *Cache) flushPending(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]pendingKey, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := c.flushOne(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) flushOne(ctx context.Context, k pendingKey) error {
	var err error
	switch k.kind {
	case kindQueue:
		c.mu.Lock()
		el, ok := c.queueIndex[k.queueID]
		var q *model.Queue
		if ok {
			q = el.Value.(*queueEntry).queue
		}
		c.mu.Unlock()
		if !ok {
			break
		}
		err = c.flusher.FlushQueue(ctx, k.queueID, q)
	case kindItems:
		c.mu.Lock()
		el, ok := c.itemsIndex[k.queueID]
		var items []*model.Item
		if ok {
			items = el.Value.(*itemsEntry).items
		}
		c.mu.Unlock()
		if !ok {
			break
		}
		err = c.flusher.FlushItems(ctx, k.queueID, items)
	}
	if err != nil {
		c.log.Error("cache flush failed", "queueId", k.queueID, "error", err)
		return qmerrors.New(qmerrors.KindCache, "flush", err).WithQueue(k.queueID)
	}

	c.mu.Lock()
	delete(c.pending, k)
	switch k.kind {
	case kindQueue:
		if el, ok := c.queueIndex[k.queueID]; ok {
			el.Value.(*queueEntry).dirty = false
		}
	case kindItems:
		if el, ok := c.itemsIndex[k.queueID]; ok {
			el.Value.(*itemsEntry).dirty = false
		}
	}
	c.mu.Unlock()
	c.syncs.Add(1)
	return nil
}

// GetQueue returns a cached queue snapshot, if present and unexpired.
func (c *Cache) GetQueue(queueID string) (*model.Queue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.queueIndex[queueID]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := el.Value.(*queueEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.evictQueueLocked(el)
		c.misses.Add(1)
		return nil, false
	}
	c.queueLRU.MoveToFront(el)
	c.hits.Add(1)
	return entry.queue.Clone(), true
}

// PutQueue inserts or refreshes the cached queue. Under write-back the
// entry is marked dirty and queued for the flusher; write-through callers
// are expected to have already persisted to Redis.
func (c *Cache) PutQueue(queueID string, q *model.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirty := c.strategy == config.CacheStrategyWriteBack
	if el, ok := c.queueIndex[queueID]; ok {
		entry := el.Value.(*queueEntry)
		entry.queue = q.Clone()
		entry.expiresAt = c.expiry()
		entry.dirty = dirty
		c.queueLRU.MoveToFront(el)
	} else {
		entry := &queueEntry{queueID: queueID, queue: q.Clone(), expiresAt: c.expiry(), dirty: dirty}
		el := c.queueLRU.PushFront(entry)
		c.queueIndex[queueID] = el
		c.evictQueueOverflowLocked()
	}
	if dirty {
		c.pending[pendingKey{kindQueue, queueID}] = struct{}{}
	}
	c.writes.Add(1)
}

// PopulateQueue seeds the cache from a fresh store read. Unlike PutQueue
// this never marks the entry dirty: the store already holds this value,
// so there is nothing for the write-back flusher to do.
func (c *Cache) PopulateQueue(queueID string, q *model.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.queueIndex[queueID]; ok {
		entry := el.Value.(*queueEntry)
		entry.queue = q.Clone()
		entry.expiresAt = c.expiry()
		c.queueLRU.MoveToFront(el)
		return
	}
	entry := &queueEntry{queueID: queueID, queue: q.Clone(), expiresAt: c.expiry()}
	el := c.queueLRU.PushFront(entry)
	c.queueIndex[queueID] = el
	c.evictQueueOverflowLocked()
}

// InvalidateQueue removes a queue's cached metadata without flushing.
func (c *Cache) InvalidateQueue(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.queueIndex[queueID]; ok {
		c.queueLRU.Remove(el)
		delete(c.queueIndex, queueID)
		delete(c.pending, pendingKey{kindQueue, queueID})
	}
}

func (c *Cache) evictQueueOverflowLocked() {
	for c.maxSize > 0 && c.queueLRU.Len() > c.maxSize {
		back := c.queueLRU.Back()
		if back == nil {
			return
		}
		c.evictQueueLocked(back)
	}
}

func (c *Cache) evictQueueLocked(el *list.Element) {
	entry := el.Value.(*queueEntry)
	if entry.dirty && c.flusher != nil {
		// Dirty entries must be flushed synchronously before eviction
		// (spec §4.2, §5).
		if err := c.flusher.FlushQueue(context.Background(), entry.queueID, entry.queue); err != nil {
			c.log.Error("synchronous eviction flush failed", "queueId", entry.queueID, "error", err)
		} else {
			c.syncs.Add(1)
		}
		delete(c.pending, pendingKey{kindQueue, entry.queueID})
	}
	c.queueLRU.Remove(el)
	delete(c.queueIndex, entry.queueID)
	c.evictions.Add(1)
}

// GetItems returns the cached item mirror for a queue, if present.
func (c *Cache) GetItems(queueID string) ([]*model.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.itemsIndex[queueID]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := el.Value.(*itemsEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.evictItemsLocked(el)
		c.misses.Add(1)
		return nil, false
	}
	c.itemsLRU.MoveToFront(el)
	c.hits.Add(1)
	return cloneItems(entry.items), true
}

// PutItems replaces the cached item mirror for a queue.
func (c *Cache) PutItems(queueID string, items []*model.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirty := c.strategy == config.CacheStrategyWriteBack
	cloned := cloneItems(items)
	if el, ok := c.itemsIndex[queueID]; ok {
		entry := el.Value.(*itemsEntry)
		entry.items = cloned
		entry.expiresAt = c.expiry()
		entry.dirty = dirty
		c.itemsLRU.MoveToFront(el)
	} else {
		entry := &itemsEntry{queueID: queueID, items: cloned, expiresAt: c.expiry(), dirty: dirty}
		el := c.itemsLRU.PushFront(entry)
		c.itemsIndex[queueID] = el
		c.evictItemsOverflowLocked()
	}
	if dirty {
		c.pending[pendingKey{kindItems, queueID}] = struct{}{}
	}
	c.writes.Add(1)
}

// PopulateItems seeds the cache from a fresh store read without marking
// the entry dirty (see PopulateQueue).
func (c *Cache) PopulateItems(queueID string, items []*model.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cloned := cloneItems(items)
	if el, ok := c.itemsIndex[queueID]; ok {
		entry := el.Value.(*itemsEntry)
		entry.items = cloned
		entry.expiresAt = c.expiry()
		c.itemsLRU.MoveToFront(el)
		return
	}
	entry := &itemsEntry{queueID: queueID, items: cloned, expiresAt: c.expiry()}
	el := c.itemsLRU.PushFront(entry)
	c.itemsIndex[queueID] = el
	c.evictItemsOverflowLocked()
}

// InvalidateItems removes a queue's cached item mirror without flushing.
func (c *Cache) InvalidateItems(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.itemsIndex[queueID]; ok {
		c.itemsLRU.Remove(el)
		delete(c.itemsIndex, queueID)
		delete(c.pending, pendingKey{kindItems, queueID})
	}
}

// ItemCount returns the cached item list length for a queue, recomputed
// from the cached mirror when present (spec §4.2).
func (c *Cache) ItemCount(queueID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.itemsIndex[queueID]
	if !ok {
		return 0, false
	}
	return len(el.Value.(*itemsEntry).items), true
}

func (c *Cache) evictItemsOverflowLocked() {
	for c.maxSize > 0 && c.itemsLRU.Len() > c.maxSize {
		back := c.itemsLRU.Back()
		if back == nil {
			return
		}
		c.evictItemsLocked(back)
	}
}

func (c *Cache) evictItemsLocked(el *list.Element) {
	entry := el.Value.(*itemsEntry)
	if entry.dirty && c.flusher != nil {
		if err := c.flusher.FlushItems(context.Background(), entry.queueID, entry.items); err != nil {
			c.log.Error("synchronous eviction flush failed", "queueId", entry.queueID, "error", err)
		} else {
			c.syncs.Add(1)
		}
		delete(c.pending, pendingKey{kindItems, entry.queueID})
	}
	c.itemsLRU.Remove(el)
	delete(c.itemsIndex, entry.queueID)
	c.evictions.Add(1)
}

func (c *Cache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Writes:    c.writes.Load(),
		Evictions: c.evictions.Load(),
		Syncs:     c.syncs.Load(),
	}
}

func cloneItems(items []*model.Item) []*model.Item {
	out := make([]*model.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
