package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/queuemanager/broker/internal/audit"
	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/validate"
)

// AddToQueue pushes a new item onto the head of a queue (LPUSH; FIFO pop
// later drains the tail — spec's pinned add-head/drain-tail convention).
func (b *Broker) AddToQueue(ctx context.Context, queueID string, data json.RawMessage, hs hooks.Set) (*model.Item, error) {
	return b.AddToQueueWithOptions(ctx, queueID, data, model.AddOptions{}, hs)
}

// AddToQueueWithOptions is AddToQueue generalized to carry the itemId/
// priority/timeout/dependencies/metadata fields spec §4.5 step 2
// requires scheduled-job promotion to preserve (comment #2 of the
// review: promotion must not drop these onto the floor).
func (b *Broker) AddToQueueWithOptions(ctx context.Context, queueID string, data json.RawMessage, opts model.AddOptions, hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	if err := b.validateOnAdd(queueID, data); err != nil {
		return nil, err
	}

	hs, _, _ = hs.Clamp()
	it := model.NewItem(opts.ItemID, data)
	it.Priority = opts.Priority
	if opts.Weight != 0 {
		it.PriorityWeight = opts.Weight
	}
	it.Timeout = opts.Timeout
	it.Dependencies = opts.Dependencies
	it.Metadata = opts.Metadata
	if err := hooks.RunBefore(ctx, hs.Before, "addToQueue", it, queueID, 0); err != nil {
		return nil, err
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	items = append([]*model.Item{it}, items...)
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}

	b.bus.Emit(events.ItemAdded, queueID, map[string]interface{}{"itemId": it.ID})
	_ = b.audit.LogEvent(ctx, queueID, string(events.ItemAdded), map[string]interface{}{"itemId": it.ID}, audit.LogOptions{})
	if err := hooks.RunAfter(ctx, hs.After, "addToQueue", it, queueID, 0); err != nil {
		return it, err
	}
	return it, nil
}

func (b *Broker) validateOnAdd(queueID string, data json.RawMessage) error {
	cfg, ok := b.schemaFor(queueID)
	if !ok || !cfg.ValidateOnAdd {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return qmerrors.Validation("addToQueue", "item data must be a JSON object").WithQueue(queueID)
	}
	result := validate.Data(cfg, payload)
	return validate.Apply("addToQueue", queueID, cfg, result, b.log)
}

// GetQueueItems returns every item currently in a queue, head first.
func (b *Broker) GetQueueItems(ctx context.Context, queueID string) ([]*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	return b.loadItems(ctx, queueID)
}

// GetItem finds one item by id within a queue.
func (b *Broker) GetItem(ctx context.Context, queueID, itemID string) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID == itemID {
			return it, nil
		}
	}
	return nil, qmerrors.NotFound("getItem", queueID, itemID)
}

// UpdateItem mutates one item's data/status/metadata in place. Persistence
// rewrites the whole list (DEL + RPUSH) to preserve head/tail ordering
// (spec §4.2/§4.4).
func (b *Broker) UpdateItem(ctx context.Context, queueID, itemID string, mutate func(*model.Item), hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "updateItem", nil, queueID, 0); err != nil {
		return nil, err
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	var updated *model.Item
	for _, it := range items {
		if it.ID == itemID {
			mutate(it)
			now := time.Now().UTC()
			it.UpdatedAt = &now
			updated = it
			break
		}
	}
	if updated == nil {
		return nil, qmerrors.NotFound("updateItem", queueID, itemID)
	}
	if err := b.checkUpdateValidation(queueID, updated); err != nil {
		return nil, err
	}
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}

	b.bus.Emit(events.ItemUpdated, queueID, map[string]interface{}{"itemId": itemID})
	if err := hooks.RunAfter(ctx, hs.After, "updateItem", updated, queueID, 0); err != nil {
		return updated, err
	}
	return updated, nil
}

func (b *Broker) checkUpdateValidation(queueID string, it *model.Item) error {
	cfg, ok := b.schemaFor(queueID)
	if !ok || !cfg.ValidateOnUpdate {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(it.Data, &payload); err != nil {
		return qmerrors.Validation("updateItem", "item data must be a JSON object").WithQueue(queueID)
	}
	result := validate.Data(cfg, payload)
	return validate.Apply("updateItem", queueID, cfg, result, b.log)
}

// DeleteItemFromQueue removes one item by id.
func (b *Broker) DeleteItemFromQueue(ctx context.Context, queueID, itemID string) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return err
	}
	out := make([]*model.Item, 0, len(items))
	found := false
	for _, it := range items {
		if it.ID == itemID {
			found = true
			continue
		}
		out = append(out, it)
	}
	if !found {
		return qmerrors.NotFound("deleteItemFromQueue", queueID, itemID)
	}
	if err := b.saveItems(ctx, queueID, out); err != nil {
		return err
	}
	b.bus.Emit(events.ItemDeleted, queueID, map[string]interface{}{"itemId": itemID})
	return nil
}

// PeekQueue returns the next item that would be popped (the tail, the
// oldest) without removing it.
func (b *Broker) PeekQueue(ctx context.Context, queueID string) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, qmerrors.NotFound("peekQueue", queueID, "")
	}
	it := items[len(items)-1]
	b.bus.Emit(events.ItemPeeked, queueID, map[string]interface{}{"itemId": it.ID})
	return it, nil
}

// PopFromQueue removes and returns the oldest item (tail; FIFO per the
// pinned add-head/drain-tail convention). Refuses to dequeue from a
// paused queue (spec §4.4).
func (b *Broker) PopFromQueue(ctx context.Context, queueID string, hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	q, err := b.loadQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if isPaused(q) {
		return nil, qmerrors.New(qmerrors.KindValidation, "popFromQueue", errPausedQueue).WithQueue(queueID)
	}

	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "popFromQueue", nil, queueID, 0); err != nil {
		return nil, err
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, qmerrors.NotFound("popFromQueue", queueID, "")
	}
	it := items[len(items)-1]
	items = items[:len(items)-1]
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}

	b.bus.Emit(events.ItemPopped, queueID, map[string]interface{}{"itemId": it.ID})
	if err := hooks.RunAfter(ctx, hs.After, "popFromQueue", it, queueID, 0); err != nil {
		return it, err
	}
	return it, nil
}

// PopBatchFromQueue removes and returns up to n items from the tail,
// capped at BatchConfig.MaxBatchPop (spec §5 bound).
func (b *Broker) PopBatchFromQueue(ctx context.Context, queueID string, n int) ([]*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	if n > b.cfg.Batch.MaxBatchPop {
		n = b.cfg.Batch.MaxBatchPop
	}
	q, err := b.loadQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if isPaused(q) {
		return nil, qmerrors.New(qmerrors.KindValidation, "popBatchFromQueue", errPausedQueue).WithQueue(queueID)
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if n > len(items) {
		n = len(items)
	}
	if n == 0 {
		return nil, nil
	}
	popped := make([]*model.Item, n)
	for i := 0; i < n; i++ {
		popped[i] = items[len(items)-1-i]
	}
	remaining := items[:len(items)-n]
	if err := b.saveItems(ctx, queueID, remaining); err != nil {
		return nil, err
	}
	b.bus.Emit(events.ItemsBatchPop, queueID, map[string]interface{}{"count": n})
	return popped, nil
}

// RequeueItem removes itemID from the queue and re-inserts it at the
// position opts selects, applying the requested status/retryCount/
// timestamp bookkeeping (spec §4.4 requeueItem). An index position
// clamps to [0, len(remaining)] per the §8 boundary list.
func (b *Broker) RequeueItem(ctx context.Context, queueID, itemID string, opts model.RequeueOptions) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, it := range items {
		if it.ID == itemID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, qmerrors.NotFound("requeueItem", queueID, itemID)
	}

	requeued := items[idx].Clone()
	items = append(items[:idx], items[idx+1:]...)

	if opts.UpdateStatus {
		requeued.Status = opts.NewStatus
	} else {
		requeued.Status = model.StatusPending
	}
	requeued.FailureReason = ""
	if opts.RetryCount != nil {
		requeued.RetryCount = *opts.RetryCount
	}
	if opts.ResetTimestamp {
		requeued.AddedAt = time.Now().UTC()
	}
	if opts.Delay > 0 {
		until := time.Now().Add(opts.Delay)
		requeued.Delayed = true
		requeued.DelayUntil = &until
	} else {
		requeued.Delayed = false
		requeued.DelayUntil = nil
	}

	insertAt := requeueInsertIndex(opts, len(items))
	out := make([]*model.Item, 0, len(items)+1)
	out = append(out, items[:insertAt]...)
	out = append(out, requeued)
	out = append(out, items[insertAt:]...)

	if err := b.saveItems(ctx, queueID, out); err != nil {
		return nil, err
	}
	b.bus.Emit(events.ItemRequeued, queueID, map[string]interface{}{"itemId": requeued.ID})
	return requeued, nil
}

// requeueInsertIndex resolves opts.Position to an index into a list of
// length n (the remaining items after removal), clamping an explicit
// index position to [0, n].
func requeueInsertIndex(opts model.RequeueOptions, n int) int {
	switch opts.Position {
	case model.RequeueTail:
		return n
	case model.RequeueIndex:
		idx := opts.Index
		if idx < 0 {
			idx = 0
		}
		if idx > n {
			idx = n
		}
		return idx
	default:
		return 0
	}
}

// MoveItemBetweenQueues deletes an item from one queue and adds it to
// another, preserving its id and data.
func (b *Broker) MoveItemBetweenQueues(ctx context.Context, fromQueue, toQueue, itemID string) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	it, err := b.GetItem(ctx, fromQueue, itemID)
	if err != nil {
		return nil, err
	}
	if err := b.DeleteItemFromQueue(ctx, fromQueue, itemID); err != nil {
		return nil, err
	}

	moved := it.Clone()
	items, err := b.loadItems(ctx, toQueue)
	if err != nil {
		return nil, err
	}
	items = append([]*model.Item{moved}, items...)
	if err := b.saveItems(ctx, toQueue, items); err != nil {
		return nil, err
	}

	b.bus.Emit(events.ItemMovedOut, fromQueue, map[string]interface{}{"itemId": itemID, "toQueue": toQueue})
	b.bus.Emit(events.ItemMovedIn, toQueue, map[string]interface{}{"itemId": itemID, "fromQueue": fromQueue})
	return moved, nil
}

// FindItem returns the first item in a queue matching predicate.
// Predicate panics are recovered, logged, and treated as a non-match for
// that item (spec §4.4/§8: "tolerant of predicate exceptions").
func (b *Broker) FindItem(ctx context.Context, queueID string, predicate func(*model.Item) bool) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if safePredicate(b, queueID, it, predicate) {
			b.bus.Emit(events.ItemFound, queueID, map[string]interface{}{"itemId": it.ID})
			return it, nil
		}
	}
	return nil, qmerrors.NotFound("findItem", queueID, "")
}

// FilterItems returns every item in a queue matching predicate, skipping
// (rather than failing on) any item whose predicate call panics.
func (b *Broker) FilterItems(ctx context.Context, queueID string, predicate func(*model.Item) bool) ([]*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Item, 0, len(items))
	for _, it := range items {
		if safePredicate(b, queueID, it, predicate) {
			out = append(out, it)
		}
	}
	b.bus.Emit(events.ItemsFiltered, queueID, map[string]interface{}{"count": len(out)})
	return out, nil
}

// safePredicate invokes predicate with a recover guard so a panicking
// caller-supplied callable skips that item instead of crashing the scan
// (the same direct recover() guard hooks and loop use).
func safePredicate(b *Broker, queueID string, it *model.Item, predicate func(*model.Item) bool) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("predicate panicked, skipping item", "queueId", queueID, "itemId", it.ID, "error", r)
			matched = false
		}
	}()
	return predicate(it)
}

var errPausedQueue = pausedQueueErr{}

type pausedQueueErr struct{}

func (pausedQueueErr) Error() string { return "queue is paused" }
