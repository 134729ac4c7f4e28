package broker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// AddToQueueWithPriority adds an item carrying priority/weight, which
// popFromQueueByPriority uses to select the next item instead of strict
// FIFO order (spec §4.5). The item still occupies the same underlying
// list as plain FIFO items.
func (b *Broker) AddToQueueWithPriority(ctx context.Context, queueID string, data json.RawMessage, priority, weight int, hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	if err := b.validateOnAdd(queueID, data); err != nil {
		return nil, err
	}

	hs, _, _ = hs.Clamp()
	it := model.NewItem("", data)
	it.Priority = priority
	it.PriorityWeight = weight
	if err := hooks.RunBefore(ctx, hs.Before, "addToQueueWithPriority", it, queueID, 0); err != nil {
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

	b.bus.Emit(events.ItemAddedPriority, queueID, map[string]interface{}{"itemId": it.ID, "priority": priority})
	if err := hooks.RunAfter(ctx, hs.After, "addToQueueWithPriority", it, queueID, 0); err != nil {
		return it, err
	}
	return it, nil
}

// PopFromQueueByPriority removes and returns the item with the highest
// priority score (spec §4.5: priority*1e6 + weight*1e3 +
// (now-addedAt)/1e6, scored against addedAt per the pinned tiebreaker).
func (b *Broker) PopFromQueueByPriority(ctx context.Context, queueID string, hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	q, err := b.loadQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if isPaused(q) {
		return nil, qmerrors.New(qmerrors.KindValidation, "popFromQueueByPriority", errPausedQueue).WithQueue(queueID)
	}

	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "popFromQueueByPriority", nil, queueID, 0); err != nil {
		return nil, err
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, qmerrors.NotFound("popFromQueueByPriority", queueID, "")
	}

	now := time.Now()
	best := 0
	bestScore := items[0].PriorityScore(now)
	for i := 1; i < len(items); i++ {
		if s := items[i].PriorityScore(now); s > bestScore {
			best, bestScore = i, s
		}
	}
	it := items[best]
	items = append(items[:best], items[best+1:]...)
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}

	b.bus.Emit(events.ItemPoppedPriority, queueID, map[string]interface{}{"itemId": it.ID})
	if err := hooks.RunAfter(ctx, hs.After, "popFromQueueByPriority", it, queueID, 0); err != nil {
		return it, err
	}
	return it, nil
}

// UpdateItemPriority changes an item's priority/weight in place.
func (b *Broker) UpdateItemPriority(ctx context.Context, queueID, itemID string, priority, weight int) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	it, err := b.UpdateItem(ctx, queueID, itemID, func(it *model.Item) {
		it.Priority = priority
		it.PriorityWeight = weight
	}, nopHooks())
	if err != nil {
		return nil, err
	}
	b.bus.Emit(events.ItemPriorityUpdated, queueID, map[string]interface{}{"itemId": itemID, "priority": priority})
	return it, nil
}

// ReorderQueueByPriority re-sorts a queue's item list by priority score,
// highest first, and persists the new order.
func (b *Broker) ReorderQueueByPriority(ctx context.Context, queueID string) ([]*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PriorityScore(now) > items[j].PriorityScore(now)
	})
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}
	b.bus.Emit(events.QueueReorderedPrio, queueID, map[string]interface{}{"count": len(items)})
	return items, nil
}
