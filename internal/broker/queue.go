package broker

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/queuemanager/broker/internal/audit"
	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// CreateQueue creates a new queue with the given id, name, and config
// (spec §4.4). Fails with KindAlreadyExists if the id is taken.
func (b *Broker) CreateQueue(ctx context.Context, id, name string, cfg map[string]interface{}, hs hooks.Set) (*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	if !model.ValidQueueID(id) {
		return nil, qmerrors.Validation("createQueue", "invalid queue id")
	}

	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "createQueue", nil, id, 1); err != nil {
		return nil, err
	}

	if _, err := b.readQueueFromStore(ctx, id); err == nil {
		return nil, qmerrors.AlreadyExists("createQueue", id)
	} else if qmerrors.KindOf(err) != qmerrors.KindNotFound {
		return nil, err
	}

	q := model.NewQueue(id, name, cfg)
	if err := b.saveQueue(ctx, id, q); err != nil {
		return nil, err
	}

	b.bus.Emit(events.QueueCreated, id, map[string]interface{}{"name": name})
	_ = b.audit.LogEvent(ctx, id, string(events.QueueCreated), map[string]interface{}{"name": name}, audit.LogOptions{})
	if err := hooks.RunAfter(ctx, hs.After, "createQueue", q, id, q.Version); err != nil {
		return q, err
	}
	return q, nil
}

// GetQueue returns a queue's metadata.
func (b *Broker) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	return b.loadQueue(ctx, id)
}

// QueueListOptions paginates and filters getAllQueues (spec §4.4:
// "getAll merges cache entries with Redis scan, paginates over the
// union"). The zero value returns every known queue, unfiltered.
type QueueListOptions struct {
	Limit   int
	Offset  int
	Pattern string
}

// GetAllQueues returns the metadata for every known queue, optionally
// filtered by a glob Pattern (matched against the queue id) and sliced
// by Offset/Limit.
func (b *Broker) GetAllQueues(ctx context.Context, opts QueueListOptions) ([]*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	ids, err := b.listQueueIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	queues := make([]*model.Queue, 0, len(ids))
	for _, id := range ids {
		if opts.Pattern != "" {
			if ok, err := path.Match(opts.Pattern, id); err != nil || !ok {
				continue
			}
		}
		q, err := b.loadQueue(ctx, id)
		if err != nil {
			if qmerrors.KindOf(err) == qmerrors.KindNotFound {
				continue
			}
			return nil, err
		}
		queues = append(queues, q)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(queues) {
			return []*model.Queue{}, nil
		}
		queues = queues[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(queues) {
		queues = queues[:opts.Limit]
	}
	return queues, nil
}

// UpdateQueue merges cfg into the queue's configuration and bumps its
// version (spec §4.4 optimistic versioning).
func (b *Broker) UpdateQueue(ctx context.Context, id string, cfg map[string]interface{}, hs hooks.Set) (*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "updateQueue", nil, id, 0); err != nil {
		return nil, err
	}

	q, err := b.loadQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg {
		q.Config[k] = v
	}
	q.Version++
	q.UpdatedAt = time.Now().UTC()
	if err := b.saveQueue(ctx, id, q); err != nil {
		return nil, err
	}

	b.bus.Emit(events.QueueUpdated, id, map[string]interface{}{"version": q.Version})
	if err := hooks.RunAfter(ctx, hs.After, "updateQueue", q, id, q.Version); err != nil {
		return q, err
	}
	return q, nil
}

// DeleteQueue removes a queue and all of its items.
func (b *Broker) DeleteQueue(ctx context.Context, id string, hs hooks.Set) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	hs, _, _ = hs.Clamp()
	if err := hooks.RunBefore(ctx, hs.Before, "deleteQueue", nil, id, 0); err != nil {
		return err
	}

	if err := b.deleteQueueFromStore(ctx, id); err != nil {
		return err
	}
	if b.cache != nil {
		b.cache.InvalidateQueue(id)
		b.cache.InvalidateItems(id)
	}
	b.bus.UnsubscribeQueue(id)
	b.bus.Emit(events.QueueDeleted, id, nil)
	return hooks.RunAfter(ctx, hs.After, "deleteQueue", nil, id, 0)
}

// RenameQueue migrates a queue from oldID to newID: new metadata and
// items are written under newID preserving item order, the old keys are
// deleted, and the event listener is transferred (spec §4.4 renameQueue).
// Fails if newID already exists or oldID does not.
func (b *Broker) RenameQueue(ctx context.Context, oldID, newID string) (*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	if !model.ValidQueueID(newID) {
		return nil, qmerrors.Validation("renameQueue", "invalid queue id")
	}

	q, err := b.readQueueFromStore(ctx, oldID)
	if err != nil {
		return nil, err
	}
	if _, err := b.readQueueFromStore(ctx, newID); err == nil {
		return nil, qmerrors.AlreadyExists("renameQueue", newID)
	} else if qmerrors.KindOf(err) != qmerrors.KindNotFound {
		return nil, err
	}

	items, err := b.loadItems(ctx, oldID)
	if err != nil {
		return nil, err
	}

	renamed := *q
	renamed.ID = newID
	renamed.Version++
	renamed.UpdatedAt = time.Now().UTC()

	if err := b.writeQueueToStore(ctx, newID, &renamed); err != nil {
		return nil, err
	}
	if err := b.writeItemsToStore(ctx, newID, items); err != nil {
		return nil, err
	}
	if err := b.deleteQueueFromStore(ctx, oldID); err != nil {
		return nil, err
	}

	if b.cache != nil {
		b.cache.InvalidateQueue(oldID)
		b.cache.InvalidateItems(oldID)
		b.cache.PopulateQueue(newID, &renamed)
		b.cache.PopulateItems(newID, items)
	}

	b.bus.TransferQueue(oldID, newID)
	b.bus.Emit(events.QueueRenamedOut, oldID, map[string]interface{}{"newId": newID})
	b.bus.Emit(events.QueueRenamedIn, newID, map[string]interface{}{"oldId": oldID})
	return &renamed, nil
}

// PauseQueue flags a queue so pop operations refuse to dequeue (spec §4.4).
func (b *Broker) PauseQueue(ctx context.Context, id string) error {
	return b.setPaused(ctx, id, true, events.QueuePaused)
}

// ResumeQueue clears a queue's pause flag.
func (b *Broker) ResumeQueue(ctx context.Context, id string) error {
	return b.setPaused(ctx, id, false, events.QueueResumed)
}

func (b *Broker) setPaused(ctx context.Context, id string, paused bool, evt events.Type) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	q, err := b.loadQueue(ctx, id)
	if err != nil {
		return err
	}
	q.Config["paused"] = paused
	q.Version++
	q.UpdatedAt = time.Now().UTC()
	if err := b.saveQueue(ctx, id, q); err != nil {
		return err
	}
	b.bus.Emit(evt, id, nil)
	return nil
}

func isPaused(q *model.Queue) bool {
	v, ok := q.Config["paused"]
	if !ok {
		return false
	}
	p, _ := v.(bool)
	return p
}

// GetQueuesByRoutingKey returns every queue whose config["routingKey"]
// matches routingKey, adapting the teacher's RoutingKey/DequeueWithRouting
// concept into queue metadata rather than a separate routing table.
func (b *Broker) GetQueuesByRoutingKey(ctx context.Context, routingKey string) ([]*model.Queue, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	queues, err := b.GetAllQueues(ctx, QueueListOptions{})
	if err != nil {
		return nil, err
	}
	matched := make([]*model.Queue, 0, len(queues))
	for _, q := range queues {
		if rk, ok := q.Config["routingKey"].(string); ok && rk == routingKey {
			matched = append(matched, q)
		}
	}
	return matched, nil
}

// ClearQueue removes every item from a queue without deleting the queue
// itself.
func (b *Broker) ClearQueue(ctx context.Context, id string) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	if err := b.saveItems(ctx, id, nil); err != nil {
		return err
	}
	b.bus.Emit(events.QueueCleared, id, nil)
	return nil
}
