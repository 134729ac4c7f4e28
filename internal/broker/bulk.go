package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/queuemanager/broker/internal/model"
)

// BulkAddItems adds every payload in pages of BatchConfig.PageSize,
// pausing InterPageDelay between pages (spec §4.4).
func (b *Broker) BulkAddItems(ctx context.Context, queueID string, payloads []json.RawMessage) ([]*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	results := make([]*model.Item, 0, len(payloads))
	for page := 0; page < len(payloads); page += b.cfg.Batch.PageSize {
		end := page + b.cfg.Batch.PageSize
		if end > len(payloads) {
			end = len(payloads)
		}
		for _, p := range payloads[page:end] {
			it, err := b.AddToQueue(ctx, queueID, p, nopHooks())
			if err != nil {
				return results, err
			}
			results = append(results, it)
		}
		if end < len(payloads) {
			b.sleepBetweenPages(ctx)
		}
	}
	return results, nil
}

// BulkUpdateItemStatus sets status on every listed item id, in pages.
func (b *Broker) BulkUpdateItemStatus(ctx context.Context, queueID string, itemIDs []string, status model.ItemStatus) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	for page := 0; page < len(itemIDs); page += b.cfg.Batch.PageSize {
		end := page + b.cfg.Batch.PageSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		for _, id := range itemIDs[page:end] {
			if _, err := b.UpdateItem(ctx, queueID, id, func(it *model.Item) { it.Status = status }, nopHooks()); err != nil {
				return err
			}
		}
		if end < len(itemIDs) {
			b.sleepBetweenPages(ctx)
		}
	}
	return nil
}

// BulkDeleteItems removes every listed item id, in pages.
func (b *Broker) BulkDeleteItems(ctx context.Context, queueID string, itemIDs []string) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	for page := 0; page < len(itemIDs); page += b.cfg.Batch.PageSize {
		end := page + b.cfg.Batch.PageSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		for _, id := range itemIDs[page:end] {
			if err := b.DeleteItemFromQueue(ctx, queueID, id); err != nil {
				return err
			}
		}
		if end < len(itemIDs) {
			b.sleepBetweenPages(ctx)
		}
	}
	return nil
}

func (b *Broker) sleepBetweenPages(ctx context.Context) {
	select {
	case <-time.After(b.cfg.Batch.InterPageDelay):
	case <-ctx.Done():
	}
}
