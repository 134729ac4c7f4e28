package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/config"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// FlushQueue persists a queue's metadata to Redis. It implements
// cache.Flusher so the write-back cache can defer Redis writes to this
// callback (spec §4.2).
func (b *Broker) FlushQueue(ctx context.Context, queueID string, q *model.Queue) error {
	return b.writeQueueToStore(ctx, queueID, q)
}

// FlushItems persists a queue's full item list to Redis.
func (b *Broker) FlushItems(ctx context.Context, queueID string, items []*model.Item) error {
	return b.writeItemsToStore(ctx, queueID, items)
}

// loadQueue returns a queue's metadata, preferring the cache.
func (b *Broker) loadQueue(ctx context.Context, queueID string) (*model.Queue, error) {
	if b.cache != nil {
		if q, ok := b.cache.GetQueue(queueID); ok {
			b.metrics.RecordCacheHit("queue")
			return q, nil
		}
		b.metrics.RecordCacheMiss("queue")
	}

	q, err := b.readQueueFromStore(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.PopulateQueue(queueID, q)
	}
	return q, nil
}

func (b *Broker) readQueueFromStore(ctx context.Context, queueID string) (*model.Queue, error) {
	key := store.MetaKey(queueID)
	var fields map[string]string
	err := b.execute(ctx, "getQueue", func(ctx context.Context, c *redis.Client) error {
		var herr error
		fields, herr = c.HGetAll(ctx, key).Result()
		return herr
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, qmerrors.NotFound("getQueue", queueID, "")
	}
	return decodeQueueHash(fields)
}

// saveQueue writes a queue through the cache strategy: write-through
// persists to Redis immediately and then populates the cache;
// write-back marks the cache entry dirty for the flusher.
func (b *Broker) saveQueue(ctx context.Context, queueID string, q *model.Queue) error {
	if b.cache == nil || b.cfg.Cache.Strategy == config.CacheStrategyWriteThrough {
		if err := b.writeQueueToStore(ctx, queueID, q); err != nil {
			return err
		}
		if b.cache != nil {
			b.cache.PopulateQueue(queueID, q)
		}
		return nil
	}
	b.cache.PutQueue(queueID, q)
	return nil
}

func (b *Broker) writeQueueToStore(ctx context.Context, queueID string, q *model.Queue) error {
	key := store.MetaKey(queueID)
	fields, err := encodeQueueHash(q)
	if err != nil {
		return err
	}
	return b.execute(ctx, "saveQueue", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, store.QueueRegistryKey(), queueID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (b *Broker) deleteQueueFromStore(ctx context.Context, queueID string) error {
	return b.execute(ctx, "deleteQueue", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Del(ctx, store.MetaKey(queueID))
		pipe.Del(ctx, store.ItemsKey(queueID))
		pipe.SRem(ctx, store.QueueRegistryKey(), queueID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (b *Broker) listQueueIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.execute(ctx, "listQueues", func(ctx context.Context, c *redis.Client) error {
		var herr error
		ids, herr = c.SMembers(ctx, store.QueueRegistryKey()).Result()
		return herr
	})
	return ids, err
}

// loadItems returns a queue's full item mirror, preferring the cache.
func (b *Broker) loadItems(ctx context.Context, queueID string) ([]*model.Item, error) {
	if b.cache != nil {
		if items, ok := b.cache.GetItems(queueID); ok {
			b.metrics.RecordCacheHit("items")
			return items, nil
		}
		b.metrics.RecordCacheMiss("items")
	}

	items, err := b.readItemsFromStore(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.PopulateItems(queueID, items)
	}
	return items, nil
}

func (b *Broker) readItemsFromStore(ctx context.Context, queueID string) ([]*model.Item, error) {
	key := store.ItemsKey(queueID)
	var raw []string
	err := b.execute(ctx, "getQueueItems", func(ctx context.Context, c *redis.Client) error {
		var herr error
		raw, herr = c.LRange(ctx, key, 0, -1).Result()
		return herr
	})
	if err != nil {
		return nil, err
	}
	items := make([]*model.Item, 0, len(raw))
	for _, r := range raw {
		var it model.Item
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, qmerrors.New(qmerrors.KindStorage, "getQueueItems", err).WithQueue(queueID)
		}
		items = append(items, &it)
	}
	return items, nil
}

// saveItems writes the full item mirror through the cache strategy.
// Item order is head-to-tail (items[0] is the list head / newest add).
func (b *Broker) saveItems(ctx context.Context, queueID string, items []*model.Item) error {
	if b.cache == nil || b.cfg.Cache.Strategy == config.CacheStrategyWriteThrough {
		if err := b.writeItemsToStore(ctx, queueID, items); err != nil {
			return err
		}
		if b.cache != nil {
			b.cache.PopulateItems(queueID, items)
		}
		return b.syncItemCount(ctx, queueID, items)
	}
	b.cache.PutItems(queueID, items)
	return b.syncItemCount(ctx, queueID, items)
}

func (b *Broker) writeItemsToStore(ctx context.Context, queueID string, items []*model.Item) error {
	key := store.ItemsKey(queueID)
	members := make([]interface{}, len(items))
	for i, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return qmerrors.New(qmerrors.KindStorage, "saveQueueItems", err).WithQueue(queueID)
		}
		members[i] = raw
	}
	return b.execute(ctx, "saveQueueItems", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Del(ctx, key)
		if len(members) > 0 {
			pipe.RPush(ctx, key, members...)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// syncItemCount recomputes a queue's cached itemCount from the item
// mirror just written (spec §4.2 cache-consistency contract: "cached
// itemCount is recomputed from cached items when items are cached;
// otherwise from LLEN").
func (b *Broker) syncItemCount(ctx context.Context, queueID string, items []*model.Item) error {
	q, err := b.loadQueue(ctx, queueID)
	if err != nil {
		return err
	}
	q.ItemCount = int64(len(items))
	q.UpdatedAt = time.Now().UTC()
	return b.saveQueue(ctx, queueID, q)
}

func encodeQueueHash(q *model.Queue) (map[string]interface{}, error) {
	cfgJSON, err := json.Marshal(q.Config)
	if err != nil {
		return nil, qmerrors.New(qmerrors.KindStorage, "saveQueue", err).WithQueue(q.ID)
	}
	return map[string]interface{}{
		"id":        q.ID,
		"name":      q.Name,
		"createdAt": q.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": q.UpdatedAt.Format(time.RFC3339Nano),
		"itemCount": fmt.Sprintf("%d", q.ItemCount),
		"version":   fmt.Sprintf("%d", q.Version),
		"config":    string(cfgJSON),
	}, nil
}

func decodeQueueHash(fields map[string]string) (*model.Queue, error) {
	q := &model.Queue{
		ID:   fields["id"],
		Name: fields["name"],
	}
	if v, ok := fields["createdAt"]; ok {
		q.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["updatedAt"]; ok {
		q.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["itemCount"]; ok {
		fmt.Sscanf(v, "%d", &q.ItemCount)
	}
	if v, ok := fields["version"]; ok {
		fmt.Sscanf(v, "%d", &q.Version)
	}
	if v, ok := fields["config"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &q.Config); err != nil {
			return nil, qmerrors.New(qmerrors.KindStorage, "getQueue", err).WithQueue(q.ID)
		}
	}
	return q, nil
}
