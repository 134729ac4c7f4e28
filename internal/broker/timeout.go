package broker

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// timeoutTrackerSlack is added to a job's own timeout when setting the
// tracker hash's TTL, so the hash outlives the deadline long enough for
// the monitor to observe and report it (spec §4.5: "PEXPIRE=timeout+60000").
const timeoutTrackerSlack = 60 * time.Second

// AddJobWithTimeout adds an item to queueID and creates a parallel
// deadline tracker the timeout monitor polls (spec §4.5).
func (b *Broker) AddJobWithTimeout(ctx context.Context, queueID string, data json.RawMessage, timeout time.Duration, hs hooks.Set) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	it, err := b.AddToQueue(ctx, queueID, data, hs)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	it.Timeout = timeout.Milliseconds()
	t := deadline
	it.TimeoutAt = &t
	if _, err := b.UpdateItem(ctx, queueID, it.ID, func(u *model.Item) {
		u.Timeout = timeout.Milliseconds()
		u.TimeoutAt = &t
	}, nopHooks()); err != nil {
		return nil, err
	}

	if err := b.saveTimeoutTracker(ctx, queueID, it.ID, deadline, "pending", timeout); err != nil {
		return nil, err
	}
	b.bus.Emit(events.JobAddedTimeout, queueID, map[string]interface{}{"itemId": it.ID, "timeoutMs": timeout.Milliseconds()})
	return it, nil
}

// ExecuteJobWithTimeout races process against the job's deadline,
// marking the item timed out if process does not return first.
func (b *Broker) ExecuteJobWithTimeout(ctx context.Context, queueID, itemID string, timeout time.Duration, process func(ctx context.Context) error) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	_ = b.saveTimeoutTracker(ctx, queueID, itemID, time.Now().Add(timeout), "processing", timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &qmerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			}
		}()
		done <- process(execCtx)
	}()

	select {
	case err := <-done:
		_ = b.removeTimeoutTracker(ctx, queueID, itemID)
		return err
	case <-execCtx.Done():
		b.markItemTimedOut(ctx, queueID, itemID)
		return qmerrors.New(qmerrors.KindTimeout, "executeJobWithTimeout", execCtx.Err()).WithQueue(queueID).WithItem(itemID)
	}
}

func (b *Broker) markItemTimedOut(ctx context.Context, queueID, itemID string) {
	if _, err := b.UpdateItem(ctx, queueID, itemID, func(it *model.Item) {
		it.Status = model.StatusTimedOut
	}, nopHooks()); err != nil {
		b.log.Error("failed to mark item timed out", "itemId", itemID, "error", err)
	}
	_ = b.removeTimeoutTracker(ctx, queueID, itemID)
	b.metrics.RecordItemTimedOut(queueID)
	b.bus.Emit(events.JobTimedOut, queueID, map[string]interface{}{"itemId": itemID})
}

// ExtendJobTimeout pushes a tracked job's deadline out, refusing once the
// item has left pending/processing (spec §4.5).
func (b *Broker) ExtendJobTimeout(ctx context.Context, queueID, itemID string, extension time.Duration) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	it, err := b.GetItem(ctx, queueID, itemID)
	if err != nil {
		return err
	}
	if it.Status != model.StatusPending && it.Status != model.StatusProcessing {
		return qmerrors.Validation("extendJobTimeout", "can only extend timeout for pending or processing items").WithQueue(queueID).WithItem(itemID)
	}
	newDeadline := time.Now().Add(extension)
	if it.TimeoutAt != nil {
		newDeadline = it.TimeoutAt.Add(extension)
	}
	if _, err := b.UpdateItem(ctx, queueID, itemID, func(u *model.Item) {
		u.TimeoutAt = &newDeadline
	}, nopHooks()); err != nil {
		return err
	}
	if err := b.saveTimeoutTracker(ctx, queueID, itemID, newDeadline, string(it.Status), extension); err != nil {
		return err
	}
	b.bus.Emit(events.JobTimeoutExtended, queueID, map[string]interface{}{"itemId": itemID, "newDeadline": newDeadline.UnixMilli()})
	return nil
}

// timeoutTick is the background monitor promoting every job whose
// deadline has elapsed to timed_out (spec §4.5).
func (b *Broker) timeoutTick(ctx context.Context) {
	b.CheckTimedOutJobs(ctx)
}

// CheckTimedOutJobs scans every tracked queue for elapsed deadlines.
func (b *Broker) CheckTimedOutJobs(ctx context.Context) {
	var queueIDs []string
	err := b.store.Execute(ctx, "listTimeoutQueues", func(ctx context.Context, c *redis.Client) error {
		var herr error
		queueIDs, herr = c.SMembers(ctx, store.TimeoutIndexKey()).Result()
		return herr
	})
	if err != nil {
		b.log.Error("failed to list timeout-tracked queues", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, queueID := range queueIDs {
		var due []string
		err := b.store.Execute(ctx, "fetchDueTimeouts", func(ctx context.Context, c *redis.Client) error {
			var herr error
			due, herr = c.ZRangeByScore(ctx, store.TimeoutSetKey(queueID), &redis.ZRangeBy{
				Min: "-inf", Max: strconv.FormatInt(now, 10),
			}).Result()
			return herr
		})
		if err != nil {
			b.log.Error("failed to fetch due timeouts", "queueId", queueID, "error", err)
			continue
		}
		for _, itemID := range due {
			b.markItemTimedOut(ctx, queueID, itemID)
		}
	}
}

func (b *Broker) saveTimeoutTracker(ctx context.Context, queueID, itemID string, deadline time.Time, status string, timeout time.Duration) error {
	hashKey := store.TimeoutKey(queueID, itemID)
	setKey := store.TimeoutSetKey(queueID)
	ttl := timeout + timeoutTrackerSlack

	return b.store.Execute(ctx, "trackTimeout", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.HSet(ctx, hashKey, map[string]interface{}{
			"queueId":   queueID,
			"itemId":    itemID,
			"deadline":  deadline.UnixMilli(),
			"status":    status,
		})
		pipe.PExpire(ctx, hashKey, ttl)
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: itemID})
		pipe.SAdd(ctx, store.TimeoutIndexKey(), queueID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (b *Broker) removeTimeoutTracker(ctx context.Context, queueID, itemID string) error {
	return b.store.Execute(ctx, "untrackTimeout", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Del(ctx, store.TimeoutKey(queueID, itemID))
		pipe.ZRem(ctx, store.TimeoutSetKey(queueID), itemID)
		_, err := pipe.Exec(ctx)
		return err
	})
}
