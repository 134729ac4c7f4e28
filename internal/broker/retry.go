package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// ExecuteWithRetry runs execute up to policy.MaxRetries+1 times, applying
// the backoff formula in model.RetryPolicy.Delay between attempts, and
// routes the item to its dead-letter queue on exhaustion (spec §4.5).
func (b *Broker) ExecuteWithRetry(ctx context.Context, queueID, itemID string, policy *model.RetryPolicy, execute func(ctx context.Context) error) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	if policy == nil {
		policy = model.DefaultRetryPolicy()
	}
	retryOn := policy.RetryOnTypes
	if len(retryOn) == 0 {
		retryOn = []string{"error"}
	}

	record := &model.RetryRecord{JobID: itemID, QueueID: queueID, Status: "processing", StartTime: time.Now().UTC()}

	var lastErr error
	maxAttempts := policy.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		err := execute(ctx)
		duration := time.Since(start)

		att := model.RetryAttempt{Attempt: attempt, Success: err == nil, Duration: duration, Timestamp: time.Now().UTC()}
		if err != nil {
			att.ErrorKind = string(qmerrors.KindOf(err))
		}
		record.Attempts = append(record.Attempts, att)
		record.TotalRetries = attempt - 1
		_ = b.persistRetryRecord(ctx, record)

		if err == nil {
			end := time.Now().UTC()
			record.Status = "completed"
			record.EndTime = &end
			_ = b.persistRetryRecord(ctx, record)
			b.bus.Emit(events.JobRetrySuccess, queueID, map[string]interface{}{"itemId": itemID, "attempt": attempt})
			return nil
		}

		lastErr = err
		if !retryableKind(retryOn, qmerrors.KindOf(err)) || attempt == maxAttempts {
			break
		}
		b.bus.Emit(events.JobRetryAttempt, queueID, map[string]interface{}{"itemId": itemID, "attempt": attempt, "error": err.Error()})

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	end := time.Now().UTC()
	record.Status = "failed"
	record.EndTime = &end
	if lastErr != nil {
		record.FinalError = lastErr.Error()
	}
	_ = b.persistRetryRecord(ctx, record)
	b.bus.Emit(events.JobRetryFailed, queueID, map[string]interface{}{"itemId": itemID, "error": record.FinalError})

	if policy.DeadLetterQueue != nil {
		if dlqErr := b.RouteToDeadLetterQueue(ctx, queueID, itemID, record.FinalError, policy.DeadLetterQueue, record); dlqErr != nil {
			b.log.Error("failed to route item to dead letter queue", "itemId", itemID, "error", dlqErr)
		}
	}
	return lastErr
}

func retryableKind(retryOn []string, kind qmerrors.Kind) bool {
	for _, k := range retryOn {
		if k == string(kind) || k == "error" {
			return true
		}
	}
	return false
}

// RouteToDeadLetterQueue pushes a failed item's envelope into its
// configured dead-letter queue (spec §4.5/§3).
func (b *Broker) RouteToDeadLetterQueue(ctx context.Context, queueID, itemID, failureReason string, dlq *model.DLQConfig, history *model.RetryRecord) error {
	it, err := b.GetItem(ctx, queueID, itemID)
	if err != nil {
		return err
	}
	envelope := model.DeadLetterItem{
		Item:            it,
		OriginalQueueID: queueID,
		OriginalJobID:   itemID,
		FailureReason:   failureReason,
		RetryHistory:    history,
		RoutedAt:        time.Now().UTC(),
		Status:          "failed",
		Metadata:        map[string]interface{}{"dlq": true},
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return qmerrors.New(qmerrors.KindStorage, "routeToDeadLetterQueue", err).WithQueue(queueID).WithItem(itemID)
	}

	if _, err := b.AddToQueue(ctx, dlq.QueueID, raw, nopHooks()); err != nil {
		return err
	}
	if dlq.MaxSize > 0 {
		if err := b.trimQueueToMaxSize(ctx, dlq.QueueID, dlq.MaxSize); err != nil {
			b.log.Error("failed to trim dead letter queue", "queueId", dlq.QueueID, "error", err)
		}
	}
	if err := b.DeleteItemFromQueue(ctx, queueID, itemID); err != nil {
		b.log.Error("failed to remove item from source queue after DLQ routing", "itemId", itemID, "error", err)
	}

	b.bus.Emit(events.JobRoutedDLQ, queueID, map[string]interface{}{"itemId": itemID, "dlqQueueId": dlq.QueueID})
	return nil
}

// trimQueueToMaxSize drops the oldest (tail) items beyond maxSize.
func (b *Broker) trimQueueToMaxSize(ctx context.Context, queueID string, maxSize int) error {
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return err
	}
	if len(items) <= maxSize {
		return nil
	}
	return b.saveItems(ctx, queueID, items[:maxSize])
}

func (b *Broker) persistRetryRecord(ctx context.Context, record *model.RetryRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return qmerrors.New(qmerrors.KindStorage, "persistRetryRecord", err).WithQueue(record.QueueID)
	}
	return b.store.Execute(ctx, "persistRetryRecord", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Set(ctx, store.RetryJobKey(record.JobID), raw, 0)
		pipe.LPush(ctx, store.RetryHistoryKey(record.QueueID), raw)
		pipe.LTrim(ctx, store.RetryHistoryKey(record.QueueID), 0, 999)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetRetryRecord returns the current retry bookkeeping for a job.
func (b *Broker) GetRetryRecord(ctx context.Context, jobID string) (*model.RetryRecord, error) {
	var raw string
	err := b.store.Execute(ctx, "getRetryRecord", func(ctx context.Context, c *redis.Client) error {
		var herr error
		raw, herr = c.Get(ctx, store.RetryJobKey(jobID)).Result()
		return herr
	})
	if err != nil {
		return nil, err
	}
	var record model.RetryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, qmerrors.New(qmerrors.KindStorage, "getRetryRecord", err)
	}
	return &record, nil
}
