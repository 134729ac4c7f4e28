package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// schedulerLockTTL bounds how long one tick's lock is held (adapted from
// the teacher's cron scheduler lock-per-tick pattern).
const schedulerLockTTL = 5 * time.Second

// ScheduleJob defers an item's arrival in queueID until scheduledFor
// (spec §4.5).
func (b *Broker) ScheduleJob(ctx context.Context, queueID string, data json.RawMessage, scheduledFor time.Time, priority int) (*model.ScheduledJob, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	job := &model.ScheduledJob{
		ID:           newID(),
		QueueID:      queueID,
		Data:         data,
		ScheduledFor: scheduledFor.UnixMilli(),
		Priority:     priority,
		Status:       "scheduled",
	}
	if err := b.saveScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	b.bus.Emit(events.JobScheduled, queueID, map[string]interface{}{"jobId": job.ID, "scheduledFor": job.ScheduledFor})
	return job, nil
}

// RescheduleJob moves a scheduled job's fire time forward and bumps its
// rescheduled counter.
func (b *Broker) RescheduleJob(ctx context.Context, jobID string, newTime time.Time) (*model.ScheduledJob, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	job, err := b.loadScheduledJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := b.removeFromScheduledSet(ctx, job.QueueID, jobID); err != nil {
		return nil, err
	}
	job.ScheduledFor = newTime.UnixMilli()
	job.RescheduledCount++
	if err := b.saveScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	b.bus.Emit(events.JobRescheduled, job.QueueID, map[string]interface{}{"jobId": jobID, "scheduledFor": job.ScheduledFor})
	return job, nil
}

// CancelScheduledJob removes a job before it fires.
func (b *Broker) CancelScheduledJob(ctx context.Context, jobID string) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	job, err := b.loadScheduledJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := b.removeFromScheduledSet(ctx, job.QueueID, jobID); err != nil {
		return err
	}
	if err := b.deleteJobRecord(ctx, jobID); err != nil {
		return err
	}
	b.bus.Emit(events.JobCancelled, job.QueueID, map[string]interface{}{"jobId": jobID})
	return nil
}

// GetNextScheduledTime returns the soonest scheduledFor time across every
// pending job in a queue.
func (b *Broker) GetNextScheduledTime(ctx context.Context, queueID string) (*time.Time, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}
	var members []redis.Z
	err := b.store.Execute(ctx, "getNextScheduledTime", func(ctx context.Context, c *redis.Client) error {
		var herr error
		members, herr = c.ZRangeWithScores(ctx, store.ScheduledSetKey(queueID), 0, 0).Result()
		return herr
	})
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	t := time.UnixMilli(int64(members[0].Score)).UTC()
	return &t, nil
}

// schedulerTick promotes every due job across all scheduled queues,
// capped at BatchConfig.MaxSchedulerTick promotions (spec §4.5, §5).
// Grounded on the teacher's cron scheduler lock-per-tick pattern.
func (b *Broker) schedulerTick(ctx context.Context) {
	lock, err := store.AcquireLock(ctx, b.store.Client(), "qm:lock:scheduler_tick", schedulerLockTTL)
	if err != nil || lock == nil {
		return
	}
	defer lock.Release(ctx)

	var queueIDs []string
	err = b.store.Execute(ctx, "listScheduledQueues", func(ctx context.Context, c *redis.Client) error {
		var herr error
		queueIDs, herr = c.SMembers(ctx, store.ScheduledIndexKey()).Result()
		return herr
	})
	if err != nil {
		b.log.Error("scheduler tick failed to list scheduled queues", "error", err)
		return
	}

	processed := 0
	now := time.Now().UnixMilli()
	for _, queueID := range queueIDs {
		if processed >= b.cfg.Batch.MaxSchedulerTick {
			break
		}
		remaining := b.cfg.Batch.MaxSchedulerTick - processed
		n := b.promoteDueJobs(ctx, queueID, now, remaining)
		processed += n
	}
	if processed > 0 {
		b.bus.Emit(events.ScheduledJobsProcessed, "", map[string]interface{}{"count": processed})
	}
}

func (b *Broker) promoteDueJobs(ctx context.Context, queueID string, now int64, limit int) int {
	var ids []string
	err := b.store.Execute(ctx, "fetchDueJobs", func(ctx context.Context, c *redis.Client) error {
		var herr error
		ids, herr = c.ZRangeByScore(ctx, store.ScheduledSetKey(queueID), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: int64(limit),
		}).Result()
		return herr
	})
	if err != nil {
		b.log.Error("failed to fetch due jobs", "queueId", queueID, "error", err)
		return 0
	}

	count := 0
	for _, jobID := range ids {
		job, err := b.loadScheduledJob(ctx, jobID)
		if err != nil {
			b.log.Error("failed to load scheduled job", "jobId", jobID, "error", err)
			continue
		}
		// spec §4.5 step 2: promotion must carry priority/timeout/
		// dependencies/metadata through to the promoted item, plus the
		// scheduledJob/originalScheduleTime provenance markers.
		metadata := map[string]interface{}{
			"scheduledJob":         true,
			"originalScheduleTime": float64(job.ScheduledFor),
		}
		for k, v := range job.Metadata {
			metadata[k] = v
		}
		opts := model.AddOptions{
			Priority:     job.Priority,
			Timeout:      job.Timeout,
			Dependencies: job.Dependencies,
			Metadata:     metadata,
		}
		if _, err := b.AddToQueueWithOptions(ctx, queueID, job.Data, opts, nopHooks()); err != nil {
			b.log.Error("failed to promote scheduled job", "jobId", jobID, "error", err)
			job.Status = "failed"
			_ = b.saveScheduledJobBody(ctx, job)
			continue
		}
		_ = b.removeFromScheduledSet(ctx, queueID, jobID)
		_ = b.deleteJobRecord(ctx, jobID)
		count++
	}
	return count
}

func (b *Broker) saveScheduledJob(ctx context.Context, job *model.ScheduledJob) error {
	if err := b.saveScheduledJobBody(ctx, job); err != nil {
		return err
	}
	return b.store.Execute(ctx, "scheduleJob", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.ZAdd(ctx, store.ScheduledSetKey(job.QueueID), redis.Z{Score: float64(job.ScheduledFor), Member: job.ID})
		pipe.SAdd(ctx, store.ScheduledIndexKey(), job.QueueID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (b *Broker) saveScheduledJobBody(ctx context.Context, job *model.ScheduledJob) error {
	fields, err := encodeScheduledJobHash(job)
	if err != nil {
		return qmerrors.New(qmerrors.KindStorage, "scheduleJob", err).WithQueue(job.QueueID)
	}
	return b.store.Execute(ctx, "scheduleJob", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.Del(ctx, store.JobKey(job.ID))
		pipe.HSet(ctx, store.JobKey(job.ID), fields)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (b *Broker) loadScheduledJob(ctx context.Context, jobID string) (*model.ScheduledJob, error) {
	var fields map[string]string
	err := b.store.Execute(ctx, "getScheduledJob", func(ctx context.Context, c *redis.Client) error {
		var herr error
		fields, herr = c.HGetAll(ctx, store.JobKey(jobID)).Result()
		return herr
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, qmerrors.NotFound("getScheduledJob", "", jobID)
	}
	job, err := decodeScheduledJobHash(fields)
	if err != nil {
		return nil, qmerrors.New(qmerrors.KindStorage, "getScheduledJob", err)
	}
	return job, nil
}

// encodeScheduledJobHash/decodeScheduledJobHash round-trip a scheduled
// job through the hash shape spec §4.1 pins (qm:queue:job:<jobId>),
// rather than a single JSON blob under SET.
func encodeScheduledJobHash(job *model.ScheduledJob) (map[string]interface{}, error) {
	depsJSON, err := json.Marshal(job.Dependencies)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, err
	}
	var retryJSON []byte
	if job.RetryPolicy != nil {
		retryJSON, err = json.Marshal(job.RetryPolicy)
		if err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"id":               job.ID,
		"queueId":          job.QueueID,
		"data":             string(job.Data),
		"scheduledFor":     job.ScheduledFor,
		"priority":         job.Priority,
		"retryPolicy":      string(retryJSON),
		"timeout":          job.Timeout,
		"dependencies":     string(depsJSON),
		"metadata":         string(metaJSON),
		"rescheduledCount": job.RescheduledCount,
		"status":           job.Status,
	}, nil
}

func decodeScheduledJobHash(fields map[string]string) (*model.ScheduledJob, error) {
	job := &model.ScheduledJob{
		ID:      fields["id"],
		QueueID: fields["queueId"],
		Data:    json.RawMessage(fields["data"]),
		Status:  fields["status"],
	}
	if v, ok := fields["scheduledFor"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		job.ScheduledFor = n
	}
	if v, ok := fields["priority"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		job.Priority = n
	}
	if v, ok := fields["timeout"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		job.Timeout = n
	}
	if v, ok := fields["rescheduledCount"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		job.RescheduledCount = n
	}
	if v, ok := fields["retryPolicy"]; ok && v != "" {
		var policy model.RetryPolicy
		if err := json.Unmarshal([]byte(v), &policy); err != nil {
			return nil, err
		}
		job.RetryPolicy = &policy
	}
	if v, ok := fields["dependencies"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &job.Dependencies); err != nil {
			return nil, err
		}
	}
	if v, ok := fields["metadata"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &job.Metadata); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (b *Broker) removeFromScheduledSet(ctx context.Context, queueID, jobID string) error {
	return b.store.Execute(ctx, "removeScheduledJob", func(ctx context.Context, c *redis.Client) error {
		return c.ZRem(ctx, store.ScheduledSetKey(queueID), jobID).Err()
	})
}

func (b *Broker) deleteJobRecord(ctx context.Context, jobID string) error {
	return b.store.Execute(ctx, "deleteScheduledJob", func(ctx context.Context, c *redis.Client) error {
		return c.Del(ctx, store.JobKey(jobID)).Err()
	})
}
