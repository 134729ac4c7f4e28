// Package ratelimit implements the rate limiter and concurrency governor
// (spec §4.5 C7): fixed-window counters per configured window, a
// concurrent-execution gauge, and per-execution stats with a 7-day TTL.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// executionTTL is the retention window for per-execution stat hashes
// (spec §4.5: "TTL 7 days").
const executionTTL = 7 * 24 * time.Hour

// window identifies one of the four fixed-window buckets spec §4.5
// checks in order.
type window struct {
	name   string
	reason string
	size   time.Duration
	max    func(model.RateLimitConfig) *int64
}

var windows = []window{
	{"second", "Per-second rate limit exceeded", time.Second, func(c model.RateLimitConfig) *int64 { return c.MaxPerSecond }},
	{"minute", "Per-minute rate limit exceeded", time.Minute, func(c model.RateLimitConfig) *int64 { return c.MaxPerMinute }},
	{"hour", "Per-hour rate limit exceeded", time.Hour, func(c model.RateLimitConfig) *int64 { return c.MaxPerHour }},
	{"day", "Per-day rate limit exceeded", 24 * time.Hour, func(c model.RateLimitConfig) *int64 { return c.MaxPerDay }},
}

// Governor enforces rate limits and concurrency caps for all queues
// sharing one store.
type Governor struct {
	st  *store.Store
	bus *events.Bus
	log logger.Logger
}

func New(st *store.Store, bus *events.Bus, log logger.Logger) *Governor {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Governor{st: st, bus: bus, log: log.WithComponent(logger.ComponentRateLimit)}
}

// Configure installs a queue's rate-limit configuration, persisted as a
// hash so it survives process restarts.
func (g *Governor) Configure(ctx context.Context, queueID string, cfg model.RateLimitConfig) error {
	key := store.RateLimitConfigKey(queueID)
	err := g.st.Execute(ctx, "configureRateLimit", func(ctx context.Context, c *redis.Client) error {
		return c.HSet(ctx, key, encodeConfig(cfg)).Err()
	})
	if err != nil {
		return err
	}
	if g.bus != nil {
		g.bus.Emit(events.RateLimitConfigured, queueID, map[string]interface{}{"enabled": cfg.Enabled})
	}
	return nil
}

// Disable flips a queue's rate limit config to enabled=false without
// discarding the rest of the configuration.
func (g *Governor) Disable(ctx context.Context, queueID string) error {
	key := store.RateLimitConfigKey(queueID)
	err := g.st.Execute(ctx, "disableRateLimit", func(ctx context.Context, c *redis.Client) error {
		return c.HSet(ctx, key, "enabled", "false").Err()
	})
	if err != nil {
		return err
	}
	if g.bus != nil {
		g.bus.Emit(events.RateLimitDisabled, queueID, nil)
	}
	return nil
}

// Config loads the configuration for a queue.
func (g *Governor) Config(ctx context.Context, queueID string) (model.RateLimitConfig, error) {
	key := store.RateLimitConfigKey(queueID)
	var fields map[string]string
	err := g.st.Execute(ctx, "getRateLimitConfig", func(ctx context.Context, c *redis.Client) error {
		var herr error
		fields, herr = c.HGetAll(ctx, key).Result()
		return herr
	})
	if err != nil {
		return model.RateLimitConfig{}, err
	}
	return decodeConfig(fields), nil
}

// Check evaluates every configured window plus the concurrency cap,
// returning the first denial encountered (spec §4.5 order: second,
// minute, hour, day, then concurrent).
func (g *Governor) Check(ctx context.Context, queueID string, cfg model.RateLimitConfig) (model.RateLimitDecision, error) {
	if !cfg.Enabled {
		return model.RateLimitDecision{Allowed: true}, nil
	}

	countersKey := store.RateCountersKey(queueID)
	now := time.Now()

	for _, w := range windows {
		limit := w.max(cfg)
		if limit == nil {
			continue
		}
		bucketKey := bucketKey(w.name, w.size, now)
		var current int64
		err := g.st.Execute(ctx, "checkRateLimit", func(ctx context.Context, c *redis.Client) error {
			val, herr := c.HGet(ctx, countersKey, bucketKey).Result()
			if herr == redis.Nil {
				current = 0
				return nil
			}
			if herr != nil {
				return herr
			}
			current = parseInt64(val)
			return nil
		})
		if err != nil {
			return model.RateLimitDecision{}, err
		}
		if current >= *limit {
			return model.RateLimitDecision{Allowed: false, Reason: w.reason, Window: w.name, Limit: *limit}, nil
		}
	}

	if cfg.MaxConcurrent != nil {
		var concurrent int64
		err := g.st.Execute(ctx, "checkConcurrency", func(ctx context.Context, c *redis.Client) error {
			val, herr := c.HGet(ctx, countersKey, "concurrent").Result()
			if herr == redis.Nil {
				concurrent = 0
				return nil
			}
			if herr != nil {
				return herr
			}
			concurrent = parseInt64(val)
			return nil
		})
		if err != nil {
			return model.RateLimitDecision{}, err
		}
		if concurrent >= *cfg.MaxConcurrent {
			return model.RateLimitDecision{Allowed: false, Reason: "concurrency limit exceeded", Window: "concurrent", Limit: *cfg.MaxConcurrent}, nil
		}
	}

	return model.RateLimitDecision{Allowed: true}, nil
}

// RecordStart increments every configured window counter and the
// concurrency gauge for the start of one execution.
func (g *Governor) RecordStart(ctx context.Context, queueID string, cfg model.RateLimitConfig) error {
	countersKey := store.RateCountersKey(queueID)
	now := time.Now()

	return g.st.Execute(ctx, "recordRateLimitStart", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		for _, w := range windows {
			if w.max(cfg) == nil {
				continue
			}
			bk := bucketKey(w.name, w.size, now)
			pipe.HIncrBy(ctx, countersKey, bk, 1)
		}
		if cfg.MaxConcurrent != nil {
			pipe.HIncrBy(ctx, countersKey, "concurrent", 1)
		}
		pipe.PExpire(ctx, countersKey, 25*time.Hour)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordEnd decrements the concurrency gauge and writes the execution
// stats hash for one completed job (spec §4.5).
func (g *Governor) RecordEnd(ctx context.Context, queueID, jobID string, cfg model.RateLimitConfig, start, end time.Time) error {
	countersKey := store.RateCountersKey(queueID)
	execKey := store.ExecutionKey(queueID, jobID)

	return g.st.Execute(ctx, "recordRateLimitEnd", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		if cfg.MaxConcurrent != nil {
			pipe.HIncrBy(ctx, countersKey, "concurrent", -1)
		}
		pipe.HSet(ctx, execKey, map[string]interface{}{
			"queueId":    queueID,
			"jobId":      jobID,
			"startedAt":  start.Format(time.RFC3339Nano),
			"endedAt":    end.Format(time.RFC3339Nano),
			"durationMs": end.Sub(start).Milliseconds(),
		})
		pipe.PExpire(ctx, execKey, executionTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ResetOptions selects which counter families ResetCounters clears.
type ResetOptions struct {
	Concurrent bool
	TimeBased  bool
	Executions bool
}

// ResetCounters clears the requested counter families independently
// (spec §4.5).
func (g *Governor) ResetCounters(ctx context.Context, queueID string, opts ResetOptions) error {
	countersKey := store.RateCountersKey(queueID)

	err := g.st.Execute(ctx, "resetRateLimitCounters", func(ctx context.Context, c *redis.Client) error {
		if opts.Concurrent {
			if err := c.HDel(ctx, countersKey, "concurrent").Err(); err != nil {
				return err
			}
		}
		if opts.TimeBased {
			fields, err := c.HKeys(ctx, countersKey).Result()
			if err != nil {
				return err
			}
			for _, f := range fields {
				if f != "concurrent" {
					if err := c.HDel(ctx, countersKey, f).Err(); err != nil {
						return err
					}
				}
			}
		}
		if opts.Executions {
			if err := deleteExecutionKeys(ctx, c, queueID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return qmerrors.ClassifyStorage("resetRateLimitCounters", err)
	}
	if g.bus != nil {
		g.bus.Emit(events.RateLimitCountersReset, queueID, map[string]interface{}{"opts": opts})
	}
	return nil
}

// deleteExecutionKeys clears every per-job execution stats hash for a
// queue (store.ExecutionKey's qm:queue:execution:<queueId>:* family),
// which live outside countersKey and so need their own scan-and-delete
// rather than an HDel (spec §4.5 "may reset ... execution history
// independently").
func deleteExecutionKeys(ctx context.Context, c *redis.Client, queueID string) error {
	pattern := store.ExecutionKey(queueID, "*")
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func bucketKey(name string, size time.Duration, now time.Time) string {
	bucket := now.UnixNano() / int64(size)
	return fmt.Sprintf("%s:%d", name, bucket)
}

func parseInt64(s string) int64 {
	var v int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return v
		}
		v = v*10 + int64(r-'0')
	}
	return v
}

func encodeConfig(cfg model.RateLimitConfig) map[string]interface{} {
	fields := map[string]interface{}{
		"enabled":       fmt.Sprintf("%t", cfg.Enabled),
		"windowSeconds": cfg.WindowSeconds,
	}
	if cfg.MaxPerSecond != nil {
		fields["maxPerSecond"] = *cfg.MaxPerSecond
	}
	if cfg.MaxPerMinute != nil {
		fields["maxPerMinute"] = *cfg.MaxPerMinute
	}
	if cfg.MaxPerHour != nil {
		fields["maxPerHour"] = *cfg.MaxPerHour
	}
	if cfg.MaxPerDay != nil {
		fields["maxPerDay"] = *cfg.MaxPerDay
	}
	if cfg.MaxConcurrent != nil {
		fields["maxConcurrent"] = *cfg.MaxConcurrent
	}
	if cfg.Burst != nil {
		fields["burst"] = *cfg.Burst
	}
	return fields
}

func decodeConfig(fields map[string]string) model.RateLimitConfig {
	cfg := model.RateLimitConfig{Enabled: fields["enabled"] == "true"}
	if v, ok := fields["windowSeconds"]; ok {
		cfg.WindowSeconds = int(parseInt64(v))
	}
	assignPtr(fields, "maxPerSecond", &cfg.MaxPerSecond)
	assignPtr(fields, "maxPerMinute", &cfg.MaxPerMinute)
	assignPtr(fields, "maxPerHour", &cfg.MaxPerHour)
	assignPtr(fields, "maxPerDay", &cfg.MaxPerDay)
	assignPtr(fields, "maxConcurrent", &cfg.MaxConcurrent)
	assignPtr(fields, "burst", &cfg.Burst)
	return cfg
}

func assignPtr(fields map[string]string, key string, dst **int64) {
	v, ok := fields[key]
	if !ok {
		return
	}
	parsed := parseInt64(v)
	*dst = &parsed
}
