package broker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/ratelimit"
)

// maintenanceCronParser accepts the same five-field layout the teacher's
// schedule registry uses (minute hour dom month dow), without the
// optional seconds field.
var maintenanceCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maintenanceTick runs once a minute (see maintenanceTickInterval) but only
// performs housekeeping once MaintenanceConfig.CleanupCron is actually due,
// so a misconfigured or absent schedule does not churn Redis every tick.
func (b *Broker) maintenanceTick(ctx context.Context) {
	schedule, err := maintenanceCronParser.Parse(b.cfg.Maintenance.CleanupCron)
	if err != nil {
		b.log.Error("invalid maintenance cron expression", "cron", b.cfg.Maintenance.CleanupCron, "error", err)
		return
	}

	b.mu.Lock()
	last := b.lastMaintenanceRun
	b.mu.Unlock()

	now := time.Now().UTC()
	if !last.IsZero() && schedule.Next(last).After(now) {
		return
	}

	b.runMaintenance(ctx, now)

	b.mu.Lock()
	b.lastMaintenanceRun = now
	b.mu.Unlock()
}

// runMaintenance cleans up stale audit log entries and rate-limit
// counters across every registered queue (spec §4.5 audit retention,
// §4.5 rate limit counter reset).
func (b *Broker) runMaintenance(ctx context.Context, now time.Time) {
	queueIDs, err := b.listQueueIDs(ctx)
	if err != nil {
		b.log.Error("maintenance tick failed to list queues", "error", err)
		return
	}

	auditCutoff := now.Add(-b.cfg.Maintenance.AuditRetention)
	staleCutoff := now.Add(-b.cfg.Maintenance.RateLimitStaleAge)
	cleaned := 0

	for _, queueID := range queueIDs {
		n, err := b.audit.Cleanup(ctx, queueID, auditCutoff)
		if err != nil {
			b.log.Error("audit cleanup failed", "queueId", queueID, "error", err)
		} else {
			cleaned += int(n)
		}

		if cfg, err := b.limiter.Config(ctx, queueID); err == nil && !cfg.Enabled {
			_ = b.limiter.ResetCounters(ctx, queueID, ratelimit.ResetOptions{Concurrent: true, TimeBased: true})
		}
		_ = staleCutoff // staleCutoff bounds future per-window counter eviction once the governor exposes last-activity timestamps
	}

	b.bus.SweepWindows()

	if cleaned > 0 {
		b.bus.Emit(events.AuditCleaned, "", map[string]interface{}{"entriesRemoved": cleaned})
	}
}
