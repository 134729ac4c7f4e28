// Package audit implements the append-only audit trail (spec §4.5 C9):
// per-queue configuration, level/event-type gated logging, and the
// index-backed query/export/cleanup operations.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// ringBufferCap bounds the in-memory recent-records buffer kept per
// queue for fast reads without a round-trip to Redis (spec §5 bound:
// audit log memory cap ≤ 10000 entries).
const ringBufferCap = 10_000

// LogOptions are the per-call overrides accepted by LogEvent (spec §4.5).
type LogOptions struct {
	Level         model.AuditLevel
	CustomFields  map[string]interface{}
}

// Stats summarizes a queue's audit log.
type Stats struct {
	Total       int64
	ByLevel     map[model.AuditLevel]int64
	ByEventType map[string]int64
	OldestAt    *time.Time
	NewestAt    *time.Time
}

// Manager implements the audit trail for all queues sharing one store.
type Manager struct {
	st  *store.Store
	bus *events.Bus
	log logger.Logger

	mu      sync.RWMutex
	configs map[string]model.AuditConfig
	ring    map[string][]model.AuditRecord
}

func New(st *store.Store, bus *events.Bus, log logger.Logger) *Manager {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Manager{
		st:      st,
		bus:     bus,
		log:     log.WithComponent(logger.ComponentAudit),
		configs: make(map[string]model.AuditConfig),
		ring:    make(map[string][]model.AuditRecord),
	}
}

// Configure installs the audit configuration for a queue.
func (m *Manager) Configure(ctx context.Context, queueID string, cfg model.AuditConfig) error {
	m.mu.Lock()
	m.configs[queueID] = cfg
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.AuditConfigured, queueID, map[string]interface{}{"enabled": cfg.Enabled})
	}
	return nil
}

// Disable turns off audit logging for a queue without forgetting retention
// settings (spec: `disableRateLimit writes enabled=false` — mirrored here
// for audit's equivalent `disableAuditTrail`).
func (m *Manager) Disable(ctx context.Context, queueID string) error {
	m.mu.Lock()
	cfg := m.configs[queueID]
	cfg.Enabled = false
	m.configs[queueID] = cfg
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.AuditDisabled, queueID, nil)
	}
	return nil
}

func (m *Manager) configFor(queueID string) (model.AuditConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[queueID]
	return cfg, ok
}

// LogEvent persists an audit record when enabled, the event type is
// configured for logging, and the level meets the configured floor
// (spec §4.5).
func (m *Manager) LogEvent(ctx context.Context, queueID, eventType string, data map[string]interface{}, opts LogOptions) error {
	cfg, ok := m.configFor(queueID)
	if !ok || !cfg.Enabled {
		return nil
	}
	if !containsEvent(cfg.LogEvents, eventType) {
		return nil
	}
	level := opts.Level
	if level == "" {
		level = model.AuditLevelInfo
	}
	if !level.AtLeast(cfg.LogLevel) {
		return nil
	}

	record := model.AuditRecord{
		ID:        uuid.New().String(),
		QueueID:   queueID,
		EventType: eventType,
		Level:     level,
		Timestamp: time.Now().UTC(),
	}
	if cfg.IncludeData && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return qmerrors.New(qmerrors.KindValidation, "logAuditEvent", err).WithQueue(queueID)
		}
		record.Data = raw
	}
	if cfg.IncludeMetadata && opts.CustomFields != nil {
		record.Metadata = opts.CustomFields
	}

	if m.st != nil {
		if err := m.persist(ctx, queueID, record, cfg.RetentionDays); err != nil {
			return err
		}
	}
	m.appendRing(queueID, record)

	if m.bus != nil {
		m.bus.Emit(events.AuditLogged, queueID, map[string]interface{}{"auditId": record.ID, "eventType": eventType})
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, queueID string, record model.AuditRecord, retentionDays int) error {
	logKey := store.AuditLogKey(queueID, record.ID)
	indexKey := store.AuditIndexKey(queueID)

	fields := map[string]interface{}{
		"id":        record.ID,
		"queueId":   record.QueueID,
		"eventType": record.EventType,
		"level":     string(record.Level),
		"timestamp": record.Timestamp.Format(time.RFC3339Nano),
	}
	if record.Data != nil {
		fields["data"] = string(record.Data)
	}
	if record.Metadata != nil {
		raw, _ := json.Marshal(record.Metadata)
		fields["metadata"] = string(raw)
	}

	ttl := time.Duration(retentionDays) * 24 * time.Hour
	if retentionDays <= 0 {
		ttl = 0
	}

	return m.st.Execute(ctx, "logAuditEvent", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		pipe.HSet(ctx, logKey, fields)
		if ttl > 0 {
			pipe.PExpire(ctx, logKey, ttl)
		}
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(record.Timestamp.UnixMilli()), Member: record.ID})
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (m *Manager) appendRing(queueID string, record model.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.ring[queueID], record)
	if len(buf) > ringBufferCap {
		buf = buf[len(buf)-ringBufferCap:]
	}
	m.ring[queueID] = buf
}

// GetLogs returns up to limit records for queueID newest-first, reading
// through the index (or the in-memory ring if the store is unset, e.g.
// in embedded/test usage).
func (m *Manager) GetLogs(ctx context.Context, queueID string, limit int64) ([]model.AuditRecord, error) {
	if m.st == nil {
		return m.ringSnapshot(queueID, limit), nil
	}

	indexKey := store.AuditIndexKey(queueID)
	var ids []string
	err := m.st.Execute(ctx, "getAuditLogs", func(ctx context.Context, c *redis.Client) error {
		var zerr error
		ids, zerr = c.ZRevRange(ctx, indexKey, 0, limit-1).Result()
		return zerr
	})
	if err != nil {
		return nil, err
	}
	return m.fetchRecords(ctx, queueID, ids)
}

func (m *Manager) fetchRecords(ctx context.Context, queueID string, ids []string) ([]model.AuditRecord, error) {
	records := make([]model.AuditRecord, 0, len(ids))
	for _, id := range ids {
		key := store.AuditLogKey(queueID, id)
		var fields map[string]string
		err := m.st.Execute(ctx, "getAuditLog", func(ctx context.Context, c *redis.Client) error {
			var herr error
			fields, herr = c.HGetAll(ctx, key).Result()
			return herr
		})
		if err != nil || len(fields) == 0 {
			continue
		}
		records = append(records, recordFromFields(fields))
	}
	return records, nil
}

func recordFromFields(fields map[string]string) model.AuditRecord {
	ts, _ := time.Parse(time.RFC3339Nano, fields["timestamp"])
	r := model.AuditRecord{
		ID:        fields["id"],
		QueueID:   fields["queueId"],
		EventType: fields["eventType"],
		Level:     model.AuditLevel(fields["level"]),
		Timestamp: ts,
	}
	if d, ok := fields["data"]; ok {
		r.Data = json.RawMessage(d)
	}
	if mdata, ok := fields["metadata"]; ok {
		var md map[string]interface{}
		if json.Unmarshal([]byte(mdata), &md) == nil {
			r.Metadata = md
		}
	}
	return r
}

func (m *Manager) ringSnapshot(queueID string, limit int64) []model.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := m.ring[queueID]
	out := make([]model.AuditRecord, len(buf))
	copy(out, buf)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

// SearchFilter narrows GetLogs results by eventType and/or level.
type SearchFilter struct {
	EventType string
	Level     model.AuditLevel
	Since     time.Time
	Until     time.Time
}

// Search applies filter over the most recent records (bounded by the
// ring buffer cap when reading without a backing store).
func (m *Manager) Search(ctx context.Context, queueID string, filter SearchFilter, limit int64) ([]model.AuditRecord, error) {
	all, err := m.GetLogs(ctx, queueID, ringBufferCap)
	if err != nil {
		return nil, err
	}
	var out []model.AuditRecord
	for _, r := range all {
		if filter.EventType != "" && r.EventType != filter.EventType {
			continue
		}
		if filter.Level != "" && !r.Level.AtLeast(filter.Level) {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, r)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// GetStats aggregates counts by event type and level.
func (m *Manager) GetStats(ctx context.Context, queueID string) (Stats, error) {
	records, err := m.GetLogs(ctx, queueID, ringBufferCap)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByLevel: make(map[model.AuditLevel]int64), ByEventType: make(map[string]int64)}
	for _, r := range records {
		stats.Total++
		stats.ByLevel[r.Level]++
		stats.ByEventType[r.EventType]++
		if stats.OldestAt == nil || r.Timestamp.Before(*stats.OldestAt) {
			ts := r.Timestamp
			stats.OldestAt = &ts
		}
		if stats.NewestAt == nil || r.Timestamp.After(*stats.NewestAt) {
			ts := r.Timestamp
			stats.NewestAt = &ts
		}
	}
	return stats, nil
}

// ExportFormat selects the export encoding for ExportLogs.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// ExportLogs serializes a queue's audit records as JSON or CSV.
func (m *Manager) ExportLogs(ctx context.Context, queueID string, format ExportFormat) ([]byte, error) {
	records, err := m.GetLogs(ctx, queueID, ringBufferCap)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportCSV:
		var sb strings.Builder
		w := csv.NewWriter(&sb)
		_ = w.Write([]string{"id", "queueId", "eventType", "level", "timestamp", "data"})
		for _, r := range records {
			_ = w.Write([]string{r.ID, r.QueueID, r.EventType, string(r.Level), r.Timestamp.Format(time.RFC3339Nano), string(r.Data)})
		}
		w.Flush()
		return []byte(sb.String()), w.Error()
	default:
		return json.Marshal(records)
	}
}

// Cleanup removes index entries and log hashes older than olderThan,
// returning the count removed.
func (m *Manager) Cleanup(ctx context.Context, queueID string, olderThan time.Time) (int64, error) {
	if m.st == nil {
		return 0, nil
	}
	indexKey := store.AuditIndexKey(queueID)
	cutoff := strconv.FormatInt(olderThan.UnixMilli(), 10)

	var ids []string
	err := m.st.Execute(ctx, "cleanupAuditLogs", func(ctx context.Context, c *redis.Client) error {
		var zerr error
		ids, zerr = c.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		return zerr
	})
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	err = m.st.Execute(ctx, "cleanupAuditLogs", func(ctx context.Context, c *redis.Client) error {
		pipe := c.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, store.AuditLogKey(queueID, id))
		}
		pipe.ZRemRangeByScore(ctx, indexKey, "-inf", cutoff)
		_, perr := pipe.Exec(ctx)
		return perr
	})
	if err != nil {
		return 0, err
	}

	if m.bus != nil {
		m.bus.Emit(events.AuditCleaned, queueID, map[string]interface{}{"removed": len(ids)})
	}
	return int64(len(ids)), nil
}

func containsEvent(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
