package broker

import (
	"context"
	"runtime"
	"time"
)

// RedisHealth reports the storage adapter's connectivity (spec §6).
type RedisHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// CacheHealth reports the hybrid cache's counters, if caching is enabled.
type CacheHealth struct {
	Enabled   bool   `json:"enabled"`
	Strategy  string `json:"strategy,omitempty"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// MemoryHealth reports the process's current heap usage.
type MemoryHealth struct {
	AllocBytes      uint64 `json:"allocBytes"`
	TotalAllocBytes uint64 `json:"totalAllocBytes"`
	SysBytes        uint64 `json:"sysBytes"`
	NumGoroutine    int    `json:"numGoroutine"`
}

// HealthReport is the full health snapshot returned by Health (spec §6).
type HealthReport struct {
	Status         string        `json:"status"`
	ResponseTimeMs int64         `json:"responseTimeMs"`
	Redis          RedisHealth   `json:"redis"`
	Cache          CacheHealth   `json:"cache"`
	Memory         MemoryHealth  `json:"memory"`
	CircuitState   string        `json:"circuitState,omitempty"`
}

// healthPingTimeout bounds the Redis ping issued by Health.
const healthPingTimeout = 2 * time.Second

// Health reports the broker's current status: Redis connectivity, cache
// counters, and process memory (spec §6 `{status,responseTime,redis,
// cache,memory}`).
func (b *Broker) Health(ctx context.Context) HealthReport {
	start := time.Now()

	report := HealthReport{Status: "ok"}
	if b.breaker != nil {
		report.CircuitState = b.breaker.State()
	}

	if err := b.store.Ping(ctx, healthPingTimeout); err != nil {
		report.Redis = RedisHealth{Connected: false, Error: err.Error()}
		report.Status = "degraded"
	} else {
		report.Redis = RedisHealth{Connected: true}
	}

	if b.cache != nil {
		stats := b.cache.Stats()
		report.Cache = CacheHealth{
			Enabled:   true,
			Strategy:  string(b.cache.Strategy()),
			Hits:      stats.Hits,
			Misses:    stats.Misses,
			Evictions: stats.Evictions,
		}
	} else {
		report.Cache = CacheHealth{Enabled: false}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.Memory = MemoryHealth{
		AllocBytes:      mem.Alloc,
		TotalAllocBytes: mem.TotalAlloc,
		SysBytes:        mem.Sys,
		NumGoroutine:    runtime.NumGoroutine(),
	}

	if !b.ready.Load() {
		report.Status = "initializing"
	}
	if b.shuttingDown.Load() {
		report.Status = "shutting_down"
	}

	report.ResponseTimeMs = time.Since(start).Milliseconds()
	return report
}
