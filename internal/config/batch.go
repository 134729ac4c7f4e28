package config

import (
	"fmt"
	"time"
)

// BatchConfig governs the bulk item operations (bulkAddItems, bulkUpdateItemStatus,
// bulkDeleteItems) described in spec §4.4: items are partitioned into pages
// with a gap between pages. Items within a page are processed one at a
// time, in order, and the first error stops the whole operation.
type BatchConfig struct {
	// PageSize is the number of items processed per page (default 10).
	PageSize int
	// InterPageDelay is the pause between pages (default 10ms).
	InterPageDelay time.Duration
	// MaxBatchPop bounds popBatchFromQueue's n (default 100, hard cap per spec §5).
	MaxBatchPop int
	// MaxSchedulerTick bounds scheduler promotions per tick (default 100 per spec §4.5).
	MaxSchedulerTick int
}

func loadBatchConfig() BatchConfig {
	return BatchConfig{
		PageSize:         getEnvAsInt("QM_BATCH_PAGE_SIZE", 10),
		InterPageDelay:   getEnvAsDuration("QM_BATCH_PAGE_DELAY", 10*time.Millisecond),
		MaxBatchPop:      getEnvAsInt("QM_BATCH_MAX_POP", 100),
		MaxSchedulerTick: getEnvAsInt("QM_BATCH_MAX_SCHEDULER_TICK", 100),
	}
}

// Validate checks the batch configuration bounds.
func (c BatchConfig) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("batch page size must be > 0")
	}
	if c.MaxBatchPop <= 0 || c.MaxBatchPop > 100 {
		return fmt.Errorf("batch max pop must be in (0, 100]")
	}
	if c.MaxSchedulerTick <= 0 {
		return fmt.Errorf("batch max scheduler tick must be > 0")
	}
	return nil
}
