package model

import "time"

// RetryPolicy governs one executeWithRetry call (spec §3). It is not a
// persisted entity; only RetryRecord is written to Redis.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelayMs       int64
	BackoffMultiplier float64
	MaxDelayMs        int64
	RetryOnTypes      []string // error kinds eligible for retry, default ["error"]
	DeadLetterQueue   *DLQConfig
	RetryCondition    func(err error, attempt int) bool
}

// DefaultRetryPolicy matches the teacher's defaults (3 attempts total,
// doubling backoff) generalized to the broker's backoff formula.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        2,
		BaseDelayMs:       1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        30_000,
		RetryOnTypes:      []string{"error"},
	}
}

// Delay computes min(maxDelay, base*multiplier^(attempt-1)) per spec §4.5.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelayMs)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if p.MaxDelayMs > 0 && int64(d) > p.MaxDelayMs {
		d = float64(p.MaxDelayMs)
	}
	return time.Duration(d) * time.Millisecond
}

// RetryAttempt records one execution attempt within a RetryRecord.
type RetryAttempt struct {
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// RetryRecord is the persisted history of one job's retry lifecycle.
type RetryRecord struct {
	JobID       string         `json:"jobId"`
	QueueID     string         `json:"queueId"`
	Status      string         `json:"status"` // processing|completed|failed|error
	Attempts    []RetryAttempt `json:"attempts"`
	TotalRetries int           `json:"totalRetries"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	FinalError  string         `json:"finalError,omitempty"`
}

// DLQConfig names the dead-letter destination for an exhausted retry policy.
type DLQConfig struct {
	QueueID       string
	MaxSize       int
	RetentionDays int
}

// DeadLetterItem is the envelope pushed into a DLQ (spec §3/§4.5):
// {originalQueueId, originalJobId, failureReason, retryHistory, routedAt,
// status:failed, metadata:{dlq:true}}.
type DeadLetterItem struct {
	Item            *Item                  `json:"item"`
	OriginalQueueID string                 `json:"originalQueueId"`
	OriginalJobID   string                 `json:"originalJobId"`
	FailureReason   string                 `json:"failureReason"`
	RetryHistory    *RetryRecord           `json:"retryHistory,omitempty"`
	RoutedAt        time.Time              `json:"routedAt"`
	Status          string                 `json:"status"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}
