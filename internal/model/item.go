package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the lifecycle state of an item within a queue.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusWaiting    ItemStatus = "waiting"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusTimedOut   ItemStatus = "timed_out"
	StatusCancelled  ItemStatus = "cancelled"
	StatusRetry      ItemStatus = "retry"
	StatusCorrupted  ItemStatus = "corrupted"
)

// DependencyStatus tracks the completion state of one predecessor.
type DependencyStatus struct {
	Satisfied   bool       `json:"satisfied"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Failed      bool       `json:"failed"`
}

// Item is the job payload envelope stored inside a queue (spec §3).
type Item struct {
	ID               string                      `json:"id"`
	Data             json.RawMessage             `json:"data"`
	AddedAt          time.Time                   `json:"addedAt"`
	UpdatedAt        *time.Time                  `json:"updatedAt,omitempty"`
	Status           ItemStatus                  `json:"status"`
	Priority         int                         `json:"priority"`
	PriorityWeight   int                         `json:"priorityWeight"`
	RetryCount       int                         `json:"retryCount"`
	Timeout          int64                       `json:"timeout,omitempty"`
	TimeoutAt        *time.Time                  `json:"timeoutAt,omitempty"`
	Dependencies     []string                    `json:"dependencies,omitempty"`
	DependencyStatus map[string]DependencyStatus `json:"dependencyStatus,omitempty"`
	Metadata         map[string]interface{}      `json:"metadata,omitempty"`

	// Delayed requeue bookkeeping (spec §4.4 requeueItem delay option).
	Delayed     bool       `json:"delayed,omitempty"`
	DelayUntil  *time.Time `json:"delayUntil,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`
}

// RequeuePosition selects where requeueItem re-inserts an item (spec §4.4).
type RequeuePosition string

const (
	RequeueHead  RequeuePosition = "head"
	RequeueTail  RequeuePosition = "tail"
	RequeueIndex RequeuePosition = "index"
)

// RequeueOptions controls requeueItem's remove-then-reinsert behavior
// (spec §4.4: position/delay/updateStatus/newStatus/retryCount/
// resetTimestamp). The zero value reinserts at head with status reset
// to pending, matching the broker's historical default.
type RequeueOptions struct {
	Position       RequeuePosition
	Index          int
	Delay          time.Duration
	UpdateStatus   bool
	NewStatus      ItemStatus
	RetryCount     *int
	ResetTimestamp bool
}

// AddOptions carries the fields addToQueue accepts beyond the raw
// payload (spec §4.5 step 2: itemId/priority/timeout/dependencies/
// metadata), used directly by plain adds and by scheduled-job
// promotion, which must preserve them across the hand-off.
type AddOptions struct {
	ItemID       string
	Priority     int
	Weight       int
	Timeout      int64
	Dependencies []string
	Metadata     map[string]interface{}
}

// NewItem constructs an item in pending status with broker-assigned id
// and addedAt if the caller omitted them.
func NewItem(id string, data json.RawMessage) *Item {
	if id == "" {
		id = uuid.New().String()
	}
	return &Item{
		ID:             id,
		Data:           data,
		AddedAt:        time.Now().UTC(),
		Status:         StatusPending,
		Priority:       0,
		PriorityWeight: 1,
	}
}

// Clone returns a deep-enough copy safe to hand back to callers, matching
// spec's "read operations return deep copies" requirement.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Data != nil {
		cp.Data = append(json.RawMessage(nil), it.Data...)
	}
	if it.Dependencies != nil {
		cp.Dependencies = append([]string(nil), it.Dependencies...)
	}
	if it.DependencyStatus != nil {
		cp.DependencyStatus = make(map[string]DependencyStatus, len(it.DependencyStatus))
		for k, v := range it.DependencyStatus {
			cp.DependencyStatus[k] = v
		}
	}
	if it.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(it.Metadata))
		for k, v := range it.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// PriorityScore implements the scoring rule from spec §3/§4.5:
// priority*1e6 + weight*1e3 + (now-addedAt)/1e6, evaluated against
// addedAt rather than insertion-time now (the spec pins this to avoid
// inverting the tiebreaker, see Open Questions).
func (it *Item) PriorityScore(now time.Time) float64 {
	age := now.Sub(it.AddedAt).Milliseconds()
	return float64(it.Priority)*1_000_000 + float64(it.PriorityWeight)*1_000 + float64(age)/1_000_000
}

// AllDependenciesSatisfied reports whether every predecessor is marked
// satisfied in DependencyStatus.
func (it *Item) AllDependenciesSatisfied() bool {
	if len(it.Dependencies) == 0 {
		return true
	}
	for _, dep := range it.Dependencies {
		st, ok := it.DependencyStatus[dep]
		if !ok || !st.Satisfied {
			return false
		}
	}
	return true
}

// AnyDependencyFailed reports whether a predecessor has been marked failed.
func (it *Item) AnyDependencyFailed() bool {
	for _, st := range it.DependencyStatus {
		if st.Failed {
			return true
		}
	}
	return false
}
