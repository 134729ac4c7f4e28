package model

import "encoding/json"

// ScheduledJob is a deferred item gated on wall-clock time (spec §3/§4.5).
type ScheduledJob struct {
	ID               string                 `json:"id"`
	QueueID          string                 `json:"queueId"`
	Data             json.RawMessage        `json:"data"`
	ScheduledFor     int64                  `json:"scheduledFor"` // epoch ms
	Priority         int                    `json:"priority"`
	RetryPolicy      *RetryPolicy           `json:"retryPolicy,omitempty"`
	Timeout          int64                  `json:"timeout,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	RescheduledCount int                    `json:"rescheduledCount"`
	Status           string                 `json:"status,omitempty"`
}
