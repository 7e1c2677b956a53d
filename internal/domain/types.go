package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a job in this status will never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of deferred, retryable work. Delivery is at-least-once:
// handlers must tolerate seeing the same logical job more than once.
type Job struct {
	ID            string
	Type          string
	DedupKey      *string
	Params        json.RawMessage
	Status        Status
	RetryCount    int
	MaxRetries    int
	RunAfter      time.Time
	LockedAt      *time.Time
	ErrorMessage  *string
	Result        json.RawMessage
	ResultSummary *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Outcome is what a handler reports back for one invocation.
type Outcome struct {
	Summary string
	Data    json.RawMessage
}

// Stats is a snapshot of queue depth by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Schedule is a recurring enqueue rule: when its cron expression fires,
// a job of Type with Params is enqueued under DedupKey.
type Schedule struct {
	ID         string
	Name       string
	CronExpr   string
	JobType    string
	Params     json.RawMessage
	DedupKey   *string
	MaxRetries int
	Enabled    bool
	LastRun    *time.Time
	NextRun    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UsageRecord is one admitted call attempt, charged pessimistically with an
// estimate and reconciled once the real token cost is known.
type UsageRecord struct {
	ID              string
	CreatedAt       time.Time
	ProcessType     string
	RequestCount    int
	EstimatedTokens int
	ActualTokens    *int
	Model           *string
}
