package processor

import "time"

// Status is the lifecycle state of a progress row.
type Status string

const (
	// StatusActive processors are polled normally.
	StatusActive Status = "ACTIVE"
	// StatusPaused processors are skipped until resumed.
	StatusPaused Status = "PAUSED"
	// StatusFailed processors exhausted their error budget and are
	// skipped until the error count is reset.
	StatusFailed Status = "FAILED"
)

// ProgressDetails is a management snapshot of one progress row.
type ProgressDetails struct {
	Key          string
	Status       Status
	LastPosition int64
	ErrorCount   int
	LastError    string
	LastErrorAt  *time.Time
	InstanceID   string
	HeartbeatAt  *time.Time
	CreatedAt    time.Time
}
