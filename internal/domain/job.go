package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus tracks a queued job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one durable unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt"` // attempts made, including the running one
	MaxAttempts int             `json:"maxAttempts"`
	UniqueKey   string          `json:"uniqueKey,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	LockedUntil time.Time       `json:"lockedUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// LastAttempt reports whether a failure of the running attempt exhausts the job.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// JobStore persists the job queue. Implemented by infra/sqlite.DB.
type JobStore interface {
	// InsertJob stores j. When j.UniqueKey matches a queued or active job the
	// existing ID is returned with inserted=false.
	InsertJob(ctx context.Context, j *Job) (id string, inserted bool, err error)

	// ClaimJob leases the next due job of one of the given types, incrementing
	// its attempt count. Returns nil when nothing is due.
	ClaimJob(ctx context.Context, types []string, now time.Time, lease time.Duration) (*Job, error)

	ExtendLease(ctx context.Context, id string, until time.Time) error
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, lastErr string) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// ReapExpired requeues active jobs whose lease expired before now. Jobs
	// with no attempts left are failed instead and returned.
	ReapExpired(ctx context.Context, now time.Time) (requeued int, exhausted []Job, err error)

	PurgeJobs(ctx context.Context, before time.Time) (int64, error)
	JobCounts(ctx context.Context) (map[JobStatus]int, error)
}
