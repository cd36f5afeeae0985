package store

import (
	"time"
)

// JobStatus is the lifecycle state of a resolution job.
type JobStatus string

const (
	StatusScheduled JobStatus = "SCHEDULED"
	StatusExecuting JobStatus = "EXECUTING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// JobType records how a job entered the queue.
type JobType string

const (
	TypeTimeBased JobType = "TIME_BASED"
	TypeImmediate JobType = "IMMEDIATE"
	TypeRetry     JobType = "RETRY"
)

// Job is the runner-owned record of a scheduled or in-flight resolution
// attempt for one market. Unknown fields are ignored on load so the file
// format can evolve.
type Job struct {
	ID            string    `json:"id"`
	MarketID      string    `json:"market_id"`
	Title         string    `json:"title"`
	ResolveTime   time.Time `json:"resolve_time"`
	Status        JobStatus `json:"status"`
	Type          JobType   `json:"type"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Terminal reports whether the job can never transition again. FAILED is
// terminal only once retries are exhausted.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	default:
		return false
	}
}

// Patch carries a partial job update. Nil fields are left untouched.
type Patch struct {
	Status     *JobStatus
	Type       *JobType
	RetryCount *int
	LastError  *string
}

// Apply copies the set fields onto j and advances UpdatedAt. UpdatedAt is
// strictly non-decreasing even if the wall clock steps backwards.
func (p Patch) Apply(j *Job, now time.Time) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Type != nil {
		j.Type = *p.Type
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		j.LastError = *p.LastError
	}
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	} else {
		j.UpdatedAt = j.UpdatedAt.Add(time.Nanosecond)
	}
}

// StatusPtr, TypePtr, IntPtr and StrPtr build Patch fields inline.
func StatusPtr(s JobStatus) *JobStatus { return &s }
func TypePtr(t JobType) *JobType       { return &t }
func IntPtr(i int) *int                { return &i }
func StrPtr(s string) *string          { return &s }
