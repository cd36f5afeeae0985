package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job ID has no persisted record.
var ErrNotFound = errors.New("job not found")

// DefaultRetention is how long terminal jobs are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// JobStore is the durable persistence contract for resolution jobs.
// Implementations serialize concurrent callers internally; no external
// locking is required. Writes are crash-safe: after a crash the store
// holds either the pre-state or the post-state, never a partial write.
type JobStore interface {
	// SaveJob upserts the job by ID.
	SaveJob(ctx context.Context, job *Job) error

	// UpdateJob applies a partial update and advances UpdatedAt.
	// Returns ErrNotFound for unknown IDs.
	UpdateJob(ctx context.Context, id string, patch Patch) (*Job, error)

	// DeleteJob removes the job. Deleting an unknown ID is a no-op.
	DeleteJob(ctx context.Context, id string) error

	// LoadJobs returns all persisted jobs in unspecified order.
	LoadJobs(ctx context.Context) ([]*Job, error)

	// Cleanup removes terminal jobs whose UpdatedAt is older than the
	// retention window and reports how many were removed.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	// Close releases any backend resources.
	Close() error
}
