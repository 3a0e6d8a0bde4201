package job

import (
	"context"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
)

var (
	ErrNotFound = apperror.New(apperror.NotFound, "job not found")

	// ErrConcurrency means the stored version moved since the job was loaded.
	// Reload, re-apply the change and write again.
	ErrConcurrency = apperror.New(apperror.Conflict, "job was modified concurrently")
)

// Repository persists jobs. Update is an optimistic write: it succeeds only if
// the stored version equals j.Version, and bumps j.Version on success.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	Get(ctx context.Context, id ID) (*Job, error)
	List(ctx context.Context, state State) ([]Job, error)
	IDsByState(ctx context.Context, states ...State) ([]ID, error)
}
