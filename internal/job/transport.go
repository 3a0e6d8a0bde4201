package job

import (
	"fmt"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

type CreateJobRequest struct {
	Symbols []string  `json:"symbols"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Config  Config    `json:"config"`
}

func (r CreateJobRequest) Validate() *apperror.AppError {
	if len(r.Symbols) == 0 {
		return apperror.New(apperror.BadRequest, "at least one symbol is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return apperror.New(apperror.BadRequest, "start and end are required")
	}
	if !r.Start.Before(r.End) {
		return apperror.New(apperror.BadRequest, "start must be before end")
	}
	return nil
}

// Build turns the request into a new PENDING job.
func (r CreateJobRequest) Build() (*Job, error) {
	symbols, err := market.ParseSymbols(r.Symbols)
	if err != nil {
		return nil, err
	}
	rng, err := market.NewTimeRange(r.Start, r.End)
	if err != nil {
		return nil, err
	}
	return New(symbols, rng, r.Config)
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if _, err := ParseID(r.ID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	State string
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.State != "" && !State(r.State).Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("unknown job state %q", r.State))
	}
	return nil
}
