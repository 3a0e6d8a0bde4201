package job

import (
	"context"
	"log/slog"
)

type Service struct {
	repo     Repository
	defaults Config
	notify   func() // optional: wake worker pool
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetNotify sets a callback invoked when a new pending job is created.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

// SetDefaults sets the configuration applied to zero fields of new jobs.
func (s *Service) SetDefaults(cfg Config) { s.defaults = cfg }

// Create validates the request and stores a PENDING job.
func (s *Service) Create(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Config = req.Config.Merge(s.defaults)
	j, err := req.Build()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}
	slog.Info("job created", "job", j.ID, "symbols", len(j.Symbols), "range", j.TimeRange.String())
	if s.notify != nil {
		s.notify()
	}
	return j, nil
}

// RecoverStaleJobs returns jobs left IN_PROGRESS by a previous process so
// they can be resumed.
func (s *Service) RecoverStaleJobs(ctx context.Context) ([]ID, error) {
	ids, err := s.repo.IDsByState(ctx, StateInProgress)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		slog.Info("found interrupted jobs", "count", len(ids))
	}
	return ids, nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, _ := ParseID(req.ID)
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, State(req.State))
}
