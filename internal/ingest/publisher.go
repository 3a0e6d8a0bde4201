package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
)

// LogPublisher writes every event to a slog logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e job.Event) error {
	p.logger.InfoContext(ctx, "job event",
		"event", e.EventName(),
		"job", e.JobID(),
		"at", e.OccurredAt(),
	)
	return nil
}

func (p *LogPublisher) PublishMany(ctx context.Context, events []job.Event) error {
	for _, e := range events {
		_ = p.Publish(ctx, e)
	}
	return nil
}

// MultiPublisher fans events out to several publishers. A failing publisher
// does not stop the others; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, e job.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) PublishMany(ctx context.Context, events []job.Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, p := range m {
		if err := p.PublishMany(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
