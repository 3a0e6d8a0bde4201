package ingest

import (
	"context"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/validate"
)

// Provider fetches bars from a market data source. Implementations return
// market.ErrProviderUnavailable, market.ErrInvalidSymbol or a
// *market.RateLimitedError so the Coordinator can decide whether to retry.
type Provider interface {
	Name() string
	FetchBars(ctx context.Context, symbol market.Symbol, rng market.TimeRange, maxBars int) ([]market.Bar, error)
}

// RequestLimiter is implemented by providers that take a limiter token for
// each outbound request themselves. When LimitsRequests reports true the
// Coordinator does not take one per FetchBars call.
type RequestLimiter interface {
	LimitsRequests() bool
}

type Validator interface {
	Validate(bars []market.Bar) validate.Result
}

// Storage writes one partition per call.
type Storage interface {
	Write(ctx context.Context, symbol market.Symbol, bars []market.Bar, jobID job.ID) (job.Partition, error)
}

type Publisher interface {
	Publish(ctx context.Context, e job.Event) error
	PublishMany(ctx context.Context, events []job.Event) error
}
