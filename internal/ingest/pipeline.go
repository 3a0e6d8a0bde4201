package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// batch is one stored slice of a symbol's window.
type batch struct {
	bars      int64
	rejected  int64
	partition job.Partition
}

// commitFunc records a stored batch on the job. last is set for the batch that
// finishes the symbol.
type commitFunc func(b batch, last bool) error

// ingestSymbol fetches, validates and stores the bars of one symbol that are
// newer than its checkpoint. The window is fetched in batches of at most
// BatchSize bars; each stored batch advances the checkpoint before commit
// records it, and fetching continues after the newest bar of a full batch.
func (c *Coordinator) ingestSymbol(ctx context.Context, r *run, sym market.Symbol, commit commitFunc) error {
	cp, err := c.checkpoints.Get(ctx, sym)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	window := r.rng
	if cp != nil {
		w, ok := window.After(cp.LastProcessed())
		if !ok {
			c.logger.Debug("checkpoint covers range", "job", r.id, "symbol", sym, "checkpoint", cp.LastProcessed())
			return commit(batch{}, true)
		}
		window = w
	}

	var carried int64
	for {
		fetched, err := c.fetch(ctx, r, sym, window)
		if err != nil {
			return err
		}

		fresh, outside := trim(fetched, r.rng, cp)
		res := c.validator.Validate(fresh)
		b := batch{
			bars:     int64(len(res.Valid)),
			rejected: carried + int64(outside+res.Rejected()),
		}
		for _, issue := range res.Errors {
			c.logger.Debug("bar rejected", "job", r.id, "symbol", sym, "issue", issue.Error())
		}

		if len(res.Valid) > 0 {
			// Once writing starts it runs to the end so storage and checkpoint agree.
			wctx := context.WithoutCancel(ctx)
			p, err := r.storage.Write(wctx, sym, res.Valid, r.id)
			if err != nil {
				return fmt.Errorf("write partition: %w", err)
			}
			next := cp.Advance(sym, market.LastTimestamp(res.Valid), b.bars, c.now())
			if err := c.checkpoints.Save(wctx, next); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			cp = &next
			b.partition = p
		}

		rest, more := nextWindow(window, fetched, r.cfg.BatchSize)
		if !more {
			return commit(b, true)
		}
		if b.partition.IsZero() {
			carried = b.rejected
		} else {
			if err := commit(b, false); err != nil {
				return err
			}
			carried = 0
		}
		c.logger.Debug("batch full, fetching more", "job", r.id, "symbol", sym, "from", rest.Start)
		window = rest
	}
}

// nextWindow returns what is left of window after a batch of fetched bars. A
// batch shorter than batchSize ends the window, and so does a provider that
// returns nothing newer than the window start.
func nextWindow(window market.TimeRange, fetched []market.Bar, batchSize int) (market.TimeRange, bool) {
	if batchSize < 1 || len(fetched) < batchSize {
		return market.TimeRange{}, false
	}
	rest, ok := window.After(time.Unix(0, market.LastTimestamp(fetched)+1).UTC())
	if !ok || !rest.Start.After(window.Start) {
		return market.TimeRange{}, false
	}
	return rest, true
}

// fetch calls the provider under the shared limiter, retrying rate limits and
// transient outages within the job's retry policy. Providers that limit their
// own requests take their tokens from the same limiter.
func (c *Coordinator) fetch(ctx context.Context, r *run, sym market.Symbol, window market.TimeRange) ([]market.Bar, error) {
	policy := r.cfg.Retry
	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if !c.perRequest {
			if err := c.limiter.AcquireContext(ctx, 1); err != nil {
				return nil, fmt.Errorf("acquire rate limit token: %w", err)
			}
		}

		bars, err := c.provider.FetchBars(ctx, sym, window, r.cfg.BatchSize)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		if rl, ok := market.IsRateLimited(err); ok {
			c.logger.Warn("provider rate limited", "symbol", sym, "retry_after", rl.RetryAfter, "attempt", attempt)
			if err := c.limiter.NotifyRetryAfterContext(ctx, rl.RetryAfter); err != nil {
				return nil, fmt.Errorf("wait for retry-after: %w", err)
			}
		} else if errors.Is(err, market.ErrProviderUnavailable) {
			delay := policy.Delay(attempt)
			c.logger.Warn("provider unavailable, backing off", "symbol", sym, "delay", delay, "attempt", attempt, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("backoff: %w", err)
			}
		} else {
			return nil, fmt.Errorf("fetch %s: %w", sym, err)
		}
		c.metrics.FetchRetried()
	}
	return nil, fmt.Errorf("fetch %s: giving up after %d attempts: %w", sym, policy.MaxAttempts, lastErr)
}

// trim drops bars at or before the checkpoint and counts bars outside rng.
func trim(bars []market.Bar, rng market.TimeRange, cp *checkpoint.Checkpoint) ([]market.Bar, int) {
	out := make([]market.Bar, 0, len(bars))
	outside := 0
	for _, b := range bars {
		if cp != nil && b.Timestamp <= cp.LastProcessedTimestamp {
			continue
		}
		if !rng.Contains(b.Time()) {
			outside++
			continue
		}
		out = append(out, b)
	}
	return out, outside
}
