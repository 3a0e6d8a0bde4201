// Package checkpoint records how far ingestion got for each symbol so an
// interrupted job can resume without refetching finished data.
package checkpoint

import (
	"context"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// Checkpoint is the last persisted position of one symbol.
type Checkpoint struct {
	Symbol market.Symbol `json:"symbol"`
	// LastProcessedTimestamp is the newest bar written, in Unix nanoseconds.
	LastProcessedTimestamp int64     `json:"lastProcessedTimestamp"`
	RecordsProcessed       int64     `json:"recordsProcessed"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// LastProcessed returns LastProcessedTimestamp as a time.
func (c Checkpoint) LastProcessed() time.Time {
	return time.Unix(0, c.LastProcessedTimestamp).UTC()
}

// Advance returns the checkpoint after writing bars whose newest timestamp is
// last. A nil receiver starts from zero.
func (c *Checkpoint) Advance(symbol market.Symbol, last int64, written int64, now time.Time) Checkpoint {
	next := Checkpoint{Symbol: symbol, UpdatedAt: now.UTC()}
	if c != nil {
		next.LastProcessedTimestamp = c.LastProcessedTimestamp
		next.RecordsProcessed = c.RecordsProcessed
	}
	if last > next.LastProcessedTimestamp {
		next.LastProcessedTimestamp = last
	}
	next.RecordsProcessed += written
	return next
}

// Store persists checkpoints. Get returns (nil, nil) when the symbol has none.
// Save must never move a stored checkpoint backwards.
type Store interface {
	Get(ctx context.Context, symbol market.Symbol) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}
