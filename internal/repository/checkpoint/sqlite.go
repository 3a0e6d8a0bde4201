package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/ahmethakanbesel/market-ingest/internal/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns (nil, nil) when symbol has no checkpoint.
func (r *Repository) Get(ctx context.Context, symbol market.Symbol) (*domain.Checkpoint, error) {
	const query = `SELECT symbol, last_processed_timestamp, records_processed, updated_at
		FROM checkpoints WHERE symbol = ?`

	var cp domain.Checkpoint
	var sym, updated string
	err := r.db.QueryRowContext(ctx, query, string(symbol)).Scan(
		&sym, &cp.LastProcessedTimestamp, &cp.RecordsProcessed, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Symbol = market.Symbol(sym)
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &cp, nil
}

// Save upserts cp. Stored positions never move backwards: a save with an
// older timestamp or fewer records keeps the stored values.
func (r *Repository) Save(ctx context.Context, cp domain.Checkpoint) error {
	if cp.Symbol == "" {
		return errors.New("save checkpoint: symbol is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	const query = `INSERT INTO checkpoints (symbol, last_processed_timestamp, records_processed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			last_processed_timestamp = MAX(last_processed_timestamp, excluded.last_processed_timestamp),
			records_processed = MAX(records_processed, excluded.records_processed),
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		string(cp.Symbol), cp.LastProcessedTimestamp, cp.RecordsProcessed,
		cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Symbol, err)
	}
	return nil
}
