package bar

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

const batchSize = 500

// Repository stores bars in the bars table. Re-writing a bar that already
// exists for (symbol, ts) is a no-op.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Write inserts bars in batches inside one transaction and returns a
// partition describing the rows that were new.
func (r *Repository) Write(ctx context.Context, symbol market.Symbol, bars []market.Bar, jobID job.ID) (job.Partition, error) {
	if len(bars) == 0 {
		return job.Partition{}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Partition{}, fmt.Errorf("write bars: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i := 0; i < len(bars); i += batchSize {
		batch := bars[i:min(i+batchSize, len(bars))]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*8)
		for j, b := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args, string(symbol), b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, string(jobID))
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			"INSERT OR IGNORE INTO bars (symbol, ts, open, high, low, close, volume, job_id) VALUES %s",
			strings.Join(placeholders, ", "),
		)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return job.Partition{}, fmt.Errorf("write bars: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return job.Partition{}, fmt.Errorf("write bars: commit: %w", err)
	}

	return job.Partition{
		Symbol:      symbol,
		Location:    location(symbol, jobID),
		RecordCount: total,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// List returns stored bars of symbol inside rng, oldest first.
func (r *Repository) List(ctx context.Context, symbol market.Symbol, rng market.TimeRange) ([]market.Bar, error) {
	const query = `SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`

	rows, err := r.db.QueryContext(ctx, query, string(symbol), rng.Start.UnixNano(), rng.End.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bars := []market.Bar{}
	for rows.Next() {
		b := market.Bar{Symbol: symbol}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func location(symbol market.Symbol, jobID job.ID) string {
	q := url.Values{}
	q.Set("symbol", string(symbol))
	q.Set("job", string(jobID))
	return "sqlite://bars?" + q.Encode()
}
