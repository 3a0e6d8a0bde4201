package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// Fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const columns = `id, state, symbols, range_start, range_end, config,
		processed_symbols, partitions, total_bars, error, version,
		created_at, updated_at, started_at, completed_at, failed_at, cancelled_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	row, err := encode(j)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	const query = `INSERT INTO jobs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		string(j.ID), string(j.State), row.symbols, j.TimeRange.Start.UnixNano(), j.TimeRange.End.UnixNano(), row.config,
		row.processed, row.partitions, j.TotalBars, nullString(j.Error),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt), nullTime(j.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	j.Version = 1
	return nil
}

// Update writes j only if the stored version still equals j.Version.
func (r *Repository) Update(ctx context.Context, j *domain.Job) error {
	row, err := encode(j)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	const query = `UPDATE jobs SET state = ?, processed_symbols = ?, partitions = ?,
		total_bars = ?, error = ?, version = version + 1, updated_at = ?,
		started_at = ?, completed_at = ?, failed_at = ?, cancelled_at = ?
		WHERE id = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, query,
		string(j.State), row.processed, row.partitions,
		j.TotalBars, nullString(j.Error), formatTime(j.UpdatedAt),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt), nullTime(j.CancelledAt),
		string(j.ID), j.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, j.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s version %d", domain.ErrConcurrency, j.ID, j.Version)
	}
	j.Version++
	return nil
}

func (r *Repository) Get(ctx context.Context, id domain.ID) (*domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE id = ?`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns the newest 100 jobs, optionally filtered by state.
func (r *Repository) List(ctx context.Context, state domain.State) ([]domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// IDsByState returns ids of jobs in any of states, oldest first.
func (r *Repository) IDsByState(ctx context.Context, states ...domain.State) ([]domain.ID, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
		"SELECT id FROM jobs WHERE state IN (%s) ORDER BY created_at ASC, id ASC",
		strings.Join(placeholders, ", "),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job ids by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []domain.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, domain.ID(id))
	}
	return ids, rows.Err()
}

type encoded struct {
	symbols, config, processed, partitions string
}

func encode(j *domain.Job) (encoded, error) {
	var e encoded
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&e.symbols, j.Symbols},
		{&e.config, j.Config},
		{&e.processed, nonNil(j.ProcessedSymbols)},
		{&e.partitions, nonNilPartitions(j.Partitions)},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return encoded{}, err
		}
		*f.dst = string(b)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                                           domain.Job
		id, state, symbols, config, processed, part string
		start, end                                  int64
		errMsg                                      sql.NullString
		created, updated                            string
		started, completed, failed, cancelled       sql.NullString
	)
	if err := s.Scan(
		&id, &state, &symbols, &start, &end, &config,
		&processed, &part, &j.TotalBars, &errMsg, &j.Version,
		&created, &updated, &started, &completed, &failed, &cancelled,
	); err != nil {
		return nil, err
	}

	j.ID = domain.ID(id)
	j.State = domain.State(state)
	j.TimeRange = market.TimeRange{
		Start: time.Unix(0, start).UTC(),
		End:   time.Unix(0, end).UTC(),
	}
	j.Error = errMsg.String
	for _, f := range []struct {
		src string
		dst any
	}{
		{symbols, &j.Symbols},
		{config, &j.Config},
		{processed, &j.ProcessedSymbols},
		{part, &j.Partitions},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StartedAt = parseNullTime(started)
	j.CompletedAt = parseNullTime(completed)
	j.FailedAt = parseNullTime(failed)
	j.CancelledAt = parseNullTime(cancelled)
	return &j, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []market.Symbol) []market.Symbol {
	if s == nil {
		return []market.Symbol{}
	}
	return s
}

func nonNilPartitions(p []domain.Partition) []domain.Partition {
	if p == nil {
		return []domain.Partition{}
	}
	return p
}
