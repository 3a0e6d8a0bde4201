package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is a stored job event.
type Record struct {
	ID         int64           `json:"id"`
	JobID      job.ID          `json:"jobId"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Repository is an append-only job event log.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Publish(ctx context.Context, e job.Event) error {
	return r.PublishMany(ctx, []job.Event{e})
}

// PublishMany appends events in one transaction.
func (r *Repository) PublishMany(ctx context.Context, events []job.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish events: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO job_events (job_id, name, payload, occurred_at) VALUES (?, ?, ?, ?)`
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.EventName(), err)
		}
		if _, err := tx.ExecContext(ctx, query,
			string(e.JobID()), e.EventName(), string(payload), e.OccurredAt().UTC().Format(timeFormat),
		); err != nil {
			return fmt.Errorf("publish %s: %w", e.EventName(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("publish events: commit: %w", err)
	}
	return nil
}

// ListByJob returns the events of a job in the order they were published.
func (r *Repository) ListByJob(ctx context.Context, id job.ID) ([]Record, error) {
	const query = `SELECT id, job_id, name, payload, occurred_at
		FROM job_events WHERE job_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var jobID, payload, occurred string
		if err := rows.Scan(&rec.ID, &jobID, &rec.Name, &payload, &occurred); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.JobID = job.ID(jobID)
		rec.Payload = json.RawMessage(payload)
		rec.OccurredAt, _ = time.Parse(timeFormat, occurred)
		records = append(records, rec)
	}
	return records, rows.Err()
}
