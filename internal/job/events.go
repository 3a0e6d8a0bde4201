package job

import (
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// Event is a domain event buffered on a Job until the owner publishes it.
type Event interface {
	EventName() string
	JobID() ID
	OccurredAt() time.Time
}

const (
	EventJobStarted     = "job.started"
	EventBatchProcessed = "job.batch_processed"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
)

// Meta carries the fields every event has.
type Meta struct {
	Job ID        `json:"jobId"`
	At  time.Time `json:"occurredAt"`
}

func (m Meta) JobID() ID             { return m.Job }
func (m Meta) OccurredAt() time.Time { return m.At }

type JobStarted struct {
	Meta
	Symbols   []market.Symbol  `json:"symbols"`
	TimeRange market.TimeRange `json:"timeRange"`
}

func (JobStarted) EventName() string { return EventJobStarted }

type BatchProcessed struct {
	Meta
	Symbol    market.Symbol `json:"symbol"`
	Bars      int64         `json:"bars"`
	Partition Partition     `json:"partition"`
}

func (BatchProcessed) EventName() string { return EventBatchProcessed }

type JobCompleted struct {
	Meta
	SymbolsProcessed  int   `json:"symbolsProcessed"`
	TotalBars         int64 `json:"totalBars"`
	PartitionsCreated int   `json:"partitionsCreated"`
}

func (JobCompleted) EventName() string { return EventJobCompleted }

type JobFailed struct {
	Meta
	Error            string `json:"error"`
	SymbolsProcessed int    `json:"symbolsProcessed"`
}

func (JobFailed) EventName() string { return EventJobFailed }

type JobCancelled struct {
	Meta
	SymbolsProcessed int `json:"symbolsProcessed"`
}

func (JobCancelled) EventName() string { return EventJobCancelled }
