package ingest

import (
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/job"
)

type Status string

const (
	// StatusCompleted means every remaining symbol was attempted. Failed
	// symbols keep the job IN_PROGRESS so a later run can resume them.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusInterrupted means ctx ended before every symbol was attempted.
	StatusInterrupted Status = "interrupted"
)

// Result summarizes one ExecuteJob call. Counters cover this call only.
type Result struct {
	JobID                 job.ID    `json:"jobId"`
	Status                Status    `json:"status"`
	State                 job.State `json:"state"`
	SymbolsProcessed      int       `json:"symbolsProcessed"`
	SymbolsFailed         int       `json:"symbolsFailed"`
	TotalBars             int64     `json:"totalBars"`
	BarsRejected          int64     `json:"barsRejected"`
	ProcessingTimeSeconds float64   `json:"processingTimeSeconds"`
}

func statusOf(s job.State) Status {
	switch s {
	case job.StateFailed:
		return StatusFailed
	case job.StateCancelled:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

func elapsedSeconds(start, end time.Time) float64 {
	return end.Sub(start).Seconds()
}
