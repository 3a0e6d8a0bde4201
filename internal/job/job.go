package job

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

var (
	ErrValidation        = apperror.New(apperror.BadRequest, "invalid job")
	ErrInvalidTransition = apperror.New(apperror.Conflict, "invalid job state transition")
	ErrUnknownSymbol     = apperror.New(apperror.BadRequest, "symbol is not part of the job")
	ErrAlreadyProcessed  = apperror.New(apperror.Conflict, "symbol already processed")
)

// ID identifies an ingestion job.
type ID string

// NewID returns a random job id.
func NewID() ID { return ID(uuid.NewString()) }

// ParseID validates s as a job id.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed job id %q", ErrValidation, s)
	}
	return ID(u.String()), nil
}

func (id ID) String() string { return string(id) }

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Partition is the receipt of one successful storage write.
type Partition struct {
	Symbol      market.Symbol `json:"symbol"`
	Location    string        `json:"location"`
	RecordCount int64         `json:"recordCount"`
	SizeBytes   int64         `json:"sizeBytes"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// IsZero reports whether p describes no write.
func (p Partition) IsZero() bool { return p.Location == "" }

// Job is an ingestion run over a fixed set of symbols and a time range.
// Fields are exported for persistence and JSON; state changes go through the
// methods so the invariants hold.
type Job struct {
	ID               ID               `json:"id"`
	Config           Config           `json:"config"`
	Symbols          []market.Symbol  `json:"symbols"`
	TimeRange        market.TimeRange `json:"timeRange"`
	State            State            `json:"state"`
	ProcessedSymbols []market.Symbol  `json:"processedSymbols"`
	Partitions       []Partition      `json:"partitions"`
	TotalBars        int64            `json:"totalBars"`
	Error            string           `json:"error,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	FailedAt         *time.Time       `json:"failedAt,omitempty"`
	CancelledAt      *time.Time       `json:"cancelledAt,omitempty"`

	events []Event
}

// New validates the arguments and returns a PENDING job with a fresh id.
func New(symbols []market.Symbol, rng market.TimeRange, cfg Config) (*Job, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ErrValidation)
	}
	seen := make(map[market.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		if s == "" {
			return nil, fmt.Errorf("%w: empty symbol", ErrValidation)
		}
		if norm, err := market.NewSymbol(string(s)); err != nil || norm != s {
			return nil, fmt.Errorf("%w: symbol %q is not normalized", ErrValidation, s)
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrValidation, s)
		}
		seen[s] = struct{}{}
	}

	// Re-check ranges that were built as literals instead of via NewTimeRange.
	if _, err := market.NewTimeRange(rng.Start, rng.End); err != nil {
		return nil, err
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		ID:               NewID(),
		Config:           cfg,
		Symbols:          slices.Clone(symbols),
		TimeRange:        rng,
		State:            StatePending,
		ProcessedSymbols: []market.Symbol{},
		Partitions:       []Partition{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Start moves a PENDING job to IN_PROGRESS.
func (j *Job) Start() error {
	if j.State != StatePending {
		return fmt.Errorf("%w: cannot start job %s in state %s", ErrInvalidTransition, j.ID, j.State)
	}
	now := time.Now().UTC()
	j.State = StateInProgress
	j.StartedAt = &now
	j.UpdatedAt = now
	j.record(JobStarted{
		Meta:      Meta{Job: j.ID, At: now},
		Symbols:   slices.Clone(j.Symbols),
		TimeRange: j.TimeRange,
	})
	return nil
}

// RecordBatch records one stored batch of a symbol that has more batches to
// come. The symbol stays unprocessed.
func (j *Job) RecordBatch(symbol market.Symbol, bars int64, p Partition) error {
	if err := j.checkSymbol(symbol); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.addBatch(symbol, bars, p, now)
	return nil
}

// MarkSymbolProcessed records the last batch of a symbol and marks it
// processed. Completing the last remaining symbol transitions the job to
// COMPLETED.
func (j *Job) MarkSymbolProcessed(symbol market.Symbol, bars int64, p Partition) error {
	if err := j.checkSymbol(symbol); err != nil {
		return err
	}

	now := time.Now().UTC()
	j.ProcessedSymbols = append(j.ProcessedSymbols, symbol)
	j.addBatch(symbol, bars, p, now)

	if len(j.ProcessedSymbols) == len(j.Symbols) {
		j.State = StateCompleted
		j.CompletedAt = &now
		j.record(JobCompleted{
			Meta:              Meta{Job: j.ID, At: now},
			SymbolsProcessed:  len(j.ProcessedSymbols),
			TotalBars:         j.TotalBars,
			PartitionsCreated: len(j.Partitions),
		})
	}
	return nil
}

func (j *Job) checkSymbol(symbol market.Symbol) error {
	if j.State != StateInProgress {
		return fmt.Errorf("%w: cannot record %s while job is %s", ErrInvalidTransition, symbol, j.State)
	}
	if !slices.Contains(j.Symbols, symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if j.IsProcessed(symbol) {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, symbol)
	}
	return nil
}

func (j *Job) addBatch(symbol market.Symbol, bars int64, p Partition, now time.Time) {
	j.TotalBars += bars
	if !p.IsZero() {
		j.Partitions = append(j.Partitions, p)
	}
	j.UpdatedAt = now
	j.record(BatchProcessed{
		Meta:      Meta{Job: j.ID, At: now},
		Symbol:    symbol,
		Bars:      bars,
		Partition: p,
	})
}

// Fail moves a PENDING or IN_PROGRESS job to FAILED.
func (j *Job) Fail(message string) error {
	if j.State != StatePending && j.State != StateInProgress {
		return fmt.Errorf("%w: cannot fail job %s in state %s", ErrInvalidTransition, j.ID, j.State)
	}
	now := time.Now().UTC()
	j.State = StateFailed
	j.Error = message
	j.FailedAt = &now
	j.UpdatedAt = now
	j.record(JobFailed{
		Meta:             Meta{Job: j.ID, At: now},
		Error:            message,
		SymbolsProcessed: len(j.ProcessedSymbols),
	})
	return nil
}

// Cancel moves a PENDING or IN_PROGRESS job to CANCELLED.
func (j *Job) Cancel() error {
	if j.State != StatePending && j.State != StateInProgress {
		return fmt.Errorf("%w: cannot cancel job %s in state %s", ErrInvalidTransition, j.ID, j.State)
	}
	now := time.Now().UTC()
	j.State = StateCancelled
	j.CancelledAt = &now
	j.UpdatedAt = now
	j.record(JobCancelled{
		Meta:             Meta{Job: j.ID, At: now},
		SymbolsProcessed: len(j.ProcessedSymbols),
	})
	return nil
}

// IsProcessed reports whether symbol already finished in this job.
func (j *Job) IsProcessed(symbol market.Symbol) bool {
	return slices.Contains(j.ProcessedSymbols, symbol)
}

// Remaining returns the symbols not yet processed, in job order.
func (j *Job) Remaining() []market.Symbol {
	out := make([]market.Symbol, 0, len(j.Symbols)-len(j.ProcessedSymbols))
	for _, s := range j.Symbols {
		if !j.IsProcessed(s) {
			out = append(out, s)
		}
	}
	return out
}

// ProgressPercentage is the share of processed symbols, 0..100.
func (j *Job) ProgressPercentage() float64 {
	if len(j.Symbols) == 0 {
		return 0
	}
	return float64(len(j.ProcessedSymbols)) / float64(len(j.Symbols)) * 100
}

// Clone returns a copy that shares no slices with j and carries no events.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Symbols = slices.Clone(j.Symbols)
	cp.ProcessedSymbols = slices.Clone(j.ProcessedSymbols)
	cp.Partitions = slices.Clone(j.Partitions)
	cp.events = nil
	return &cp
}

// PullEvents returns the buffered events and clears the buffer.
func (j *Job) PullEvents() []Event {
	events := j.events
	j.events = nil
	return events
}

// PendingEvents returns how many events are waiting to be pulled.
func (j *Job) PendingEvents() int { return len(j.events) }

func (j *Job) record(e Event) { j.events = append(j.events, e) }
