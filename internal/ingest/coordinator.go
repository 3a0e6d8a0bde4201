// Package ingest drives ingestion jobs: it fans the remaining symbols of a job
// out to a bounded set of workers, runs each symbol through
// fetch → validate → store → checkpoint, and records progress on the job.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
	"github.com/ahmethakanbesel/market-ingest/internal/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/obs"
	"github.com/ahmethakanbesel/market-ingest/internal/ratelimit"
)

// Bounded reload-and-retry rounds when a job write loses an optimistic lock.
const maxPersistAttempts = 3

var ErrAlreadyRunning = apperror.New(apperror.Conflict, "job is already running")

type Coordinator struct {
	jobs        job.Repository
	checkpoints checkpoint.Store
	provider    Provider
	validator   Validator
	storage     Storage
	selectStore func(target string) (Storage, error)
	publisher   Publisher
	limiter     *ratelimit.Limiter
	perRequest  bool
	logger      *slog.Logger
	metrics     *obs.Metrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	runs map[job.ID]*run
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records symbol outcomes and retries on m.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStorageSelector resolves the storage of each job from its output
// target. Without it every job writes to the storage given to NewCoordinator.
func WithStorageSelector(fn func(target string) (Storage, error)) Option {
	return func(c *Coordinator) { c.selectStore = fn }
}

// NewCoordinator wires the collaborators. A nil publisher logs events.
func NewCoordinator(
	jobs job.Repository,
	checkpoints checkpoint.Store,
	provider Provider,
	validator Validator,
	storage Storage,
	publisher Publisher,
	limiter *ratelimit.Limiter,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		jobs:        jobs,
		checkpoints: checkpoints,
		provider:    provider,
		validator:   validator,
		storage:     storage,
		publisher:   publisher,
		limiter:     limiter,
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       sleepContext,
		runs:        make(map[job.ID]*run),
	}
	for _, o := range opts {
		o(c)
	}
	if c.publisher == nil {
		c.publisher = NewLogPublisher(c.logger)
	}
	if rl, ok := provider.(RequestLimiter); ok {
		c.perRequest = rl.LimitsRequests()
	}
	return c
}

// run is the in-process state of one ExecuteJob call.
type run struct {
	id      job.ID
	cfg     job.Config
	rng     market.TimeRange
	storage Storage

	cancelled   atomic.Bool
	attempted   atomic.Int64
	processed   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64 // stopped by ctx ending mid-symbol
	bars        atomic.Int64
	rejected    atomic.Int64

	mu     sync.Mutex // guards the fields below and serializes job writes
	job    *job.Job
	fatal  error
	halted bool
}

func (r *run) stopped() bool {
	if r.cancelled.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal != nil || r.halted
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) halt() {
	r.mu.Lock()
	r.halted = true
	r.mu.Unlock()
}

func (r *run) snapshot() *job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// Process implements job.Processor.
func (c *Coordinator) Process(ctx context.Context, id job.ID) error {
	_, err := c.ExecuteJob(ctx, id)
	return err
}

// ExecuteJob runs every unprocessed symbol of the job. Symbol failures are
// counted in the Result; an error is returned only when the job itself could
// not be loaded or persisted.
func (c *Coordinator) ExecuteJob(ctx context.Context, id job.ID) (*Result, error) {
	began := c.now()

	j, err := c.jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if j.State.Terminal() {
		c.logger.Info("job already finished", "job", id, "state", j.State)
		return &Result{JobID: id, Status: statusOf(j.State), State: j.State}, nil
	}

	r, err := c.register(j)
	if err != nil {
		return nil, err
	}
	defer c.unregister(id)

	if r.storage, err = c.storageFor(r.cfg.OutputTarget); err != nil {
		c.failBestEffort(ctx, r, err)
		return nil, fmt.Errorf("execute job %s: %w", id, err)
	}

	if j.State == job.StatePending {
		if err := c.persist(ctx, r, (*job.Job).Start); err != nil {
			if errors.Is(err, job.ErrInvalidTransition) {
				if snap := r.snapshot(); snap.State.Terminal() {
					return c.result(r, began), nil
				}
				return nil, fmt.Errorf("start job %s: %w", id, err)
			}
			c.failBestEffort(ctx, r, err)
			return nil, fmt.Errorf("start job %s: %w", id, err)
		}
	}

	remaining := r.snapshot().Remaining()
	c.logger.Info("executing job",
		"job", id,
		"remaining", len(remaining),
		"workers", min(r.cfg.MaxWorkers, len(remaining)),
		"range", r.rng.String(),
	)

	c.schedule(ctx, r, remaining)

	if err := r.fatalErr(); err != nil {
		c.failBestEffort(ctx, r, err)
		return nil, fmt.Errorf("execute job %s: %w", id, err)
	}

	wctx := context.WithoutCancel(ctx)
	finished := r.attempted.Load() - r.interrupted.Load()
	attemptedAll := finished == int64(len(remaining))
	switch {
	case r.cancelled.Load():
		if err := c.persist(wctx, r, (*job.Job).Cancel); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
			return nil, fmt.Errorf("cancel job %s: %w", id, err)
		}
	case ctx.Err() != nil:
		// Shutdown; the job stays IN_PROGRESS for RecoverStaleJobs.
	case attemptedAll && r.processed.Load() == 0 && r.failed.Load() > 0:
		// A symbol that stored some batches before failing counts as progress.
		if snap := r.snapshot(); len(snap.ProcessedSymbols) == 0 && snap.TotalBars == 0 {
			msg := fmt.Sprintf("all %d symbols failed", r.failed.Load())
			err := c.persist(wctx, r, func(j *job.Job) error { return j.Fail(msg) })
			if err != nil && !errors.Is(err, job.ErrInvalidTransition) {
				return nil, fmt.Errorf("fail job %s: %w", id, err)
			}
		}
	}

	res := c.result(r, began)
	if !attemptedAll && ctx.Err() != nil && !res.State.Terminal() {
		res.Status = StatusInterrupted
	}
	c.logger.Info("job run finished",
		"job", id,
		"status", res.Status,
		"state", res.State,
		"processed", res.SymbolsProcessed,
		"failed", res.SymbolsFailed,
		"bars", res.TotalBars,
		"rejected", res.BarsRejected,
		"seconds", res.ProcessingTimeSeconds,
	)
	return res, nil
}

// Cancel stops a job. A job this process is executing stops scheduling new
// symbols and becomes CANCELLED once in-flight symbols finish; any other
// PENDING or IN_PROGRESS job is cancelled immediately.
func (c *Coordinator) Cancel(ctx context.Context, id job.ID) (*job.Job, error) {
	if r := c.active(id); r != nil {
		r.cancelled.Store(true)
		c.logger.Info("cancel requested for running job", "job", id)
		return r.snapshot(), nil
	}

	j, err := c.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		if err := j.Cancel(); err != nil {
			return nil, err
		}
		err := c.jobs.Update(ctx, j)
		if err == nil {
			break
		}
		if !errors.Is(err, job.ErrConcurrency) || attempt == maxPersistAttempts {
			return nil, fmt.Errorf("cancel job %s: %w", id, err)
		}
		if j, err = c.jobs.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	c.publish(ctx, j.PullEvents())
	c.logger.Info("job cancelled", "job", id)
	return j, nil
}

func (c *Coordinator) schedule(ctx context.Context, r *run, symbols []market.Symbol) {
	workers := min(r.cfg.MaxWorkers, len(symbols))
	if workers < 1 {
		return
	}

	// Plain Group: one symbol failing must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(workers)
	for _, sym := range symbols {
		if r.stopped() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if r.stopped() || ctx.Err() != nil {
				return nil
			}
			r.attempted.Add(1)
			c.runSymbol(ctx, r, sym)
			return nil
		})
	}
	_ = g.Wait()
}

// recordError marks a failed job write, as opposed to a failed fetch or store.
type recordError struct{ err error }

func (e *recordError) Error() string { return e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

func (c *Coordinator) runSymbol(ctx context.Context, r *run, sym market.Symbol) {
	log := c.logger.With("job", r.id, "symbol", sym)

	var bars, rejected int64
	commit := func(b batch, last bool) error {
		// The partition and checkpoint are already durable; record them even
		// if ctx ended meanwhile.
		err := c.persist(context.WithoutCancel(ctx), r, func(j *job.Job) error {
			if last {
				return j.MarkSymbolProcessed(sym, b.bars, b.partition)
			}
			return j.RecordBatch(sym, b.bars, b.partition)
		})
		if err != nil {
			return &recordError{err: err}
		}
		bars += b.bars
		rejected += b.rejected
		r.bars.Add(b.bars)
		r.rejected.Add(b.rejected)
		return nil
	}

	err := c.ingestSymbol(ctx, r, sym, commit)
	var rec *recordError
	switch {
	case err == nil:
		r.processed.Add(1)
		c.metrics.SymbolProcessed(int(bars), int(rejected))
		log.Info("symbol processed", "bars", bars, "rejected", rejected)
	case errors.As(err, &rec):
		switch {
		case errors.Is(rec.err, job.ErrAlreadyProcessed):
			log.Warn("symbol was processed by another run")
		case errors.Is(rec.err, job.ErrInvalidTransition):
			r.halt()
			log.Warn("job left in_progress while symbol was running", "error", rec.err)
		default:
			r.setFatal(fmt.Errorf("record %s: %w", sym, rec.err))
			log.Error("persist job", "error", rec.err)
		}
	case ctx.Err() != nil:
		// Not the symbol's fault; it stays remaining for the next run.
		r.interrupted.Add(1)
		log.Warn("symbol interrupted", "bars", bars, "error", err)
	default:
		r.failed.Add(1)
		c.metrics.SymbolFailed()
		log.Error("symbol failed", "bars", bars, "error", err)
	}
}

// persist applies mutate to the run's job and writes it. On an optimistic
// lock conflict the job is reloaded and mutate re-applied. Events produced by
// a successful write are published; those of a failed write are dropped with
// the rolled-back state.
func (c *Coordinator) persist(ctx context.Context, r *run, mutate func(*job.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 1; ; attempt++ {
		prev := *r.job
		if err := mutate(r.job); err != nil {
			return err
		}
		err := c.jobs.Update(ctx, r.job)
		if err == nil {
			c.publish(ctx, r.job.PullEvents())
			return nil
		}
		*r.job = prev
		if !errors.Is(err, job.ErrConcurrency) || attempt == maxPersistAttempts {
			return err
		}

		fresh, gerr := c.jobs.Get(ctx, r.id)
		if gerr != nil {
			return fmt.Errorf("reload job: %w", gerr)
		}
		c.logger.Debug("job changed concurrently, retrying write", "job", r.id, "version", fresh.Version)
		r.job = fresh
	}
}

func (c *Coordinator) failBestEffort(ctx context.Context, r *run, cause error) {
	msg := cause.Error()
	err := c.persist(context.WithoutCancel(ctx), r, func(j *job.Job) error { return j.Fail(msg) })
	if err != nil {
		c.logger.Error("mark job failed", "job", r.id, "cause", cause, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, events []job.Event) {
	if len(events) == 0 {
		return
	}
	if err := c.publisher.PublishMany(ctx, events); err != nil {
		c.logger.Warn("publish job events", "count", len(events), "error", err)
	}
}

func (c *Coordinator) result(r *run, began time.Time) *Result {
	snap := r.snapshot()
	return &Result{
		JobID:                 r.id,
		Status:                statusOf(snap.State),
		State:                 snap.State,
		SymbolsProcessed:      int(r.processed.Load()),
		SymbolsFailed:         int(r.failed.Load()),
		TotalBars:             r.bars.Load(),
		BarsRejected:          r.rejected.Load(),
		ProcessingTimeSeconds: elapsedSeconds(began, c.now()),
	}
}

func (c *Coordinator) storageFor(target string) (Storage, error) {
	if c.selectStore == nil {
		return c.storage, nil
	}
	st, err := c.selectStore(target)
	if err != nil {
		return nil, fmt.Errorf("output target %q: %w", target, err)
	}
	return st, nil
}

func (c *Coordinator) register(j *job.Job) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[j.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, j.ID)
	}
	r := &run{id: j.ID, cfg: j.Config.WithDefaults(), rng: j.TimeRange, job: j}
	c.runs[j.ID] = r
	return r, nil
}

func (c *Coordinator) unregister(id job.ID) {
	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
}

func (c *Coordinator) active(id job.ID) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
