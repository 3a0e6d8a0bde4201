package job

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Processor executes a job until it is terminal or can make no more progress.
type Processor interface {
	Process(ctx context.Context, id ID) error
}

// WorkerPool runs a fixed number of goroutines that claim and process
// PENDING jobs plus jobs handed to Resume. A job is never processed by two
// workers at once. With a resume interval set, IN_PROGRESS jobs that no
// worker holds are queued again on every tick, so symbols that failed in an
// earlier run get retried without a restart.
type WorkerPool struct {
	repo           Repository
	processor      Processor
	workers        int
	notify         chan struct{}
	pollInterval   time.Duration
	resumeInterval time.Duration

	mu       sync.Mutex
	inflight map[ID]struct{}
	resumed  []ID
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(repo Repository, processor Processor, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		repo:         repo,
		processor:    processor,
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		inflight:     make(map[ID]struct{}),
	}
}

// SetResumeInterval sets how often IN_PROGRESS jobs are queued again. Zero
// disables it. Call before Run.
func (wp *WorkerPool) SetResumeInterval(d time.Duration) {
	wp.resumeInterval = d
}

// Notify wakes idle workers to check for pending jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Resume queues jobs that were interrupted mid-run and wakes the workers.
func (wp *WorkerPool) Resume(ids ...ID) {
	wp.mu.Lock()
	for _, id := range ids {
		if !slices.Contains(wp.resumed, id) {
			wp.resumed = append(wp.resumed, id)
		}
	}
	wp.mu.Unlock()
	wp.Notify()
}

// Run starts worker goroutines and blocks until ctx is cancelled and all
// workers have drained.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if wp.resumeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wp.resumeLoop(ctx)
		}()
	}
	for i := range wp.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all available jobs before waiting.
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) resumeLoop(ctx context.Context) {
	ticker := time.NewTicker(wp.resumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := wp.requeueInProgress(ctx); err != nil && ctx.Err() == nil {
			slog.Error("worker: requeue in-progress jobs", "error", err)
		}
	}
}

// requeueInProgress queues every IN_PROGRESS job that no worker holds.
func (wp *WorkerPool) requeueInProgress(ctx context.Context) error {
	ids, err := wp.repo.IDsByState(ctx, StateInProgress)
	if err != nil {
		return err
	}

	wp.mu.Lock()
	idle := ids[:0]
	for _, id := range ids {
		if _, busy := wp.inflight[id]; !busy {
			idle = append(idle, id)
		}
	}
	wp.mu.Unlock()

	if len(idle) == 0 {
		return nil
	}
	slog.Info("worker: requeueing in-progress jobs", "count", len(idle))
	wp.Resume(idle...)
	return nil
}

func (wp *WorkerPool) drain(ctx context.Context, worker int) {
	// Jobs this pass already tried; a job that stays PENDING after a failed
	// attempt waits for the next pass instead of spinning.
	tried := make(map[ID]struct{})

	for {
		if ctx.Err() != nil {
			return
		}

		id, ok, err := wp.claim(ctx, tried)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			slog.Error("worker: claim job", "worker", worker, "error", err)
			return
		}
		if !ok {
			return // nothing left
		}
		tried[id] = struct{}{}

		slog.Info("worker: processing job", "worker", worker, "job", id)
		if err := wp.processor.Process(ctx, id); err != nil {
			slog.Error("worker: process job", "worker", worker, "job", id, "error", err)
		}
		wp.release(id)
	}
}

// claim picks the next resumed or pending job that no worker holds.
func (wp *WorkerPool) claim(ctx context.Context, tried map[ID]struct{}) (ID, bool, error) {
	wp.mu.Lock()
	for len(wp.resumed) > 0 {
		id := wp.resumed[0]
		wp.resumed = wp.resumed[1:]
		if _, busy := wp.inflight[id]; busy {
			continue
		}
		wp.inflight[id] = struct{}{}
		wp.mu.Unlock()
		return id, true, nil
	}
	wp.mu.Unlock()

	ids, err := wp.repo.IDsByState(ctx, StatePending)
	if err != nil {
		return "", false, err
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	for _, id := range ids {
		if _, busy := wp.inflight[id]; busy {
			continue
		}
		if _, done := tried[id]; done {
			continue
		}
		wp.inflight[id] = struct{}{}
		return id, true, nil
	}
	return "", false, nil
}

func (wp *WorkerPool) release(id ID) {
	wp.mu.Lock()
	delete(wp.inflight, id)
	wp.mu.Unlock()
}
