// ============================================================================
// Worker - claim loop
// ============================================================================
//
// Each Worker is an independent goroutine running:
//
//	for {
//	  job := Claim()
//	  if job == nil: wait (exponential backoff, capped)
//	  else: Executor.Process(job), reset backoff
//	}
//
// Workers share nothing in memory: every decision goes through the queue's
// atomic Claim, so any number of workers in any number of processes can
// run against the same store.
//
// A failed iteration (store unreachable) is logged and followed by a
// backoff wait. The job it was working on, if any, stays started until
// the reaper resets it.
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxPollInterval = 5 * time.Second
)

// Worker runs the claim loop.
type Worker struct {
	id              int
	jobs            JobSource
	exec            *Executor
	pollInterval    time.Duration
	maxPollInterval time.Duration
	onResult        func(Result)
}

func newWorker(id int, jobs JobSource, exec *Executor, cfg Config, onResult func(Result)) *Worker {
	return &Worker{
		id:              id,
		jobs:            jobs,
		exec:            exec,
		pollInterval:    cfg.PollInterval,
		maxPollInterval: cfg.MaxPollInterval,
		onResult:        onResult,
	}
}

// Run loops until ctx is done. A job being processed when ctx is cancelled
// is abandoned to the reaper.
func (w *Worker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.pollInterval
	b.MaxInterval = w.maxPollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("worker iteration failed", "worker", w.id, "error", err)
		}
		if worked && err == nil {
			b.Reset()
			continue
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = w.maxPollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	outcome, err := w.exec.Process(ctx, job)
	if err != nil {
		return true, err
	}
	if w.onResult != nil {
		w.onResult(Result{
			JobID:    job.ID,
			JobType:  job.Type,
			Outcome:  outcome,
			Duration: time.Since(start),
		})
	}
	return true, nil
}
