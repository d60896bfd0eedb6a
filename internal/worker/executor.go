// ============================================================================
// Executor - runs one claimed job end to end
// ============================================================================
//
// Per job:
//  1. previous steps: every parent at the same or a coarser granularity
//     must have a fresh successful answer, else the upstream failure is
//     cached as this step's answer
//  2. skip check: unless forced, a complete successful answer of the
//     current runner version that is not older than its parents ends the
//     job as skipped
//  3. compute
//  4. cache write: the result, the runner's domain error, or a generic
//     UnexpectedError
//  5. children: enqueued only after a successful compute
//  6. FinishJob
//
// Store failures at any point abort the job without finishing it. The job
// stays started and the reaper gives it to another worker later.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/graph"
	"github.com/ChuLiYu/stepcache/internal/queue"
	"github.com/ChuLiYu/stepcache/internal/runner"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

var log = slog.Default()

// Executor is stateless apart from its collaborators and is shared by all
// workers of a pool.
type Executor struct {
	graph    *graph.Graph
	registry *runner.Registry
	jobs     JobSource
	results  ResultStore
	observer Observer
}

// NewExecutor wires an executor. observer may be nil.
func NewExecutor(g *graph.Graph, registry *runner.Registry, jobs JobSource, results ResultStore, observer Observer) *Executor {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Executor{
		graph:    g,
		registry: registry,
		jobs:     jobs,
		results:  results,
		observer: observer,
	}
}

// Process runs a started job. The returned error is only set for store
// failures and cancellation; every runner failure is turned into a cache
// entry and an outcome.
func (e *Executor) Process(ctx context.Context, job *types.Job) (Outcome, error) {
	start := time.Now()
	logger := log.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"dataset", job.Key.Dataset,
		"config", job.Key.Config,
		"split", job.Key.Split,
	)

	outcome, err := e.process(ctx, job, logger)
	if err != nil {
		return "", err
	}
	e.observer.ObserveJob(job.Type, string(outcome), time.Since(start))
	logger.Debug("job processed", "outcome", outcome, "duration", time.Since(start))
	return outcome, nil
}

func (e *Executor) process(ctx context.Context, job *types.Job, logger *slog.Logger) (Outcome, error) {
	step, err := e.graph.GetStepByJobType(job.Type)
	if err != nil {
		// no cache kind to write to
		logger.Error("job type is not part of the processing graph", "error", err)
		return OutcomeUnexpected, e.finish(ctx, job, false)
	}
	key := job.Key.For(step.InputType)
	deps := runner.Dependencies{Cache: e.results, Versions: e.graph}

	jr, err := e.registry.Get(job.Type)
	if err != nil {
		logger.Error("no runner for job type", "error", err)
		return e.fail(ctx, job, step, key, step.Version, runner.NewUnexpectedError(err))
	}

	parents, err := e.previousSteps(ctx, step, key, deps)
	if err != nil {
		if derr, ok := runner.AsError(err); ok {
			return e.fail(ctx, job, step, key, jr.Version(), derr)
		}
		return "", err
	}

	if !job.Force {
		skip, err := e.isUpToDate(ctx, step, key, parents)
		if err != nil {
			return "", err
		}
		if skip {
			if err := e.jobs.SkipJob(ctx, job); err != nil {
				return "", fmt.Errorf("failed to skip job %s: %w", job.ID, err)
			}
			return OutcomeSkipped, nil
		}
	}

	result, err := compute(ctx, jr, *job, deps)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
		}
		derr, ok := runner.AsError(err)
		if !ok {
			logger.Error("unexpected error in job runner", "error", err)
			derr = runner.NewUnexpectedError(err)
		}
		return e.fail(ctx, job, step, key, jr.Version(), derr)
	}

	content, err := json.Marshal(result.Content)
	if err != nil {
		logger.Error("job runner returned content that cannot be serialized", "error", err)
		return e.fail(ctx, job, step, key, jr.Version(), runner.NewUnexpectedError(err))
	}
	err = e.results.Upsert(ctx, cache.UpsertParams{
		Kind:          step.CacheKind,
		Key:           key,
		HTTPStatus:    http.StatusOK,
		Content:       content,
		RunnerVersion: jr.Version(),
		Progress:      result.Progress,
	})
	if err != nil {
		return "", err
	}

	if err := e.enqueueChildren(ctx, job, step, key, jr, content, logger); err != nil {
		return "", err
	}
	return OutcomeSuccess, e.finish(ctx, job, true)
}

// previousSteps resolves the answer of every parent whose key can be
// derived from this job's key. Finer-grained parents (a dataset step
// reading per-config answers) are left to the runner.
func (e *Executor) previousSteps(ctx context.Context, step *graph.ProcessingStep, key types.PartitionKey, deps runner.Dependencies) ([]*types.CacheEntry, error) {
	parents, err := e.graph.GetParents(step.Name)
	if err != nil {
		return nil, err
	}
	var entries []*types.CacheEntry
	for _, parent := range parents {
		if parent.InputType.Depth() > step.InputType.Depth() {
			continue
		}
		best, err := deps.PreviousStep(ctx, []string{parent.CacheKind}, key.For(parent.InputType))
		if err != nil {
			return nil, err
		}
		entries = append(entries, best.Entry)
	}
	return entries, nil
}

// isUpToDate reports whether the cached answer can stand for a new
// computation: successful, complete, from the current runner version and
// written after every parent answer it could have read. A partial answer
// is always recomputed since its missing inputs may have arrived.
func (e *Executor) isUpToDate(ctx context.Context, step *graph.ProcessingStep, key types.PartitionKey, parents []*types.CacheEntry) (bool, error) {
	entry, err := e.results.Get(ctx, step.CacheKind, key)
	if errors.Is(err, cache.ErrDoesNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cache.IsFresh(entry, step.Version) {
		return false, nil
	}
	if entry.Progress != nil && *entry.Progress < 1 {
		return false, nil
	}
	for _, p := range parents {
		if entry.UpdatedAt < p.UpdatedAt {
			return false, nil
		}
	}
	return true, nil
}

// fail caches derr as the step's answer and finishes the job. Only
// UnexpectedError finishes it as an error.
func (e *Executor) fail(ctx context.Context, job *types.Job, step *graph.ProcessingStep, key types.PartitionKey, version int, derr *runner.Error) (Outcome, error) {
	err := e.results.Upsert(ctx, cache.UpsertParams{
		Kind:          step.CacheKind,
		Key:           key,
		HTTPStatus:    derr.StatusCode,
		Content:       derr.Response(),
		ErrorCode:     derr.CacheErrorCode(),
		Details:       derr.Details(),
		RunnerVersion: version,
	})
	if err != nil {
		return "", err
	}

	if derr.Code == runner.CodeUnexpectedError {
		return OutcomeUnexpected, e.finish(ctx, job, false)
	}
	return OutcomeDomainError, e.finish(ctx, job, true)
}

func (e *Executor) finish(ctx context.Context, job *types.Job, success bool) error {
	if err := e.jobs.FinishJob(ctx, job, success); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}
	return nil
}

// enqueueChildren creates the jobs of every child step. A child at the same
// or a coarser granularity gets the projected key; a finer child gets one
// job per config or split reported by the runner's SplitExpander.
func (e *Executor) enqueueChildren(ctx context.Context, job *types.Job, step *graph.ProcessingStep, key types.PartitionKey, jr runner.JobRunner, content []byte, logger *slog.Logger) error {
	children, err := e.graph.GetChildren(step.Name)
	if err != nil {
		return err
	}

	var (
		splits   []types.SplitKey
		expanded bool
		canFan   = true
	)
	for _, child := range children {
		var keys []types.PartitionKey
		if child.InputType.Depth() <= step.InputType.Depth() {
			keys = []types.PartitionKey{key.For(child.InputType)}
		} else {
			if !expanded {
				expanded = true
				splits, canFan = e.expand(job, jr, content, logger)
			}
			if !canFan {
				continue
			}
			keys = childKeys(splits, child.InputType)
		}

		for _, k := range keys {
			_, err := e.jobs.UpsertJob(ctx, queue.UpsertParams{
				JobType:  child.JobType,
				Key:      k,
				Priority: types.PriorityNormal,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue child %s: %w", child.JobType, err)
			}
		}
	}
	return nil
}

func (e *Executor) expand(job *types.Job, jr runner.JobRunner, content []byte, logger *slog.Logger) ([]types.SplitKey, bool) {
	expander, ok := jr.(runner.SplitExpander)
	if !ok {
		logger.Warn("step has finer children but its runner does not report splits")
		return nil, false
	}
	splits, err := expander.NewSplits(*job, content)
	if err != nil {
		logger.Error("failed to get new splits", "error", err)
		return nil, false
	}
	return splits, true
}

// childKeys projects splits onto t, keeping the first occurrence of each key.
func childKeys(splits []types.SplitKey, t types.InputType) []types.PartitionKey {
	seen := make(map[types.PartitionKey]struct{}, len(splits))
	keys := make([]types.PartitionKey, 0, len(splits))
	for _, s := range splits {
		k := types.PartitionKey{Dataset: s.Dataset, Config: s.Config, Split: s.Split}.For(t)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// compute calls the runner, turning a panic into an error.
func compute(ctx context.Context, jr runner.JobRunner, job types.Job, deps runner.Dependencies) (res runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job runner panicked: %v", r)
		}
	}()
	return jr.Compute(ctx, job, deps)
}
