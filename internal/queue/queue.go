// ============================================================================
// Job queue - persistent priority queue with dedup and exclusive claim
// ============================================================================
//
// State machine:
//
//	waiting ──Claim──▶ started ──FinishJob──▶ success | error
//	   ▲                  │ └────SkipJob────▶ skipped
//	   └────ReapStale─────┤
//	                      └─ReapStale (retries exhausted)──▶ cancelled
//
// CancelDatasetJobs moves any waiting or started job of a dataset to
// cancelled.
//
// Rules:
//   - at most one non-forced waiting/started job per (type, dataset, config,
//     split); the unique index on dedup_slot enforces it in the database.
//   - Claim is a conditional UPDATE on status, never read-then-write.
//   - a key with a started job has none of its other jobs claimed.
//   - transitions out of started are no-ops on jobs that already left it.
//
// All state lives in the store, so any number of workers in any number of
// processes may share one Queue database.
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

var log = slog.Default()

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrInvalidJob      = errors.New("invalid job")
	errDedupContention = errors.New("dedup key kept changing")
)

// DefaultMaxRetries is how many times a stale job is put back to waiting
// before the reaper cancels it.
const DefaultMaxRetries = 3

// upsertAttempts bounds the insert/re-select loop of a non-forced upsert.
const upsertAttempts = 5

// noStartedSibling restricts a query on jobs to rows whose dedup key has no
// started job. It is valid both in SELECT and UPDATE on the jobs table.
const noStartedSibling = `NOT EXISTS (SELECT 1 FROM jobs AS s WHERE s.status = ?
	AND s.job_type = jobs.job_type AND s.dataset = jobs.dataset
	AND s.config = jobs.config AND s.split = jobs.split)`

// Queue is safe for concurrent use.
type Queue struct {
	db         *gorm.DB
	clock      clock.Clock
	maxRetries int
	jobTypes   map[string]struct{}
	claimTypes []string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clock = clk }
}

// WithMaxRetries sets the reaper's retry budget. Zero cancels a stale job
// the first time it is reaped.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithJobTypes restricts UpsertJob to the given job types.
func WithJobTypes(jobTypes ...string) Option {
	return func(q *Queue) {
		q.jobTypes = make(map[string]struct{}, len(jobTypes))
		for _, t := range jobTypes {
			q.jobTypes[t] = struct{}{}
		}
	}
}

// WithClaimTypes restricts Claim to the given job types. Jobs of other
// types stay waiting for a process that can run them.
func WithClaimTypes(jobTypes ...string) Option {
	return func(q *Queue) {
		q.claimTypes = append([]string{}, jobTypes...)
	}
}

// New returns a queue on top of an already migrated database.
func New(db *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		clock:      clock.New(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ============================================================================
// Enqueue
// ============================================================================

// UpsertParams describes a job to enqueue.
type UpsertParams struct {
	JobType  string
	Key      types.PartitionKey
	Priority types.Priority // empty means normal
	Force    bool
}

// UpsertJob enqueues a waiting job. Without Force, an existing waiting or
// started job for the same dedup key is returned unchanged instead; this
// makes repeated enqueues from several parents, or from a consistency
// sweep, safe. With Force a new job is always inserted.
func (q *Queue) UpsertJob(ctx context.Context, p UpsertParams) (*types.Job, error) {
	if p.JobType == "" || p.Key.Dataset == "" {
		return nil, fmt.Errorf("%w: job type and dataset are required", ErrInvalidJob)
	}
	if q.jobTypes != nil {
		if _, ok := q.jobTypes[p.JobType]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, p.JobType)
		}
	}
	if p.Priority == "" {
		p.Priority = types.PriorityNormal
	}

	id := uuid.NewString()
	row := &store.JobRow{
		JobID:        id,
		JobType:      p.JobType,
		Dataset:      p.Key.Dataset,
		Config:       p.Key.Config,
		Split:        p.Key.Split,
		DedupSlot:    store.ActiveSlot,
		Status:       string(types.StatusWaiting),
		PriorityRank: p.Priority.Rank(),
		Force:        p.Force,
		CreatedMs:    q.clock.Now().UnixMilli(),
	}

	if p.Force {
		row.DedupSlot = id
		if err := q.db.WithContext(ctx).Create(row).Error; err != nil {
			return nil, fmt.Errorf("failed to insert job %s: %w", p.JobType, err)
		}
		return toJob(row), nil
	}

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		existing, err := q.activeJob(ctx, p.JobType, p.Key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}

		res := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to insert job %s: %w", p.JobType, res.Error)
		}
		if res.RowsAffected == 1 {
			return toJob(row), nil
		}
		// Another writer inserted the active job first; it is visible now
		// unless it has already finished, in which case we insert again.
		row.ID = 0
	}
	return nil, fmt.Errorf("failed to upsert job %s for %s: %w", p.JobType, p.Key.Dataset, errDedupContention)
}

func (q *Queue) activeJob(ctx context.Context, jobType string, key types.PartitionKey) (*types.Job, error) {
	var row store.JobRow
	err := q.db.WithContext(ctx).
		Where("job_type = ? AND dataset = ? AND config = ? AND split = ?", jobType, key.Dataset, key.Config, key.Split).
		Where("status IN ?", activeStatuses()).
		Order("created_ms ASC, id ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active job %s: %w", jobType, err)
	}
	return toJob(&row), nil
}

// ============================================================================
// Claim
// ============================================================================

// Claim starts the next waiting job and returns it, or returns nil when no
// job can be started. Normal priority comes before low, then oldest first.
// Concurrent callers never receive the same job.
func (q *Queue) Claim(ctx context.Context) (*types.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		query := q.db.WithContext(ctx).
			Where("status = ?", types.StatusWaiting).
			Where(noStartedSibling, types.StatusStarted)
		if q.claimTypes != nil {
			query = query.Where("job_type IN ?", q.claimTypes)
		}
		var candidates []store.JobRow
		err := query.
			Order("priority_rank DESC, created_ms ASC, id ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("failed to select a waiting job: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		row := candidates[0]

		now := q.clock.Now().UnixMilli()
		res := q.db.WithContext(ctx).Model(&store.JobRow{}).
			Where("id = ? AND status = ?", row.ID, types.StatusWaiting).
			Where(noStartedSibling, types.StatusStarted).
			Updates(map[string]any{
				"status":     string(types.StatusStarted),
				"started_ms": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", row.JobID, res.Error)
		}
		if res.RowsAffected == 0 {
			// lost the race, look again
			continue
		}

		row.Status = string(types.StatusStarted)
		row.StartedMs = now
		return toJob(&row), nil
	}
}

// ============================================================================
// Finish
// ============================================================================

// FinishJob moves the attempt job was claimed for to success or error.
// job must be the value returned by Claim: its StartedAt pins the attempt,
// so a worker whose job was reaped and claimed again cannot end the new
// attempt. It returns ErrJobNotFound for unknown ids and is a no-op on a
// job that is not in that attempt anymore.
func (q *Queue) FinishJob(ctx context.Context, job *types.Job, success bool) error {
	status := types.StatusError
	if success {
		status = types.StatusSuccess
	}
	return q.finish(ctx, job, status)
}

// SkipJob moves a claimed attempt to skipped, for jobs whose result was
// already up to date in the cache.
func (q *Queue) SkipJob(ctx context.Context, job *types.Job) error {
	return q.finish(ctx, job, types.StatusSkipped)
}

func (q *Queue) finish(ctx context.Context, job *types.Job, status types.JobStatus) error {
	jobID := job.ID
	res := q.db.WithContext(ctx).Model(&store.JobRow{}).
		Where("job_id = ? AND status = ? AND started_ms = ?", jobID, types.StatusStarted, job.StartedAt).
		Updates(map[string]any{
			"status":      string(status),
			"finished_ms": q.clock.Now().UnixMilli(),
			"dedup_slot":  gorm.Expr("job_id"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	log.Debug("finish ignored, attempt is not started anymore", "job_id", jobID,
		"status", current.Status, "started_at", job.StartedAt, "current_started_at", current.StartedAt, "requested", status)
	return nil
}

// ============================================================================
// Reaper
// ============================================================================

// ReapStale resets jobs that have been started for longer than maxDuration.
// Each goes back to waiting with one more retry, or to cancelled once the
// retry budget is spent. It returns the ids it touched. The computation of
// a reaped job is not interrupted; only its bookkeeping is reset.
func (q *Queue) ReapStale(ctx context.Context, maxDuration time.Duration) ([]string, error) {
	now := q.clock.Now()
	cutoff := now.Add(-maxDuration).UnixMilli()

	var rows []store.JobRow
	err := q.db.WithContext(ctx).
		Where("status = ? AND started_ms < ?", types.StatusStarted, cutoff).
		Order("started_ms ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select stale jobs: %w", err)
	}

	var reaped []string
	for _, row := range rows {
		updates := map[string]any{
			"status":     string(types.StatusWaiting),
			"started_ms": int64(0),
			"retries":    row.Retries + 1,
		}
		if row.Retries >= q.maxRetries {
			updates = map[string]any{
				"status":      string(types.StatusCancelled),
				"finished_ms": now.UnixMilli(),
				"dedup_slot":  gorm.Expr("job_id"),
			}
		}

		// started_ms pins the attempt we saw, so a job that finished and
		// was claimed again in between is left alone.
		res := q.db.WithContext(ctx).Model(&store.JobRow{}).
			Where("id = ? AND status = ? AND started_ms = ?", row.ID, types.StatusStarted, row.StartedMs).
			Updates(updates)
		if res.Error != nil {
			return reaped, fmt.Errorf("failed to reap job %s: %w", row.JobID, res.Error)
		}
		if res.RowsAffected == 1 {
			reaped = append(reaped, row.JobID)
		}
	}
	return reaped, nil
}

// ============================================================================
// Queries
// ============================================================================

type statusCount struct {
	Status string
	Total  int64
}

// CountByStatus returns the number of jobs in each status. Every known
// status is present, with zero when no job has it.
func (q *Queue) CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	return q.countByStatus(ctx, "")
}

// CountByStatusForType is CountByStatus restricted to one job type.
func (q *Queue) CountByStatusForType(ctx context.Context, jobType string) (map[types.JobStatus]int64, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: empty job type", ErrInvalidJob)
	}
	return q.countByStatus(ctx, jobType)
}

func (q *Queue) countByStatus(ctx context.Context, jobType string) (map[types.JobStatus]int64, error) {
	query := q.db.WithContext(ctx).Model(&store.JobRow{}).Select("status, count(*) AS total")
	if jobType != "" {
		query = query.Where("job_type = ?", jobType)
	}
	var rows []statusCount
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[types.JobStatus]int64, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[types.JobStatus(r.Status)] = r.Total
	}
	return counts, nil
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var row store.JobRow
	err := q.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return toJob(&row), nil
}

// IsJobInProcess reports whether a waiting or started job exists for the key.
func (q *Queue) IsJobInProcess(ctx context.Context, jobType string, key types.PartitionKey) (bool, error) {
	_, err := q.activeJob(ctx, jobType, key)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CancelDatasetJobs cancels every waiting or started job of a dataset and
// returns how many were cancelled.
func (q *Queue) CancelDatasetJobs(ctx context.Context, dataset string) (int64, error) {
	res := q.db.WithContext(ctx).Model(&store.JobRow{}).
		Where("dataset = ? AND status IN ?", dataset, activeStatuses()).
		Updates(map[string]any{
			"status":      string(types.StatusCancelled),
			"finished_ms": q.clock.Now().UnixMilli(),
			"dedup_slot":  gorm.Expr("job_id"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cancel jobs of %s: %w", dataset, res.Error)
	}
	return res.RowsAffected, nil
}

func activeStatuses() []string {
	return []string{string(types.StatusWaiting), string(types.StatusStarted)}
}

func toJob(row *store.JobRow) *types.Job {
	return &types.Job{
		ID:         row.JobID,
		Type:       row.JobType,
		Key:        types.PartitionKey{Dataset: row.Dataset, Config: row.Config, Split: row.Split},
		Priority:   types.PriorityFromRank(row.PriorityRank),
		Status:     types.JobStatus(row.Status),
		Force:      row.Force,
		Retries:    row.Retries,
		CreatedAt:  row.CreatedMs,
		StartedAt:  row.StartedMs,
		FinishedAt: row.FinishedMs,
	}
}
