// ============================================================================
// Job source and result sink interfaces
// ============================================================================
//
// The worker only sees the queue and the cache through these interfaces.
// *queue.Queue and *cache.Cache satisfy them; tests may wrap them to inject
// store failures.
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/queue"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// JobSource hands out jobs and records how they ended.
type JobSource interface {
	// Claim starts the next job, or returns nil when there is none.
	Claim(ctx context.Context) (*types.Job, error)

	// FinishJob and SkipJob end the attempt job was claimed for. Both are
	// no-ops once that attempt was reaped or cancelled.
	FinishJob(ctx context.Context, job *types.Job, success bool) error
	SkipJob(ctx context.Context, job *types.Job) error

	// UpsertJob enqueues a child job, deduplicated.
	UpsertJob(ctx context.Context, p queue.UpsertParams) (*types.Job, error)
}

// ResultStore reads previous answers and writes new ones.
type ResultStore interface {
	Get(ctx context.Context, kind string, key types.PartitionKey) (*types.CacheEntry, error)
	GetBestResponse(ctx context.Context, kinds []string, key types.PartitionKey) (*cache.BestResponse, error)
	Upsert(ctx context.Context, p cache.UpsertParams) error
}

// Observer is told about every processed job. The metrics collector
// implements it.
type Observer interface {
	ObserveJob(jobType string, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveJob(string, string, time.Duration) {}
