package metrics

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/graph"
	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// JobCounter is the queue side of a collection.
type JobCounter interface {
	CountByStatusForType(ctx context.Context, jobType string) (map[types.JobStatus]int64, error)
}

// ResponseCounter is the cache side of a collection.
type ResponseCounter interface {
	CountByKindStatusErrorCode(ctx context.Context, kind string) ([]cache.KindStatusCount, error)
}

// Snapshot holds the rows written by one collection.
type Snapshot struct {
	Jobs  []store.JobTotalMetricRow
	Cache []store.CacheTotalMetricRow
}

// CollectMetrics counts jobs and cache entries for every step of g and
// stores the totals in the metric tables. Every (job type, status) pair gets
// a row, zero included. A (kind, status, error code) combination that has
// disappeared from the cache keeps its row with a zero total.
func CollectMetrics(ctx context.Context, db *gorm.DB, clk clock.Clock, g *graph.Graph, jobs JobCounter, responses ResponseCounter) (*Snapshot, error) {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now().UnixMilli()
	snap := &Snapshot{}

	for _, step := range g.Steps() {
		counts, err := jobs.CountByStatusForType(ctx, step.JobType)
		if err != nil {
			return nil, err
		}
		for _, status := range types.AllStatuses {
			snap.Jobs = append(snap.Jobs, store.JobTotalMetricRow{
				Queue:     step.JobType,
				Status:    string(status),
				Total:     counts[status],
				UpdatedMs: now,
			})
		}

		rows, err := responses.CountByKindStatusErrorCode(ctx, step.CacheKind)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			snap.Cache = append(snap.Cache, store.CacheTotalMetricRow{
				Kind:       r.Kind,
				HTTPStatus: r.HTTPStatus,
				ErrorCode:  r.ErrorCode,
				Total:      r.Total,
				UpdatedMs:  now,
			})
		}
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(snap.Jobs) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "queue"}, {Name: "status"}},
				DoUpdates: clause.AssignmentColumns([]string{"total", "updated_ms"}),
			}).Create(&snap.Jobs).Error
			if err != nil {
				return fmt.Errorf("failed to store job metrics: %w", err)
			}
		}

		err := tx.Model(&store.CacheTotalMetricRow{}).
			Where("total <> ?", 0).
			Updates(map[string]any{"total": int64(0), "updated_ms": now}).Error
		if err != nil {
			return fmt.Errorf("failed to reset cache metrics: %w", err)
		}
		if len(snap.Cache) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "kind"}, {Name: "http_status"}, {Name: "error_code"}},
				DoUpdates: clause.AssignmentColumns([]string{"total", "updated_ms"}),
			}).Create(&snap.Cache).Error
			if err != nil {
				return fmt.Errorf("failed to store cache metrics: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
