// Package cache stores the result of every processing step, keyed by
// (kind, dataset, config, split).
//
// Writes are last-write-wins. Entries written by an older runner version
// are still returned; callers compare RunnerVersion themselves (see
// types.CacheEntry.IsStale) so they can tell "stale" from "missing".
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

var ErrDoesNotExist = errors.New("cache entry does not exist")

// Cache is safe for concurrent use; all state lives in the database.
type Cache struct {
	db    *gorm.DB
	clock clock.Clock
}

// New returns a cache backed by db. A nil clk means wall time.
func New(db *gorm.DB, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{db: db, clock: clk}
}

// UpsertParams describes one write. Content and Details are marshalled to
// JSON unless they already are raw JSON.
type UpsertParams struct {
	Kind          string
	Key           types.PartitionKey
	HTTPStatus    int
	Content       any
	ErrorCode     string
	Details       any
	RunnerVersion int
	Progress      *float64
}

// Upsert overwrites the entry for the key. Only store failures are returned.
func (c *Cache) Upsert(ctx context.Context, p UpsertParams) error {
	content, err := marshal(p.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content of %s: %w", p.Kind, err)
	}
	details := ""
	if p.Details != nil {
		if details, err = marshal(p.Details); err != nil {
			return fmt.Errorf("failed to marshal details of %s: %w", p.Kind, err)
		}
	}

	row := &store.CacheRow{
		Kind:          p.Kind,
		Dataset:       p.Key.Dataset,
		Config:        p.Key.Config,
		Split:         p.Key.Split,
		HTTPStatus:    p.HTTPStatus,
		Content:       content,
		ErrorCode:     p.ErrorCode,
		Details:       details,
		RunnerVersion: p.RunnerVersion,
		Progress:      p.Progress,
		UpdatedMs:     c.clock.Now().UnixMilli(),
	}
	err = c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kind"}, {Name: "dataset"}, {Name: "config"}, {Name: "split"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"http_status", "content", "error_code", "details", "job_runner_version", "progress", "updated_ms",
			}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s for %s: %w", p.Kind, p.Key.Dataset, err)
	}
	return nil
}

// Get returns the entry for (kind, key) or ErrDoesNotExist.
func (c *Cache) Get(ctx context.Context, kind string, key types.PartitionKey) (*types.CacheEntry, error) {
	var row store.CacheRow
	err := c.db.WithContext(ctx).
		Where("kind = ? AND dataset = ? AND config = ? AND split = ?", kind, key.Dataset, key.Config, key.Split).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s/%s/%s", ErrDoesNotExist, kind, key.Dataset, key.Config, key.Split)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	return toEntry(&row), nil
}

// BestResponse is the entry picked among several candidate kinds.
type BestResponse struct {
	Kind  string
	Entry *types.CacheEntry
}

// GetBestResponse looks up every kind for the same key and returns the
// first successful entry in list order. When none succeeded it returns the
// found entry with the lowest list index, so the same error is reported
// whichever worker asks. The list order is the caller's preference and is
// kept as is.
func (c *Cache) GetBestResponse(ctx context.Context, kinds []string, key types.PartitionKey) (*BestResponse, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no kinds requested", ErrDoesNotExist)
	}

	var rows []store.CacheRow
	err := c.db.WithContext(ctx).
		Where("kind IN ? AND dataset = ? AND config = ? AND split = ?", kinds, key.Dataset, key.Config, key.Split).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get best response: %w", err)
	}

	byKind := make(map[string]*store.CacheRow, len(rows))
	for i := range rows {
		byKind[rows[i].Kind] = &rows[i]
	}

	var fallback *BestResponse
	for _, kind := range kinds {
		row, ok := byKind[kind]
		if !ok {
			continue
		}
		entry := toEntry(row)
		if entry.IsSuccess() {
			return &BestResponse{Kind: kind, Entry: entry}, nil
		}
		if fallback == nil {
			fallback = &BestResponse{Kind: kind, Entry: entry}
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: none of %v for %s/%s/%s", ErrDoesNotExist, kinds, key.Dataset, key.Config, key.Split)
	}
	return fallback, nil
}

// IsFresh reports whether entry can stand in for a new computation by a
// runner at currentVersion: it must exist, be a success and come from the
// same runner version.
func IsFresh(entry *types.CacheEntry, currentVersion int) bool {
	return entry != nil && entry.IsSuccess() && !entry.IsStale(currentVersion)
}

// KindStatusCount is one row of the cache-wide aggregation.
type KindStatusCount struct {
	Kind       string
	HTTPStatus int
	ErrorCode  string
	Total      int64
}

// CountByKindStatusErrorCode aggregates the entries of kind by status and
// error code. An empty kind aggregates every kind.
func (c *Cache) CountByKindStatusErrorCode(ctx context.Context, kind string) ([]KindStatusCount, error) {
	var out []KindStatusCount
	q := c.db.WithContext(ctx).Model(&store.CacheRow{}).
		Select("kind, http_status, error_code, count(*) AS total")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Group("kind, http_status, error_code").
		Order("kind, http_status, error_code").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cache entries: %w", err)
	}
	return out, nil
}

// DeleteDataset drops every entry of a dataset and returns how many went.
func (c *Cache) DeleteDataset(ctx context.Context, dataset string) (int64, error) {
	res := c.db.WithContext(ctx).Where("dataset = ?", dataset).Delete(&store.CacheRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete cache entries of %s: %w", dataset, res.Error)
	}
	return res.RowsAffected, nil
}

// ListKinds returns the sorted kinds that have an entry for key.
func (c *Cache) ListKinds(ctx context.Context, key types.PartitionKey) ([]string, error) {
	var kinds []string
	err := c.db.WithContext(ctx).Model(&store.CacheRow{}).
		Where("dataset = ? AND config = ? AND split = ?", key.Dataset, key.Config, key.Split).
		Order("kind").
		Pluck("kind", &kinds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list kinds of %s: %w", key.Dataset, err)
	}
	return kinds, nil
}

func toEntry(row *store.CacheRow) *types.CacheEntry {
	entry := &types.CacheEntry{
		Kind:          row.Kind,
		Key:           types.PartitionKey{Dataset: row.Dataset, Config: row.Config, Split: row.Split},
		HTTPStatus:    row.HTTPStatus,
		Content:       []byte(row.Content),
		ErrorCode:     row.ErrorCode,
		RunnerVersion: row.RunnerVersion,
		Progress:      row.Progress,
		UpdatedAt:     row.UpdatedMs,
	}
	if row.Details != "" {
		entry.Details = []byte(row.Details)
	}
	return entry
}

func marshal(v any) (string, error) {
	switch raw := v.(type) {
	case nil:
		return "{}", nil
	case []byte:
		return string(raw), nil
	case json.RawMessage:
		return string(raw), nil
	case string:
		b, err := json.Marshal(raw)
		return string(b), err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
