package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

var key = types.PartitionKey{Dataset: "user/ds", Config: "default", Split: "train"}

func newTestCache(t *testing.T) (*Cache, *clock.Mock) {
	t.Helper()
	db, err := store.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	return New(db, clk), clk
}

func upsert(t *testing.T, c *Cache, kind string, status int, errorCode string) {
	t.Helper()
	require.NoError(t, c.Upsert(context.Background(), UpsertParams{
		Kind:          kind,
		Key:           key,
		HTTPStatus:    status,
		Content:       map[string]string{"from": kind},
		ErrorCode:     errorCode,
		RunnerVersion: 1,
	}))
}

func TestGet_Missing(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "k1", key)
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestUpsert_LastWriteWins(t *testing.T) {
	c, clk := newTestCache(t)
	ctx := context.Background()

	progress := 0.5
	require.NoError(t, c.Upsert(ctx, UpsertParams{
		Kind:          "k1",
		Key:           key,
		HTTPStatus:    500,
		Content:       map[string]string{"error": "boom"},
		ErrorCode:     "UnexpectedError",
		Details:       map[string]string{"cause": "trace"},
		RunnerVersion: 1,
		Progress:      &progress,
	}))

	clk.Add(time.Second)
	require.NoError(t, c.Upsert(ctx, UpsertParams{
		Kind:          "k1",
		Key:           key,
		HTTPStatus:    200,
		Content:       []byte(`{"rows":3}`),
		RunnerVersion: 2,
	}))

	entry, err := c.Get(ctx, "k1", key)
	require.NoError(t, err)
	assert.Equal(t, 200, entry.HTTPStatus)
	assert.JSONEq(t, `{"rows":3}`, string(entry.Content))
	assert.Empty(t, entry.ErrorCode)
	assert.Empty(t, entry.Details)
	assert.Nil(t, entry.Progress)
	assert.Equal(t, 2, entry.RunnerVersion)
	assert.Equal(t, clk.Now().UnixMilli(), entry.UpdatedAt)
	assert.Equal(t, key, entry.Key)

	var count int64
	require.NoError(t, c.db.Model(&store.CacheRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsert_KeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	upsert(t, c, "k1", 200, "")
	other := types.PartitionKey{Dataset: "user/ds", Config: "default", Split: "test"}
	require.NoError(t, c.Upsert(ctx, UpsertParams{Kind: "k1", Key: other, HTTPStatus: 404, ErrorCode: "X", RunnerVersion: 1}))

	entry, err := c.Get(ctx, "k1", key)
	require.NoError(t, err)
	assert.Equal(t, 200, entry.HTTPStatus)

	entry, err = c.Get(ctx, "k1", other)
	require.NoError(t, err)
	assert.Equal(t, 404, entry.HTTPStatus)
	assert.JSONEq(t, `{}`, string(entry.Content))
}

func TestGetBestResponse(t *testing.T) {
	tests := []struct {
		name     string
		setup    map[string]int
		kinds    []string
		wantKind string
		wantErr  error
	}{
		{
			name:     "error then success picks success",
			setup:    map[string]int{"k1": 500, "k2": 200},
			kinds:    []string{"k1", "k2"},
			wantKind: "k2",
		},
		{
			name:     "both errors picks first in list",
			setup:    map[string]int{"k1": 500, "k2": 404},
			kinds:    []string{"k1", "k2"},
			wantKind: "k1",
		},
		{
			name:     "list order is kept as given",
			setup:    map[string]int{"k1": 500, "k2": 404},
			kinds:    []string{"k2", "k1"},
			wantKind: "k2",
		},
		{
			name:     "both success picks first",
			setup:    map[string]int{"k1": 200, "k2": 200},
			kinds:    []string{"k2", "k1"},
			wantKind: "k2",
		},
		{
			name:     "missing kinds are skipped",
			setup:    map[string]int{"k2": 500},
			kinds:    []string{"k1", "k2"},
			wantKind: "k2",
		},
		{
			name:    "nothing found",
			setup:   map[string]int{"k3": 200},
			kinds:   []string{"k1", "k2"},
			wantErr: ErrDoesNotExist,
		},
		{
			name:    "no kinds",
			kinds:   nil,
			wantErr: ErrDoesNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t)
			for kind, status := range tt.setup {
				code := ""
				if status >= 300 {
					code = "SomeError"
				}
				upsert(t, c, kind, status, code)
			}

			best, err := c.GetBestResponse(context.Background(), tt.kinds, key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, best.Kind)
			assert.Equal(t, tt.wantKind, best.Entry.Kind)
			assert.JSONEq(t, `{"from":"`+tt.wantKind+`"}`, string(best.Entry.Content))
		})
	}
}

func TestGetBestResponse_ReturnsStaleEntries(t *testing.T) {
	c, _ := newTestCache(t)
	upsert(t, c, "k1", 200, "")

	best, err := c.GetBestResponse(context.Background(), []string{"k1"}, key)
	require.NoError(t, err)
	assert.True(t, best.Entry.IsStale(2))
	assert.False(t, IsFresh(best.Entry, 2))
	assert.True(t, IsFresh(best.Entry, 1))
}

func TestIsFresh(t *testing.T) {
	assert.False(t, IsFresh(nil, 1))
	assert.False(t, IsFresh(&types.CacheEntry{HTTPStatus: 500, RunnerVersion: 1}, 1))
	assert.False(t, IsFresh(&types.CacheEntry{HTTPStatus: 200, RunnerVersion: 1}, 2))
	assert.True(t, IsFresh(&types.CacheEntry{HTTPStatus: 200, RunnerVersion: 2}, 2))
}

func TestCountByKindStatusErrorCode(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	upsert(t, c, "k1", 200, "")
	upsert(t, c, "k2", 500, "UnexpectedError")
	require.NoError(t, c.Upsert(ctx, UpsertParams{
		Kind: "k1", Key: types.PartitionKey{Dataset: "other"}, HTTPStatus: 200, RunnerVersion: 1,
	}))

	counts, err := c.CountByKindStatusErrorCode(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []KindStatusCount{
		{Kind: "k1", HTTPStatus: 200, ErrorCode: "", Total: 2},
		{Kind: "k2", HTTPStatus: 500, ErrorCode: "UnexpectedError", Total: 1},
	}, counts)

	counts, err = c.CountByKindStatusErrorCode(ctx, "k2")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(1), counts[0].Total)
}

func TestDeleteDatasetAndListKinds(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	upsert(t, c, "k2", 200, "")
	upsert(t, c, "k1", 200, "")

	kinds, err := c.ListKinds(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, kinds)

	n, err := c.DeleteDataset(ctx, key.Dataset)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	kinds, err = c.ListKinds(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func TestUpsert_ClosedStore(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, store.Close(c.db))

	err := c.Upsert(context.Background(), UpsertParams{Kind: "k1", Key: key, HTTPStatus: 200, RunnerVersion: 1})
	assert.Error(t, err)
}
