package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/graph"
	"github.com/ChuLiYu/stepcache/internal/queue"
	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.queueJobs, "queueJobs gauge should be initialized")
	assert.NotNil(t, collector.cacheResponses, "cacheResponses gauge should be initialized")
	assert.NotNil(t, collector.jobsProcessed, "jobsProcessed counter should be initialized")
	assert.NotNil(t, collector.jobsReaped, "jobsReaped counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
}

func TestObserveJob(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.ObserveJob("dataset-config-names", "success", 10*time.Millisecond)
	collector.ObserveJob("dataset-config-names", "success", 20*time.Millisecond)
	collector.ObserveJob("dataset-config-names", "unexpected", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsProcessed.WithLabelValues("dataset-config-names", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsProcessed.WithLabelValues("dataset-config-names", "unexpected")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.jobDuration))
}

func TestRecordReaped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordReaped(0)
	collector.RecordReaped(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.jobsReaped))
}

func TestUpdate(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.Update(&Snapshot{
		Jobs: []store.JobTotalMetricRow{
			{Queue: "a", Status: "waiting", Total: 4},
			{Queue: "a", Status: "started", Total: 0},
		},
		Cache: []store.CacheTotalMetricRow{
			{Kind: "a", HTTPStatus: 200, Total: 7},
			{Kind: "a", HTTPStatus: 500, ErrorCode: "UnexpectedError", Total: 1},
		},
	})
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.queueJobs.WithLabelValues("a", "waiting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.queueJobs.WithLabelValues("a", "started")))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.cacheResponses.WithLabelValues("a", "200", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheResponses.WithLabelValues("a", "500", "UnexpectedError")))

	// a combination missing from the next snapshot is dropped
	collector.Update(&Snapshot{Cache: []store.CacheTotalMetricRow{{Kind: "a", HTTPStatus: 200, Total: 8}}})
	assert.Equal(t, 1, testutil.CollectAndCount(collector.cacheResponses))
}

// ============================================================================
// CollectMetrics Tests
// ============================================================================

const testGraph = `
step-a:
  input_type: dataset
  job_runner_version: 1
step-b:
  input_type: config
  requires: [step-a]
  job_runner_version: 1
`

type collectEnv struct {
	db    *gorm.DB
	clock *clock.Mock
	graph *graph.Graph
	queue *queue.Queue
	cache *cache.Cache
}

func newCollectEnv(t *testing.T) *collectEnv {
	t.Helper()
	db, err := store.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	g, err := graph.Load([]byte(testGraph))
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	return &collectEnv{
		db:    db,
		clock: clk,
		graph: g,
		queue: queue.New(db, queue.WithClock(clk)),
		cache: cache.New(db, clk),
	}
}

func (e *collectEnv) collect(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := CollectMetrics(context.Background(), e.db, e.clock, e.graph, e.queue, e.cache)
	require.NoError(t, err)
	return snap
}

func TestCollectMetrics_EmptyStoreWritesZeroRows(t *testing.T) {
	e := newCollectEnv(t)
	snap := e.collect(t)

	assert.Len(t, snap.Jobs, 2*len(types.AllStatuses))
	assert.Empty(t, snap.Cache)

	var rows []store.JobTotalMetricRow
	require.NoError(t, e.db.Order("queue, status").Find(&rows).Error)
	require.Len(t, rows, 2*len(types.AllStatuses))
	for _, r := range rows {
		assert.Zero(t, r.Total, "%s/%s", r.Queue, r.Status)
	}
}

func TestCollectMetrics_CountsJobsAndResponses(t *testing.T) {
	e := newCollectEnv(t)
	ctx := context.Background()

	key := types.PartitionKey{Dataset: "ds"}
	_, err := e.queue.UpsertJob(ctx, queue.UpsertParams{JobType: "step-a", Key: key})
	require.NoError(t, err)
	_, err = e.queue.UpsertJob(ctx, queue.UpsertParams{JobType: "step-b", Key: types.PartitionKey{Dataset: "ds", Config: "c1"}})
	require.NoError(t, err)
	_, err = e.queue.UpsertJob(ctx, queue.UpsertParams{JobType: "step-b", Key: types.PartitionKey{Dataset: "ds", Config: "c2"}})
	require.NoError(t, err)
	job, err := e.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, e.cache.Upsert(ctx, cache.UpsertParams{Kind: "step-a", Key: key, HTTPStatus: http.StatusOK, RunnerVersion: 1}))
	require.NoError(t, e.cache.Upsert(ctx, cache.UpsertParams{
		Kind: "step-b", Key: types.PartitionKey{Dataset: "ds", Config: "c1"},
		HTTPStatus: http.StatusInternalServerError, ErrorCode: "UnexpectedError", RunnerVersion: 1,
	}))
	require.NoError(t, e.cache.Upsert(ctx, cache.UpsertParams{Kind: "unrelated", Key: key, HTTPStatus: http.StatusOK}))

	e.collect(t)

	var started store.JobTotalMetricRow
	require.NoError(t, e.db.Where("queue = ? AND status = ?", "step-a", "started").First(&started).Error)
	assert.Equal(t, int64(1), started.Total)

	var waiting store.JobTotalMetricRow
	require.NoError(t, e.db.Where("queue = ? AND status = ?", "step-b", "waiting").First(&waiting).Error)
	assert.Equal(t, int64(2), waiting.Total)

	var cacheRows []store.CacheTotalMetricRow
	require.NoError(t, e.db.Order("kind, http_status").Find(&cacheRows).Error)
	require.Len(t, cacheRows, 2)
	assert.Equal(t, "step-a", cacheRows[0].Kind)
	assert.Equal(t, int64(1), cacheRows[0].Total)
	assert.Equal(t, "step-b", cacheRows[1].Kind)
	assert.Equal(t, "UnexpectedError", cacheRows[1].ErrorCode)
}

func TestCollectMetrics_OverwritesPreviousTotals(t *testing.T) {
	e := newCollectEnv(t)
	ctx := context.Background()
	key := types.PartitionKey{Dataset: "ds"}

	require.NoError(t, e.cache.Upsert(ctx, cache.UpsertParams{
		Kind: "step-a", Key: key, HTTPStatus: http.StatusInternalServerError, ErrorCode: "UnexpectedError", RunnerVersion: 1,
	}))
	e.collect(t)

	// the error is replaced by a success
	require.NoError(t, e.cache.Upsert(ctx, cache.UpsertParams{Kind: "step-a", Key: key, HTTPStatus: http.StatusOK, RunnerVersion: 1}))
	e.clock.Add(time.Minute)
	snap := e.collect(t)
	require.Len(t, snap.Cache, 1)

	var rows []store.CacheTotalMetricRow
	require.NoError(t, e.db.Order("http_status").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Total)
	assert.Equal(t, int64(0), rows[1].Total)

	var jobRows int64
	require.NoError(t, e.db.Model(&store.JobTotalMetricRow{}).Count(&jobRows).Error)
	assert.Equal(t, int64(2*len(types.AllStatuses)), jobRows)
}

func TestCollectMetrics_ClosedStore(t *testing.T) {
	e := newCollectEnv(t)
	require.NoError(t, store.Close(e.db))

	_, err := CollectMetrics(context.Background(), e.db, e.clock, e.graph, e.queue, e.cache)
	assert.Error(t, err)
}

func TestServer_ShutdownStopsStart(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	srv := NewServer(0)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
