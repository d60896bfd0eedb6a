// ============================================================================
// Controller - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 graph / queue / cache / worker pool，並運行背景循環
//
// 架構設計:
//   所有狀態都在共享資料庫中，Controller 本身只持有組件：
//   - Queue:  持久化的優先佇列（waiting/started/success/error/cancelled/skipped）
//   - Cache:  每個 step 的版本化答案
//   - Pool:   Worker goroutines，各自 Claim 任務並執行
//   - Metrics: 可選的 Prometheus Collector
//
// 背景循環 (2 個 Goroutine):
//   1. Reap Loop    - 定期把超過 MaxJobDuration 的 started 任務放回 waiting，
//                     重試次數用完則取消
//   2. Metrics Loop - 定期寫入 job_total_metrics / cache_total_metrics，
//                     並更新 Prometheus gauges
//
// 崩潰恢復:
//   沒有重放步驟。崩潰時的 started 任務會在逾時後被 reaper 重置；
//   Start() 會先執行一次 reap，接手上一個程序留下的任務。
//   多個程序可以共用同一個資料庫。
//
// 並發安全:
//   - mu 保護 started/stopped 狀態
//   - ctx 在 Stop() 時取消，通知所有循環
//   - loopWg 確保所有 goroutine 正確退出
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/graph"
	"github.com/ChuLiYu/stepcache/internal/metrics"
	"github.com/ChuLiYu/stepcache/internal/queue"
	"github.com/ChuLiYu/stepcache/internal/runner"
	"github.com/ChuLiYu/stepcache/internal/worker"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

var log = slog.Default()

const (
	DefaultWorkerCount     = 4
	DefaultMaxJobDuration  = 20 * time.Minute
	DefaultReapInterval    = time.Minute
	DefaultCollectInterval = time.Minute
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount     int           // Worker 數量
	PollInterval    time.Duration // 佇列為空時的初始等待
	MaxPollInterval time.Duration // 退避等待上限
	MaxJobDuration  time.Duration // started 超過此時間視為失聯
	MaxRetries      *int          // reaper 重置次數上限，之後取消；nil 用預設，0 表示第一次就取消
	ReapInterval    time.Duration // reaper 間隔
	CollectInterval time.Duration // metrics 收集間隔，負值停用
	Clock           clock.Clock   // nil 表示系統時間
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = DefaultMaxJobDuration
	}
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		n := queue.DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.CollectInterval == 0 {
		c.CollectInterval = DefaultCollectInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Status 系統狀態
type Status struct {
	Uptime   string                    `json:"uptime"`
	Workers  int                       `json:"workers"`
	Jobs     map[types.JobStatus]int64 `json:"jobs"`
	Outcomes map[worker.Outcome]int64  `json:"outcomes"`
}

// DatasetStatus dataset 級 step 的處理狀態
type DatasetStatus struct {
	Dataset   string   `json:"dataset"`
	InProcess []string `json:"in_process"` // 仍有 waiting 或 started 任務的 step
	Cached    []string `json:"cached"`     // 已有 dataset 級答案的 kind
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	db        *gorm.DB
	graph     *graph.Graph
	queue     *queue.Queue
	cache     *cache.Cache
	pool      *worker.Pool
	collector *metrics.Collector // 可為 nil
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - db: 已 migrate 的資料庫
//   - g: processing graph
//   - registry: job runners；只會 Claim 有 runner 的 job type
//   - collector: Prometheus 指標，可為 nil
//   - config: Controller 配置
func NewController(db *gorm.DB, g *graph.Graph, registry *runner.Registry, collector *metrics.Collector, config Config) (*Controller, error) {
	if err := registry.Validate(g); err != nil {
		return nil, fmt.Errorf("job runners do not match the processing graph: %w", err)
	}
	config = config.withDefaults()

	jobTypes := make([]string, 0, len(g.Steps()))
	for _, step := range g.Steps() {
		jobTypes = append(jobTypes, step.JobType)
	}
	q := queue.New(db,
		queue.WithClock(config.Clock),
		queue.WithMaxRetries(*config.MaxRetries),
		queue.WithJobTypes(jobTypes...),
		queue.WithClaimTypes(registry.JobTypes()...),
	)
	c := cache.New(db, config.Clock)

	var observer worker.Observer
	if collector != nil {
		observer = collector
	}
	exec := worker.NewExecutor(g, registry, q, c, observer)
	pool := worker.NewPool(q, exec, worker.Config{
		PollInterval:    config.PollInterval,
		MaxPollInterval: config.MaxPollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		db:        db,
		graph:     g,
		queue:     q,
		cache:     c,
		pool:      pool,
		collector: collector,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復：reap 一次，接手上一個程序遺留的任務
//  2. 啟動 Worker Pool 和背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return worker.ErrPoolClosed
	}
	if c.started {
		return worker.ErrPoolStarted
	}
	c.startTime = c.config.Clock.Now()

	if err := c.reap(c.ctx); err != nil {
		return fmt.Errorf("initial reap failed: %w", err)
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(1)
	go c.reapLoop()
	if c.config.CollectInterval > 0 {
		c.loopWg.Add(1)
		go c.metricsLoop()
	}
	c.started = true

	log.Info("Controller started",
		"workers", c.config.WorkerCount,
		"steps", len(c.graph.Steps()))
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// reapLoop 定期重置失聯的任務
func (c *Controller) reapLoop() {
	defer c.loopWg.Done()
	ticker := c.config.Clock.Ticker(c.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info("Reap loop stopped")
			return
		case <-ticker.C:
			if err := c.reap(c.ctx); err != nil && c.ctx.Err() == nil {
				log.Error("Failed to reap stale jobs", "error", err)
			}
		}
	}
}

func (c *Controller) reap(ctx context.Context) error {
	ids, err := c.queue.ReapStale(ctx, c.config.MaxJobDuration)
	if len(ids) > 0 {
		log.Warn("Stale jobs reset", "count", len(ids), "job_ids", ids)
		if c.collector != nil {
			c.collector.RecordReaped(len(ids))
		}
	}
	return err
}

// metricsLoop 定期收集佇列與快取統計
func (c *Controller) metricsLoop() {
	defer c.loopWg.Done()
	ticker := c.config.Clock.Ticker(c.config.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info("Metrics loop stopped")
			return
		case <-ticker.C:
			if _, err := c.CollectMetrics(c.ctx); err != nil && c.ctx.Err() == nil {
				log.Error("Failed to collect metrics", "error", err)
			}
		}
	}
}

// CollectMetrics 寫入 metric 表，並更新 Prometheus gauges
func (c *Controller) CollectMetrics(ctx context.Context) (*metrics.Snapshot, error) {
	start := time.Now()
	snap, err := metrics.CollectMetrics(ctx, c.db, c.config.Clock, c.graph, c.queue, c.cache)
	if err != nil {
		return nil, err
	}
	if c.collector != nil {
		c.collector.Update(snap)
	}
	log.Debug("Metrics collected",
		"duration", time.Since(start),
		"job_rows", len(snap.Jobs),
		"cache_rows", len(snap.Cache))
	return snap, nil
}

// ============================================================================
// 公開方法
// ============================================================================

// EnqueueDataset 為 dataset 建立 graph 起始步驟的任務
func (c *Controller) EnqueueDataset(ctx context.Context, dataset string, priority types.Priority, force bool) ([]*types.Job, error) {
	var jobs []*types.Job
	for _, step := range c.graph.GetFirstSteps() {
		if step.InputType != types.InputDataset {
			log.Warn("First step is not at dataset level, not enqueued",
				"step", step.Name, "input_type", step.InputType)
			continue
		}
		job, err := c.queue.UpsertJob(ctx, queue.UpsertParams{
			JobType:  step.JobType,
			Key:      types.PartitionKey{Dataset: dataset},
			Priority: priority,
			Force:    force,
		})
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// EnqueueJob 建立單一任務，key 會投影到 step 的粒度
func (c *Controller) EnqueueJob(ctx context.Context, p queue.UpsertParams) (*types.Job, error) {
	step, err := c.graph.GetStepByJobType(p.JobType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownJobType, p.JobType)
	}
	p.Key = p.Key.For(step.InputType)
	if step.InputType.Depth() >= types.InputConfig.Depth() && p.Key.Config == "" {
		return nil, fmt.Errorf("%w: step %s needs a config", queue.ErrInvalidJob, step.Name)
	}
	if step.InputType == types.InputSplit && p.Key.Split == "" {
		return nil, fmt.Errorf("%w: step %s needs a split", queue.ErrInvalidJob, step.Name)
	}
	return c.queue.UpsertJob(ctx, p)
}

// DeleteDataset 取消 dataset 的所有進行中任務並刪除其快取答案
func (c *Controller) DeleteDataset(ctx context.Context, dataset string) (cancelled int64, deleted int64, err error) {
	cancelled, err = c.queue.CancelDatasetJobs(ctx, dataset)
	if err != nil {
		return 0, 0, err
	}
	deleted, err = c.cache.DeleteDataset(ctx, dataset)
	if err != nil {
		return cancelled, 0, err
	}
	log.Info("Dataset deleted",
		"dataset", dataset,
		"cancelled_jobs", cancelled,
		"deleted_entries", deleted)
	return cancelled, deleted, nil
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (*Status, error) {
	counts, err := c.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.config.Clock.Since(c.startTime)
	}
	c.mu.Unlock()

	return &Status{
		Uptime:   uptime.String(),
		Workers:  c.pool.GetWorkerCount(),
		Jobs:     counts,
		Outcomes: c.pool.Stats(),
	}, nil
}

// DatasetStatus 回報 dataset 級 step 中哪些仍在處理，以及哪些 kind 已有答案
func (c *Controller) DatasetStatus(ctx context.Context, dataset string) (*DatasetStatus, error) {
	if dataset == "" {
		return nil, errors.New("dataset is required")
	}
	key := types.PartitionKey{Dataset: dataset}

	status := &DatasetStatus{Dataset: dataset, InProcess: []string{}, Cached: []string{}}
	for _, step := range c.graph.Steps() {
		if step.InputType != types.InputDataset {
			continue
		}
		inProcess, err := c.queue.IsJobInProcess(ctx, step.JobType, key)
		if err != nil {
			return nil, err
		}
		if inProcess {
			status.InProcess = append(status.InProcess, step.JobType)
		}
	}

	kinds, err := c.cache.ListKinds(ctx, key)
	if err != nil {
		return nil, err
	}
	status.Cached = append(status.Cached, kinds...)
	return status, nil
}

// Queue 返回 Controller 使用的佇列
func (c *Controller) Queue() *queue.Queue { return c.queue }

// Cache 返回 Controller 使用的快取
func (c *Controller) Cache() *cache.Cache { return c.cache }

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. cancel()      → 通知所有循環與 Worker
//  2. pool.Stop()   → 等待 Worker 退出，執行中的任務留給 reaper
//  3. loopWg.Wait() → 等待背景循環退出
//
// 資料庫由呼叫者關閉。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	c.cancel()
	c.pool.Stop()
	c.loopWg.Wait()

	log.Info("Controller stopped")
}
