// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// 設計模式:
//   固定數量的 Worker goroutine 持續運行，各自從佇列 Claim 任務。
//   沒有中央分派：佇列的原子 Claim 就是唯一的互斥點。
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n)  - 啟動 n 個 Worker goroutines
//   3. Stats()   - 讀取各結果的計數
//   4. Stop()    - 取消 context，等待所有 Worker 退出
//
// 優雅關閉:
//   Stop() 取消共用的 context；正在執行的任務被放棄，
//   佇列中保持 started 狀態，之後由 reaper 重置。
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Config 控制 Worker 的輪詢節奏
type Config struct {
	PollInterval    time.Duration // 佇列為空時的初始等待
	MaxPollInterval time.Duration // 退避等待上限
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = DefaultMaxPollInterval
		if c.MaxPollInterval < c.PollInterval {
			c.MaxPollInterval = c.PollInterval
		}
	}
	return c
}

// Pool 管理多個並發的 Worker
type Pool struct {
	jobs    JobSource
	exec    *Executor
	config  Config
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex

	statsMu sync.Mutex
	stats   map[Outcome]int64
}

// NewPool 建立新的 Worker Pool
func NewPool(jobs JobSource, exec *Executor, cfg Config) *Pool {
	return &Pool{
		jobs:   jobs,
		exec:   exec,
		config: cfg.withDefaults(),
		stats:  make(map[Outcome]int64),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.jobs, p.exec, p.config, p.record)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	return nil
}

// Stop 取消所有 Worker 並等待其退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Stats 返回各結果的處理次數
func (p *Pool) Stats() map[Outcome]int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	out := map[Outcome]int64{
		OutcomeSuccess:     0,
		OutcomeSkipped:     0,
		OutcomeDomainError: 0,
		OutcomeUnexpected:  0,
	}
	for k, v := range p.stats {
		out[k] = v
	}
	return out
}

func (p *Pool) record(r Result) {
	p.statsMu.Lock()
	p.stats[r.Outcome]++
	p.statsMu.Unlock()
}
