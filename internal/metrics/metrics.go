// ============================================================================
// Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 暴露佇列、快取與 Worker 的運行指標
//
// 指標分類:
//
//   1. 狀態指標 (Gauge) - 由 CollectMetrics 定期寫入：
//      - queue_jobs_total{queue,status}: 每個 job type 每個狀態的任務數（含 0）
//      - cache_responses_total{kind,http_status,error_code}: 快取答案分佈
//
//   2. 任務計數器 (Counter)：
//      - worker_jobs_processed_total{job_type,outcome}: 處理結果
//        outcome: success / skipped / domain_error / unexpected
//      - queue_jobs_reaped_total: 被 reaper 重置或取消的任務
//
//   3. 性能指標 (Histogram)：
//      - worker_job_duration_seconds{job_type}: 單一任務處理時間
//
// Prometheus 查詢示例:
//
//   # 每個 step 的待處理任務
//   queue_jobs_total{status="waiting"}
//
//   # 非預期錯誤率
//   rate(worker_jobs_processed_total{outcome="unexpected"}[5m])
//     / rate(worker_jobs_processed_total[5m])
//
//   # 95 分位處理時間
//   histogram_quantile(0.95, sum by (le, job_type) (rate(worker_job_duration_seconds_bucket[5m])))
//
// HTTP 端點:
//   /metrics，默認端口 9090
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 狀態指標
	queueJobs      *prometheus.GaugeVec
	cacheResponses *prometheus.GaugeVec

	// 任務相關指標
	jobsProcessed *prometheus.CounterVec
	jobsReaped    prometheus.Counter

	// 效能指標
	jobDuration *prometheus.HistogramVec
}

// NewCollector 創建新的指標收集器並註冊到 DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs_total",
			Help: "Number of jobs per queue (job type) and status",
		}, []string{"queue", "status"}),
		cacheResponses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_responses_total",
			Help: "Number of cached responses per kind, http status and error code",
		}, []string{"kind", "http_status", "error_code"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_processed_total",
			Help: "Total number of jobs processed, by job type and outcome",
		}, []string{"job_type", "outcome"}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_reaped_total",
			Help: "Total number of stale started jobs reset or cancelled by the reaper",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.queueJobs)
	prometheus.MustRegister(c.cacheResponses)
	prometheus.MustRegister(c.jobsProcessed)
	prometheus.MustRegister(c.jobsReaped)
	prometheus.MustRegister(c.jobDuration)

	return c
}

// ObserveJob 記錄一個已處理的任務，實作 worker.Observer
func (c *Collector) ObserveJob(jobType string, outcome string, d time.Duration) {
	c.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordReaped 記錄 reaper 處理的任務數
func (c *Collector) RecordReaped(n int) {
	c.jobsReaped.Add(float64(n))
}

// Update 以一次收集的結果覆蓋狀態指標
func (c *Collector) Update(s *Snapshot) {
	for _, row := range s.Jobs {
		c.queueJobs.WithLabelValues(row.Queue, row.Status).Set(float64(row.Total))
	}
	c.cacheResponses.Reset()
	for _, row := range s.Cache {
		c.cacheResponses.WithLabelValues(row.Kind, strconv.Itoa(row.HTTPStatus), row.ErrorCode).Set(float64(row.Total))
	}
}

// Server /metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics 伺服器，尚未監聽
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start 開始監聽，直到 Shutdown 為止
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 關閉伺服器
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
