package store

// Timestamps are Unix milliseconds. Integer columns keep ordering and range
// comparisons exact in sqlite, where times would be stored as text.

const (
	tableNameJobs              = "jobs"
	tableNameCache             = "cache_entries"
	tableNameJobTotalMetrics   = "job_total_metrics"
	tableNameCacheTotalMetrics = "cache_total_metrics"
)

// ActiveSlot is the dedup_slot value held by the single non-forced,
// non-terminal job of a dedup key. Terminal and forced jobs use their own
// job id instead, so the unique index only constrains active jobs.
const ActiveSlot = "active"

// JobRow mapped from table <jobs>
type JobRow struct {
	ID           uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	JobID        string `gorm:"column:job_id;type:varchar(64);not null;uniqueIndex:uidx_job_id"`
	JobType      string `gorm:"column:job_type;type:varchar(128);not null;uniqueIndex:uidx_dedup,priority:1;index:idx_type_status,priority:1"`
	Dataset      string `gorm:"column:dataset;type:varchar(256);not null;uniqueIndex:uidx_dedup,priority:2;index:idx_dataset"`
	Config       string `gorm:"column:config;type:varchar(256);not null;uniqueIndex:uidx_dedup,priority:3"`
	Split        string `gorm:"column:split;type:varchar(256);not null;uniqueIndex:uidx_dedup,priority:4"`
	DedupSlot    string `gorm:"column:dedup_slot;type:varchar(64);not null;uniqueIndex:uidx_dedup,priority:5"`
	Status       string `gorm:"column:status;type:varchar(16);not null;index:idx_type_status,priority:2;index:idx_claim,priority:1"`
	PriorityRank int    `gorm:"column:priority_rank;not null;index:idx_claim,priority:2"`
	Force        bool   `gorm:"column:force;not null"`
	Retries      int    `gorm:"column:retries;not null"`
	CreatedMs    int64  `gorm:"column:created_ms;not null;index:idx_claim,priority:3"`
	StartedMs    int64  `gorm:"column:started_ms;not null"`
	FinishedMs   int64  `gorm:"column:finished_ms;not null"`
}

// TableName JobRow's table name
func (*JobRow) TableName() string {
	return tableNameJobs
}

// CacheRow mapped from table <cache_entries>
type CacheRow struct {
	ID            uint64   `gorm:"column:id;primaryKey;autoIncrement"`
	Kind          string   `gorm:"column:kind;type:varchar(128);not null;uniqueIndex:uidx_cache_key,priority:1"`
	Dataset       string   `gorm:"column:dataset;type:varchar(256);not null;uniqueIndex:uidx_cache_key,priority:2"`
	Config        string   `gorm:"column:config;type:varchar(256);not null;uniqueIndex:uidx_cache_key,priority:3"`
	Split         string   `gorm:"column:split;type:varchar(256);not null;uniqueIndex:uidx_cache_key,priority:4"`
	HTTPStatus    int      `gorm:"column:http_status;not null"`
	Content       string   `gorm:"column:content;type:text;not null"`
	ErrorCode     string   `gorm:"column:error_code;type:varchar(128);not null"`
	Details       string   `gorm:"column:details;type:text;not null"`
	RunnerVersion int      `gorm:"column:job_runner_version;not null"`
	Progress      *float64 `gorm:"column:progress"`
	UpdatedMs     int64    `gorm:"column:updated_ms;not null"`
}

// TableName CacheRow's table name
func (*CacheRow) TableName() string {
	return tableNameCache
}

// JobTotalMetricRow mapped from table <job_total_metrics>
type JobTotalMetricRow struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Queue     string `gorm:"column:queue;type:varchar(128);not null;uniqueIndex:uidx_job_metric,priority:1"`
	Status    string `gorm:"column:status;type:varchar(16);not null;uniqueIndex:uidx_job_metric,priority:2"`
	Total     int64  `gorm:"column:total;not null"`
	UpdatedMs int64  `gorm:"column:updated_ms;not null"`
}

// TableName JobTotalMetricRow's table name
func (*JobTotalMetricRow) TableName() string {
	return tableNameJobTotalMetrics
}

// CacheTotalMetricRow mapped from table <cache_total_metrics>
type CacheTotalMetricRow struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Kind       string `gorm:"column:kind;type:varchar(128);not null;uniqueIndex:uidx_cache_metric,priority:1"`
	HTTPStatus int    `gorm:"column:http_status;not null;uniqueIndex:uidx_cache_metric,priority:2"`
	ErrorCode  string `gorm:"column:error_code;type:varchar(128);not null;uniqueIndex:uidx_cache_metric,priority:3"`
	Total      int64  `gorm:"column:total;not null"`
	UpdatedMs  int64  `gorm:"column:updated_ms;not null"`
}

// TableName CacheTotalMetricRow's table name
func (*CacheTotalMetricRow) TableName() string {
	return tableNameCacheTotalMetrics
}
