// Package types defines the domain model shared by the graph, queue, cache
// and worker packages.
package types

import (
	"encoding/json"
	"net/http"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"   // enqueued, not claimed yet
	StatusStarted   JobStatus = "started"   // claimed by a worker
	StatusSuccess   JobStatus = "success"   // finished, result written to the cache
	StatusError     JobStatus = "error"     // finished with an unexpected failure
	StatusCancelled JobStatus = "cancelled" // dropped by the reaper or by a dataset cancel
	StatusSkipped   JobStatus = "skipped"   // cache was already fresh, nothing computed
)

// AllStatuses lists every status in a stable order. Metrics rely on it to
// report zero counts.
var AllStatuses = []JobStatus{
	StatusWaiting,
	StatusStarted,
	StatusSuccess,
	StatusError,
	StatusCancelled,
	StatusSkipped,
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s != StatusWaiting && s != StatusStarted
}

// Priority orders claimable jobs. Normal jobs are always claimed before low ones.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort weight of the priority, higher first.
func (p Priority) Rank() int {
	if p == PriorityLow {
		return 0
	}
	return 1
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	if rank <= 0 {
		return PriorityLow
	}
	return PriorityNormal
}

// InputType is the granularity a processing step works at.
type InputType string

const (
	InputDataset InputType = "dataset"
	InputConfig  InputType = "config"
	InputSplit   InputType = "split"
)

// Valid reports whether t is one of the known granularities.
func (t InputType) Valid() bool {
	switch t {
	case InputDataset, InputConfig, InputSplit:
		return true
	}
	return false
}

// Depth orders granularities from coarse (dataset, 0) to fine (split, 2).
func (t InputType) Depth() int {
	switch t {
	case InputConfig:
		return 1
	case InputSplit:
		return 2
	}
	return 0
}

// PartitionKey is the dataset/config/split triple shared by jobs and cache
// entries. Config and Split are empty for coarser steps.
type PartitionKey struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config,omitempty"`
	Split   string `json:"split,omitempty"`
}

// For projects the key onto the given granularity, dropping finer parts.
func (k PartitionKey) For(t InputType) PartitionKey {
	switch t {
	case InputDataset:
		return PartitionKey{Dataset: k.Dataset}
	case InputConfig:
		return PartitionKey{Dataset: k.Dataset, Config: k.Config}
	default:
		return k
	}
}

// SplitKey identifies one split discovered by a step that fans out.
type SplitKey struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
	Split   string `json:"split"`
}

// Job is the record exposed to job runners.
type Job struct {
	ID       string       `json:"job_id"`
	Type     string       `json:"job_type"`
	Key      PartitionKey `json:"key"`
	Priority Priority     `json:"priority"`
	Status   JobStatus    `json:"status"`
	Force    bool         `json:"force"`
	Retries  int          `json:"retries"`

	// Unix milliseconds; StartedAt and FinishedAt are zero until set.
	CreatedAt  int64 `json:"created_at"`
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// CacheEntry is one stored step result.
type CacheEntry struct {
	Kind          string          `json:"kind"`
	Key           PartitionKey    `json:"key"`
	HTTPStatus    int             `json:"http_status"`
	Content       json.RawMessage `json:"content"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	RunnerVersion int             `json:"job_runner_version"`
	Progress      *float64        `json:"progress,omitempty"`
	UpdatedAt     int64           `json:"updated_at"`
}

// IsSuccess reports whether the entry holds a usable (2xx) result.
func (e *CacheEntry) IsSuccess() bool {
	return e.HTTPStatus >= http.StatusOK && e.HTTPStatus < http.StatusMultipleChoices
}

// IsStale reports whether the entry was produced by another runner version
// than the one currently declared for its step.
func (e *CacheEntry) IsStale(currentVersion int) bool {
	return e.RunnerVersion != currentVersion
}
