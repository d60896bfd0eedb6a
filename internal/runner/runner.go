// Package runner defines what a processing step implementation must provide
// and the helpers those implementations share: typed domain errors, access
// to previous step results and bounded fan-out.
package runner

import (
	"context"

	"github.com/ChuLiYu/stepcache/pkg/types"
)

// Result is the successful output of Compute. Content must be JSON
// serializable. A nil Progress means the result is complete.
type Result struct {
	Content  any
	Progress *float64
}

// JobRunner computes the artifact of one processing step.
//
// Compute returns a *Error for failures it recognizes (bad upstream
// content, unsupported data, size limits). Those are cached as the step's
// answer. Any other error is treated as unexpected.
type JobRunner interface {
	JobType() string
	Version() int
	Compute(ctx context.Context, job types.Job, deps Dependencies) (Result, error)
}

// SplitExpander is implemented by runners whose output discovers configs
// or splits, so children at a finer granularity can be enqueued.
type SplitExpander interface {
	// NewSplits extracts the splits from the content Compute just produced,
	// given as JSON.
	NewSplits(job types.Job, content []byte) ([]types.SplitKey, error)
}

// Float returns a pointer to f, for Result.Progress.
func Float(f float64) *float64 {
	return &f
}
