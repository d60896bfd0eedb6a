package optinout

import (
	"context"
	"errors"

	"github.com/ChuLiYu/stepcache/internal/runner"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// SplitCount turns the URL scan of one split into its counts.
type SplitCount struct{}

func (SplitCount) JobType() string { return SplitCountJobType }
func (SplitCount) Version() int    { return SplitCountVersion }

func (SplitCount) Compute(ctx context.Context, job types.Job, deps runner.Dependencies) (runner.Result, error) {
	if job.Key.Config == "" || job.Key.Split == "" {
		return runner.Result{}, errors.New("config and split are required")
	}
	log.Info("get opt-in-out-urls-count", "dataset", job.Key.Dataset, "config", job.Key.Config, "split", job.Key.Split)

	scan, err := deps.PreviousStep(ctx, []string{SplitScanKind}, job.Key)
	if err != nil {
		return runner.Result{}, err
	}
	var content countContent
	if err := runner.DecodeContent(scan.Entry, &content); err != nil {
		return runner.Result{}, err
	}
	return runner.Result{Content: content.response()}, nil
}

// NewSplits reports the split the job ran on.
func (SplitCount) NewSplits(job types.Job, _ []byte) ([]types.SplitKey, error) {
	if job.Key.Config == "" || job.Key.Split == "" {
		return nil, errors.New("config and split are required")
	}
	return []types.SplitKey{{Dataset: job.Key.Dataset, Config: job.Key.Config, Split: job.Key.Split}}, nil
}
