package optinout

import (
	"context"
	"errors"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/internal/runner"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// DatasetCount sums the per-config counts of a dataset. Configs whose
// count is missing, failed or outdated are left out and lower the
// progress instead of failing the job.
type DatasetCount struct {
	// Parallelism bounds the concurrent cache reads. Zero means 8.
	Parallelism int
}

func (DatasetCount) JobType() string { return DatasetCountJobType }
func (DatasetCount) Version() int    { return DatasetCountVersion }

func (d DatasetCount) Compute(ctx context.Context, job types.Job, deps runner.Dependencies) (runner.Result, error) {
	dataset := job.Key.Dataset
	log.Info("get opt-in-out-urls-count", "dataset", dataset)

	names, err := deps.PreviousStep(ctx, []string{DatasetConfigNames}, types.PartitionKey{Dataset: dataset})
	if err != nil {
		return runner.Result{}, err
	}
	var content configNamesContent
	if err := runner.DecodeContent(names.Entry, &content); err != nil {
		return runner.Result{}, err
	}
	configs := *content.ConfigNames

	limit := d.Parallelism
	if limit <= 0 {
		limit = defaultConfigWorkers
	}
	counts, err := runner.ParallelMap(ctx, limit, configs, func(ctx context.Context, n configName) (*CountResponse, error) {
		return configCount(ctx, deps, dataset, n.Config)
	})
	if err != nil {
		return runner.Result{}, err
	}

	total := CountResponse{URLsColumns: []string{}}
	processed := 0
	for _, c := range counts {
		if c == nil {
			continue
		}
		total.add(*c)
		processed++
	}
	total.URLsColumns = sortedUnique(total.URLsColumns)

	progress := 1.0
	if len(configs) > 0 {
		progress = float64(processed) / float64(len(configs))
	}
	return runner.Result{Content: total, Progress: runner.Float(progress)}, nil
}

// configCount returns nil when the config has no usable count yet.
func configCount(ctx context.Context, deps runner.Dependencies, dataset, config string) (*CountResponse, error) {
	key := types.PartitionKey{Dataset: dataset, Config: config}
	best, err := deps.Cache.GetBestResponse(ctx, []string{ConfigCountKind}, key)
	if errors.Is(err, cache.ErrDoesNotExist) {
		log.Debug("no previous response", "kind", ConfigCountKind, "dataset", dataset, "config", config)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !best.Entry.IsSuccess() {
		log.Debug("previous step gave an error", "kind", ConfigCountKind, "config", config, "http_status", best.Entry.HTTPStatus)
		return nil, nil
	}
	if deps.Versions != nil {
		if want, err := deps.Versions.Version(ConfigCountKind); err == nil && best.Entry.IsStale(want) {
			log.Debug("previous response is outdated", "kind", ConfigCountKind, "config", config)
			return nil, nil
		}
	}

	var content countContent
	if err := runner.DecodeContent(best.Entry, &content); err != nil {
		return nil, err
	}
	r := content.response()
	return &r, nil
}
