package runner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/stepcache/internal/graph"
)

var (
	ErrNoRunner        = errors.New("no job runner for job type")
	ErrDuplicateRunner = errors.New("job runner already registered")
)

// Registry maps job types to runners. Fill it once at startup and then
// share it read-only; Register is not safe for concurrent use.
type Registry struct {
	runners map[string]JobRunner
}

// NewRegistry registers all runners, failing on duplicates.
func NewRegistry(runners ...JobRunner) (*Registry, error) {
	r := &Registry{runners: make(map[string]JobRunner, len(runners))}
	for _, jr := range runners {
		if err := r.Register(jr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(jr JobRunner) error {
	jobType := jr.JobType()
	if _, ok := r.runners[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRunner, jobType)
	}
	r.runners[jobType] = jr
	return nil
}

func (r *Registry) Get(jobType string) (JobRunner, error) {
	jr, ok := r.runners[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, jobType)
	}
	return jr, nil
}

// JobTypes returns the registered job types, sorted.
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.runners))
	for t := range r.runners {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks every runner against the graph: its job type must be a
// step and its version must be the one the step declares. Steps without a
// runner are allowed: the queue only claims registered job types, so their
// jobs stay waiting until a process that has the runner claims them.
func (r *Registry) Validate(g *graph.Graph) error {
	var errs []error
	for _, jobType := range r.JobTypes() {
		jr := r.runners[jobType]
		step, err := g.GetStepByJobType(jobType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if jr.Version() != step.Version {
			errs = append(errs, fmt.Errorf("runner %s has version %d, graph declares %d", jobType, jr.Version(), step.Version))
		}
	}
	return errors.Join(errs...)
}
