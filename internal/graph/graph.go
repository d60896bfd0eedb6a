// Package graph holds the static processing graph: which steps exist, at
// which granularity they run, which runner version they declare and how
// they depend on each other.
//
// The graph is built once at startup and never mutated, so a single *Graph
// is shared read-only by every worker goroutine.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/stepcache/pkg/types"
)

var (
	ErrUnknownStep = errors.New("unknown processing step")
	ErrCycle       = errors.New("cycle in processing graph")
	ErrInvalidSpec = errors.New("invalid processing graph specification")
)

// StepSpec is the declarative description of one step.
type StepSpec struct {
	Name             string
	InputType        types.InputType
	Requires         []string
	JobRunnerVersion int
}

// ProcessingStep is one resolved node of the graph. The name slices are
// copies; callers may keep them.
type ProcessingStep struct {
	Name      string
	InputType types.InputType
	JobType   string
	CacheKind string
	Version   int
	Requires  []string
	Parents   []string
	Children  []string
	Ancestors []string
}

// Graph is the immutable adjacency structure. Steps are addressed by their
// declaration index.
type Graph struct {
	steps     []*ProcessingStep
	byName    map[string]int
	byJobType map[string]int
	byKind    map[string]int
	parents   [][]int
	children  [][]int
	ancestors [][]int
}

// New validates specs and builds the graph.
func New(specs []StepSpec) (*Graph, error) {
	g := &Graph{
		steps:     make([]*ProcessingStep, 0, len(specs)),
		byName:    make(map[string]int, len(specs)),
		byJobType: make(map[string]int, len(specs)),
		byKind:    make(map[string]int, len(specs)),
	}

	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: step #%d has no name", ErrInvalidSpec, i)
		}
		if _, dup := g.byName[spec.Name]; dup {
			return nil, fmt.Errorf("%w: step %q declared twice", ErrInvalidSpec, spec.Name)
		}
		if !spec.InputType.Valid() {
			return nil, fmt.Errorf("%w: step %q has input type %q", ErrInvalidSpec, spec.Name, spec.InputType)
		}
		if spec.JobRunnerVersion < 1 {
			return nil, fmt.Errorf("%w: step %q has runner version %d", ErrInvalidSpec, spec.Name, spec.JobRunnerVersion)
		}
		g.byName[spec.Name] = i
		g.byJobType[spec.Name] = i
		g.byKind[spec.Name] = i
		g.steps = append(g.steps, &ProcessingStep{
			Name:      spec.Name,
			InputType: spec.InputType,
			JobType:   spec.Name,
			CacheKind: spec.Name,
			Version:   spec.JobRunnerVersion,
			Requires:  append([]string(nil), spec.Requires...),
		})
	}

	n := len(g.steps)
	g.parents = make([][]int, n)
	g.children = make([][]int, n)
	for i, step := range g.steps {
		seen := make(map[int]bool, len(step.Requires))
		for _, req := range step.Requires {
			j, ok := g.byName[req]
			if !ok {
				return nil, fmt.Errorf("%w: %q required by %q", ErrUnknownStep, req, step.Name)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.parents[i] = append(g.parents[i], j)
			g.children[j] = append(g.children[j], i)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	g.ancestors = make([][]int, n)
	for i := range g.steps {
		g.ancestors[i] = g.collectAncestors(i)
	}

	for i, step := range g.steps {
		sort.Ints(g.parents[i])
		sort.Ints(g.children[i])
		step.Parents = g.names(g.parents[i])
		step.Children = g.names(g.children[i])
		step.Ancestors = g.names(g.ancestors[i])
	}
	return g, nil
}

const (
	unvisited = iota
	visiting
	visited
)

// detectCycles runs a DFS over the parent edges from every node.
func (g *Graph) detectCycles() error {
	marks := make([]int, len(g.steps))
	var visit func(i int) error
	visit = func(i int) error {
		marks[i] = visiting
		for _, p := range g.parents[i] {
			switch marks[p] {
			case visiting:
				return fmt.Errorf("%w: %q depends on %q", ErrCycle, g.steps[i].Name, g.steps[p].Name)
			case unvisited:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		marks[i] = visited
		return nil
	}
	for i := range g.steps {
		if marks[i] == unvisited {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) collectAncestors(i int) []int {
	seen := make(map[int]bool)
	stack := append([]int(nil), g.parents[i]...)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[top] {
			continue
		}
		seen[top] = true
		stack = append(stack, g.parents[top]...)
	}
	out := make([]int, 0, len(seen))
	for j := range seen {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.steps[i].Name
	}
	return out
}

func (g *Graph) stepsAt(idx []int) []*ProcessingStep {
	out := make([]*ProcessingStep, len(idx))
	for k, i := range idx {
		out[k] = g.steps[i]
	}
	return out
}

func (g *Graph) index(name string) (int, error) {
	i, ok := g.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	return i, nil
}

// GetStep returns the step with the given name.
func (g *Graph) GetStep(name string) (*ProcessingStep, error) {
	i, err := g.index(name)
	if err != nil {
		return nil, err
	}
	return g.steps[i], nil
}

// GetStepByJobType returns the step whose queue jobs have the given type.
func (g *Graph) GetStepByJobType(jobType string) (*ProcessingStep, error) {
	i, ok := g.byJobType[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: job type %q", ErrUnknownStep, jobType)
	}
	return g.steps[i], nil
}

// GetStepByCacheKind returns the step that writes the given cache kind.
func (g *Graph) GetStepByCacheKind(kind string) (*ProcessingStep, error) {
	i, ok := g.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: cache kind %q", ErrUnknownStep, kind)
	}
	return g.steps[i], nil
}

// GetChildren returns the steps that directly require name.
func (g *Graph) GetChildren(name string) ([]*ProcessingStep, error) {
	i, err := g.index(name)
	if err != nil {
		return nil, err
	}
	return g.stepsAt(g.children[i]), nil
}

// GetParents returns the steps name directly requires.
func (g *Graph) GetParents(name string) ([]*ProcessingStep, error) {
	i, err := g.index(name)
	if err != nil {
		return nil, err
	}
	return g.stepsAt(g.parents[i]), nil
}

// GetAncestors returns every step name transitively requires.
func (g *Graph) GetAncestors(name string) ([]*ProcessingStep, error) {
	i, err := g.index(name)
	if err != nil {
		return nil, err
	}
	return g.stepsAt(g.ancestors[i]), nil
}

// GetFirstSteps returns the steps without parents, used to seed a dataset.
func (g *Graph) GetFirstSteps() []*ProcessingStep {
	var out []*ProcessingStep
	for i, step := range g.steps {
		if len(g.parents[i]) == 0 {
			out = append(out, step)
		}
	}
	return out
}

// Steps returns every step in declaration order.
func (g *Graph) Steps() []*ProcessingStep {
	out := make([]*ProcessingStep, len(g.steps))
	copy(out, g.steps)
	return out
}

// Version returns the runner version currently declared for the step that
// owns cacheKind.
func (g *Graph) Version(cacheKind string) (int, error) {
	step, err := g.GetStepByCacheKind(cacheKind)
	if err != nil {
		return 0, err
	}
	return step.Version, nil
}
