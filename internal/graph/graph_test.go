package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stepcache/pkg/types"
)

const testSpec = `
dataset-config-names:
  input_type: dataset
  job_runner_version: 1
config-split-names:
  input_type: config
  requires: [dataset-config-names]
  job_runner_version: 2
split-first-rows:
  input_type: split
  requires: [config-split-names]
  job_runner_version: 3
config-size:
  input_type: config
  requires: [config-split-names]
  job_runner_version: 1
dataset-size:
  input_type: dataset
  requires: [config-size, dataset-config-names]
  job_runner_version: 1
`

func names(steps []*ProcessingStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func mustLoad(t *testing.T) *Graph {
	t.Helper()
	g, err := Load([]byte(testSpec))
	require.NoError(t, err)
	return g
}

func TestLoad_PreservesDeclarationOrder(t *testing.T) {
	g := mustLoad(t)

	assert.Equal(t, []string{
		"dataset-config-names",
		"config-split-names",
		"split-first-rows",
		"config-size",
		"dataset-size",
	}, names(g.Steps()))
}

func TestGetStep(t *testing.T) {
	g := mustLoad(t)

	step, err := g.GetStep("split-first-rows")
	require.NoError(t, err)
	assert.Equal(t, types.InputSplit, step.InputType)
	assert.Equal(t, "split-first-rows", step.JobType)
	assert.Equal(t, "split-first-rows", step.CacheKind)
	assert.Equal(t, 3, step.Version)

	_, err = g.GetStep("nope")
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = g.GetStepByJobType("nope")
	assert.ErrorIs(t, err, ErrUnknownStep)

	byType, err := g.GetStepByJobType("config-size")
	require.NoError(t, err)
	assert.Equal(t, "config-size", byType.Name)
}

func TestChildrenParentsAncestors(t *testing.T) {
	g := mustLoad(t)

	children, err := g.GetChildren("config-split-names")
	require.NoError(t, err)
	assert.Equal(t, []string{"split-first-rows", "config-size"}, names(children))

	children, err = g.GetChildren("dataset-config-names")
	require.NoError(t, err)
	assert.Equal(t, []string{"config-split-names", "dataset-size"}, names(children))

	parents, err := g.GetParents("dataset-size")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataset-config-names", "config-size"}, names(parents))

	ancestors, err := g.GetAncestors("dataset-size")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataset-config-names", "config-split-names", "config-size"}, names(ancestors))

	ancestors, err = g.GetAncestors("dataset-config-names")
	require.NoError(t, err)
	assert.Empty(t, ancestors)

	_, err = g.GetChildren("nope")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestGetFirstSteps(t *testing.T) {
	g := mustLoad(t)
	assert.Equal(t, []string{"dataset-config-names"}, names(g.GetFirstSteps()))
}

func TestVersion(t *testing.T) {
	g := mustLoad(t)

	v, err := g.Version("config-split-names")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = g.Version("unknown-kind")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		specs []StepSpec
		want  error
	}{
		{
			name: "unknown requirement",
			specs: []StepSpec{
				{Name: "a", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"b"}},
			},
			want: ErrUnknownStep,
		},
		{
			name: "self cycle",
			specs: []StepSpec{
				{Name: "a", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"a"}},
			},
			want: ErrCycle,
		},
		{
			name: "transitive cycle",
			specs: []StepSpec{
				{Name: "a", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"c"}},
				{Name: "b", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"a"}},
				{Name: "c", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"b"}},
			},
			want: ErrCycle,
		},
		{
			name: "duplicate name",
			specs: []StepSpec{
				{Name: "a", InputType: types.InputDataset, JobRunnerVersion: 1},
				{Name: "a", InputType: types.InputConfig, JobRunnerVersion: 1},
			},
			want: ErrInvalidSpec,
		},
		{
			name: "bad input type",
			specs: []StepSpec{
				{Name: "a", InputType: "row", JobRunnerVersion: 1},
			},
			want: ErrInvalidSpec,
		},
		{
			name: "zero version",
			specs: []StepSpec{
				{Name: "a", InputType: types.InputDataset},
			},
			want: ErrInvalidSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNew_DuplicateRequirementCountsOnce(t *testing.T) {
	g, err := New([]StepSpec{
		{Name: "a", InputType: types.InputDataset, JobRunnerVersion: 1},
		{Name: "b", InputType: types.InputDataset, JobRunnerVersion: 1, Requires: []string{"a", "a"}},
	})
	require.NoError(t, err)

	children, err := g.GetChildren("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(children))
}

func TestNew_Deterministic(t *testing.T) {
	first := mustLoad(t)
	for i := 0; i < 10; i++ {
		again := mustLoad(t)
		for _, step := range first.Steps() {
			other, err := again.GetStep(step.Name)
			require.NoError(t, err)
			assert.Equal(t, step, other)
		}
	}
}

func TestLoad_SchemaRejectsBadDocuments(t *testing.T) {
	docs := map[string]string{
		"missing version":   "a:\n  input_type: dataset\n",
		"unknown field":     "a:\n  input_type: dataset\n  job_runner_version: 1\n  color: red\n",
		"bad input type":    "a:\n  input_type: row\n  job_runner_version: 1\n",
		"version not int":   "a:\n  input_type: dataset\n  job_runner_version: one\n",
		"empty document":    "{}\n",
		"requires not list": "a:\n  input_type: dataset\n  job_runner_version: 1\n  requires: b\n",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSpec), 0644))

	g, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, g.Steps(), 5)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
