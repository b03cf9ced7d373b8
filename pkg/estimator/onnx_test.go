// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sort"
	"testing"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelVariables lists the full names of the variables under the model scope.
func modelVariables(ctx *context.Context, scope ...string) []string {
	ctx = ctx.In(ScopeModel)
	for _, s := range scope {
		ctx = ctx.In(s)
	}
	var names []string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		names = append(names, v.Scope()+context.ScopeSeparator+v.Name())
	})
	sort.Strings(names)
	return names
}

// runONNX executes the ONNX conversion of e with onnx-gomlx on the padded inputs of b.
func runONNX(t *testing.T, e *Estimator, b *batch.Batch) []float32 {
	model := must.M1(BuildONNX(e.Context(), e.Config()))
	m := must.M1(onnx.Parse(model.Marshal()))
	ctx := context.New()
	require.NoError(t, m.VariablesToContext(ctx))
	exec := must.M1(context.NewExec(e.Backend(), ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		named := make(map[string]*graph.Node, len(inputs))
		for ii, name := range m.InputsNames {
			named[name] = inputs[ii]
		}
		return m.CallGraph(ctx, inputs[0].Graph(), named)[0]
	}))
	inputs := must.M1(InputsFromBatch(e.Config(), b, false))
	args := make([]any, len(inputs))
	for ii, in := range inputs {
		args[ii] = in
	}
	output := tensors.MustCopyFlatData[float32](exec.MustExec1(args...))
	return output[:b.NumGraphs]
}

func TestBuildONNX(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(17, 3))
	for _, cfg := range []Config{
		smallConfig(labels.ScalarID(), true, true),
		smallConfig(labels.Bitmask(6), true, false),
		smallConfig(labels.Hashed(), false, true),
	} {
		cfg.RegressorBlocks = 2
		e := must.M1(New(backend, cfg))
		model := must.M1(BuildONNX(e.Context(), cfg))

		// Every model variable is exported, once.
		var initializers []string
		for _, init := range model.Graph.Initializers {
			initializers = append(initializers, init.Name)
		}
		sort.Strings(initializers)
		assert.Equal(t, modelVariables(e.Context()), initializers, "%s", cfg)

		m := must.M1(onnx.Parse(model.Marshal()))
		var want []string
		for _, spec := range ModelInputSpecs(cfg) {
			want = append(want, spec.Name)
		}
		assert.Equal(t, want, m.InputsNames)
		assert.Equal(t, []string{OutputName}, m.OutputsNames)

		b := must.M1(batch.Collate(randomSamples(rng, cfg.Scheme, 4, cfg.UseGoal)))
		assert.InDeltaSlice(t, must.M1(e.Forward(b)), runONNX(t, e, b), 1e-5, "%s", cfg)
	}
}

func TestModelWithoutGoal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(8, 9))
	cfg := smallConfig(labels.ScalarID(), false, true)
	e := must.M1(New(backend, cfg))
	assert.Empty(t, modelVariables(e.Context(), ScopeGoalEncoder))
	assert.NotEmpty(t, modelVariables(e.Context(), ScopeStateEncoder))
	assert.False(t, slices.ContainsFunc(ModelInputSpecs(cfg), func(s TensorSpec) bool { return s.Name == "goal_nodes" }))

	// Goal graphs in the batch are ignored.
	samples := randomSamples(rng, cfg.Scheme, 3, true)
	withGoal := must.M1(e.Forward(must.M1(batch.Collate(samples))))
	for _, s := range samples {
		s.Goal = nil
	}
	b := must.M1(batch.Collate(samples))
	assert.Equal(t, withGoal, must.M1(e.Forward(b)))
	assert.InDeltaSlice(t, withGoal, runONNX(t, e, b), 1e-5)

	// Same for a model saved and restored.
	dir := filepath.Join(t.TempDir(), "no_goal")
	require.NoError(t, e.Checkpoint(dir, Metrics{}))
	loaded := must.M1(Load(backend, dir))
	assert.False(t, loaded.Config().UseGoal)
	assert.Empty(t, modelVariables(loaded.Context(), ScopeGoalEncoder))
	assert.Equal(t, withGoal, must.M1(loaded.Forward(b)))

	// Asking for a goal encoder the checkpoint doesn't have.
	withGoalCfg := cfg
	withGoalCfg.UseGoal = true
	_, err := Load(backend, dir, WithArchitecture(withGoalCfg))
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), ScopeGoalEncoder)
}

func TestCheckVariables(t *testing.T) {
	cfg := smallConfig(labels.Bitmask(4), true, true)
	e := must.M1(New(graphtest.BuildTestBackend(), cfg))
	require.NoError(t, CheckVariables(e.Context(), cfg))

	for _, change := range []func(c *Config){
		func(c *Config) { c.HiddenDim++ },
		func(c *Config) { c.EdgeEmbDim++ },
		func(c *Config) { c.Scheme = labels.Bitmask(5) },
		func(c *Config) { c.Scheme = labels.ScalarID() },
		func(c *Config) { c.UseDepth = false },
		func(c *Config) { c.RegressorBlocks++ },
		func(c *Config) { c.NumConvLayers++ },
	} {
		other := cfg
		change(&other)
		err := CheckVariables(e.Context(), other)
		require.ErrorIs(t, err, ErrShapeMismatch, "%s", other)
	}
}
