// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(scheme labels.Scheme, useGoal, useDepth bool) Config {
	cfg := DefaultConfig()
	cfg.HiddenDim = 8
	cfg.NodeEmbDim = 6
	cfg.EdgeEmbDim = 4
	cfg.RegressorDim = 8
	cfg.RegressorBlocks = 1
	cfg.Scheme = scheme
	cfg.UseGoal = useGoal
	cfg.UseDepth = useDepth
	return cfg
}

func randomGraph(rng *rand.Rand, scheme labels.Scheme, n, e int) *sample.GraphTensor {
	t := &sample.GraphTensor{Scheme: scheme, NumNodes: n, Width: scheme.FeatureWidth(), EdgeAttr: make([]float32, e)}
	if scheme.IsScalar() {
		t.IDs = make([]float32, n)
		for ii := range t.IDs {
			t.IDs[ii] = float32(labels.NormalizeID(float64(rng.IntN(1000))))
		}
	} else {
		t.Bits = make([]uint8, n*t.Width)
		for ii := range t.Bits {
			t.Bits[ii] = uint8(rng.IntN(2))
		}
	}
	t.EdgeIndex = [2][]int32{make([]int32, e), make([]int32, e)}
	for ii := range e {
		t.EdgeIndex[0][ii] = int32(rng.IntN(n))
		t.EdgeIndex[1][ii] = int32(rng.IntN(n))
		t.EdgeAttr[ii] = float32(rng.IntN(4))
	}
	return t
}

func randomSamples(rng *rand.Rand, scheme labels.Scheme, count int, withGoal bool) []*sample.Sample {
	samples := make([]*sample.Sample, count)
	for ii := range samples {
		s := &sample.Sample{
			State: randomGraph(rng, scheme, 1+rng.IntN(6), rng.IntN(10)),
			Depth: sample.Float32(float32(rng.IntN(20))),
		}
		if withGoal {
			s.Goal = randomGraph(rng, scheme, 1+rng.IntN(4), rng.IntN(5))
		}
		samples[ii] = s
	}
	return samples
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	SetConfig(ctx, DefaultConfig())
	assert.Equal(t, DefaultConfig(), must.M1(ConfigFromContext(ctx.In("model"))))

	ctx = context.New()
	ctx.SetParams(map[string]any{ParamHiddenDim: 16, ParamUseGoal: false})
	_, err := ConfigFromContext(ctx)
	require.ErrorIs(t, err, ErrConfig)
	for _, key := range []string{ParamNodeEmbDim, ParamEncodingScheme, ParamDropout, ParamMinValue} {
		assert.Contains(t, err.Error(), key)
	}

	// Bit width is required for bitmasks.
	ctx = context.New()
	params := DefaultConfig().Params()
	params[ParamEncodingScheme] = "BITMASK"
	ctx.SetParams(params)
	_, err = ConfigFromContext(ctx)
	require.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), ParamBitWidth)

	ctx.SetParam(ParamBitWidth, 12)
	cfg := must.M1(ConfigFromContext(ctx))
	assert.Equal(t, labels.Bitmask(12), cfg.Scheme)

	ctx.SetParam(ParamEncodingScheme, "NOT_A_SCHEME")
	_, err = ConfigFromContext(ctx)
	require.ErrorIs(t, err, ErrConfig)
}

func TestNormalizeDepth(t *testing.T) {
	assert.Equal(t, []float32{0, 0, 0}, NormalizeDepth([]float32{7, 7, 7}))
	assert.Equal(t, []float32{}, NormalizeDepth([]float32{}))
	got := NormalizeDepth([]float32{1, 3})
	assert.InDelta(t, -1, got[0], 1e-5)
	assert.InDelta(t, 1, got[1], 1e-5)
}

func TestInputsFromBatchPadding(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	cfg := smallConfig(labels.ScalarID(), false, true)
	b := must.M1(batch.Collate(randomSamples(rng, cfg.Scheme, 3, false)))
	inputs := must.M1(InputsFromBatch(cfg, b, true))
	require.Len(t, inputs, NumInputs(cfg))

	numNodes := inputs[0].Shape().Dimensions[0]
	assert.Greater(t, numNodes, b.State.NumNodes)
	assert.Equal(t, 0, numNodes&(numNodes-1), "node axis must be a power of 2")
	membership := must.M1(inputs[3].ValueSafe()).([]int32)
	assert.Equal(t, b.State.Membership, membership[:b.State.NumNodes])
	for _, m := range membership[b.State.NumNodes:] {
		assert.Equal(t, int32(3), m)
	}
	mask := must.M1(inputs[4].ValueSafe()).([]float32)
	assert.Equal(t, []float32{1, 1, 1, 0}, mask)

	// Depth is required for training.
	b.Depth = nil
	_, err := InputsFromBatch(cfg, b, true)
	require.ErrorIs(t, err, ErrConfig)
	_, err = InputsFromBatch(cfg, b, false)
	require.NoError(t, err)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(1, 2))
	for _, scheme := range []labels.Scheme{labels.ScalarID(), labels.Bitmask(5)} {
		cfg := smallConfig(scheme, true, false)
		e := must.M1(New(backend, cfg))
		assert.Greater(t, e.NumParameters(), 0)

		samples := randomSamples(rng, scheme, 5, true)
		b := must.M1(batch.Collate(samples))
		predictions := must.M1(e.Forward(b))
		require.Len(t, predictions, 5)
		for _, p := range predictions {
			assert.GreaterOrEqual(t, p, float32(cfg.MinValue))
			assert.LessOrEqual(t, p, float32(1-cfg.MinValue))
		}

		// Graphs of a batch don't interact.
		for ii, s := range samples {
			single := must.M1(e.Forward(must.M1(batch.Collate([]*sample.Sample{s}))))
			assert.InDelta(t, predictions[ii], single[0], 1e-5, "scheme %s, sample %d", scheme, ii)
		}
	}
}

func TestForwardErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(3, 4))
	e := must.M1(New(backend, smallConfig(labels.ScalarID(), true, true)))

	// Missing goal.
	_, err := e.Forward(must.M1(batch.Collate(randomSamples(rng, labels.ScalarID(), 2, false))))
	require.ErrorIs(t, err, ErrConfig)

	// Different scheme.
	_, err = e.Forward(must.M1(batch.Collate(randomSamples(rng, labels.Hashed(), 2, true))))
	require.ErrorIs(t, err, ErrConfig)

	// Missing depth is fed as zeros.
	samples := randomSamples(rng, labels.ScalarID(), 2, true)
	for _, s := range samples {
		s.Depth = nil
	}
	_, err = e.Forward(must.M1(batch.Collate(samples)))
	require.NoError(t, err)

	_, err = New(backend, Config{})
	require.ErrorIs(t, err, ErrConfig)
}

func TestCheckpointAndLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(5, 6))
	cfg := smallConfig(labels.Bitmask(4), true, true)
	e := must.M1(New(backend, cfg))
	b := must.M1(batch.Collate(randomSamples(rng, cfg.Scheme, 4, true)))
	want := must.M1(e.Forward(b))

	dir := filepath.Join(t.TempDir(), "best")
	metrics := Metrics{GlobalStep: 10, ValLoss: 0.25, MSE: 0.01, RMSE: 0.1, MAE: 0.05, R2: 0.75}
	require.NoError(t, e.Checkpoint(dir, metrics))
	require.NoError(t, e.Checkpoint(dir, metrics))
	assert.Equal(t, metrics, must.M1(ReadMetrics(dir)))

	loaded := must.M1(Load(backend, dir))
	assert.Equal(t, cfg, loaded.Config())
	assert.Equal(t, want, must.M1(loaded.Forward(b)))

	loaded = must.M1(Load(backend, dir, WithScheme(labels.Bitmask(4))))
	assert.Equal(t, want, must.M1(loaded.Forward(b)))

	_, err := Load(backend, dir, WithScheme(labels.Bitmask(5)))
	require.ErrorIs(t, err, ErrConfig)

	other := cfg
	other.HiddenDim = 16
	_, err = Load(backend, dir, WithArchitecture(other))
	require.ErrorIs(t, err, ErrShapeMismatch)

	other = cfg
	other.NumConvLayers = 3
	_, err = Load(backend, dir, WithArchitecture(other))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Load(backend, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestExport(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig(labels.ScalarID(), true, true)
	e := must.M1(New(backend, cfg))
	scaler := targets.Scaler{Slope: 0.02, Intercept: 0.001, MaxDepth: 40}
	scaler.SetParams(e.Context())

	dir := t.TempDir()
	require.NoError(t, e.Export(dir))
	for _, name := range []string{SignatureFile, ONNXFile, ModelDir} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
	assert.Equal(t, scaler, must.M1(targets.Read(dir)))

	sig := must.M1(ReadSignature(dir))
	assert.NotEmpty(t, sig.ID)
	var names []string
	for _, in := range sig.Inputs {
		names = append(names, in.Name)
	}
	assert.Equal(t, []string{
		"state_node_ids", "state_edge_index", "state_edge_attr", "state_batch",
		"goal_node_ids", "goal_edge_index", "goal_edge_attr", "goal_batch",
		"depth",
	}, names)
	assert.Equal(t, OutputName, sig.Output.Name)
	assert.Equal(t, ONNXFile, sig.Model)
	assert.Equal(t, ModelInputSpecs(cfg), sig.ModelInputs)
	assert.Equal(t, TensorSpec{"state_edge_index", "int32", []string{"2", AxisStateEdges}}, sig.ModelInputs[1])

	bits := NewSignature(smallConfig(labels.Bitmask(7), false, false))
	in, found := bits.Input("state_node_bits")
	require.True(t, found)
	assert.Equal(t, []string{AxisStateNodes, "7"}, in.Dims)
	_, found = bits.Input("depth")
	assert.False(t, found)
}
