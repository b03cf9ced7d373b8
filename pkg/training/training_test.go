// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedLosses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	target := []float32{0.5, 0.2, 0.9, 0.0}
	mask := []bool{true, true, false, false}
	preds := []float32{0.1, 0.4, 0.0, 1.0}

	mse := must.M1(ExecOnce(backend, func(target, mask, preds *Node) *Node {
		return MaskedMeanSquaredError([]*Node{target, mask}, []*Node{preds})
	}, target, mask, preds))
	assert.InDelta(t, (0.16+0.04)/2, tensors.MustCopyFlatData[float32](mse)[0], 1e-6)

	mae := must.M1(ExecOnce(backend, func(target, mask, preds *Node) *Node {
		return MaskedMeanAbsoluteError([]*Node{target, mask}, []*Node{preds})
	}, target, mask, preds))
	assert.InDelta(t, (0.4+0.2)/2, tensors.MustCopyFlatData[float32](mae)[0], 1e-6)

	// Fully masked batches have no loss.
	none := must.M1(ExecOnce(backend, func(target, mask, preds *Node) *Node {
		return MaskedMeanSquaredError([]*Node{target, mask}, []*Node{preds})
	}, target, make([]bool, 4), preds))
	assert.Equal(t, float32(0), tensors.MustCopyFlatData[float32](none)[0])
}

func TestRegressionMetrics(t *testing.T) {
	m := RegressionMetrics([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	assert.Equal(t, 0.0, m.MSE)
	assert.Equal(t, 1.0, m.R2)
	assert.Equal(t, 0.0, m.ValLoss)

	m = RegressionMetrics([]float64{2, 2, 2, 2}, []float64{1, 2, 3, 4})
	assert.InDelta(t, 1.5, m.MSE, 1e-9)
	assert.InDelta(t, 1.0, m.MAE, 1e-9)
	assert.InDelta(t, -0.2, m.R2, 1e-9)
	assert.InDelta(t, 1.2, m.ValLoss, 1e-9)

	// Constant values.
	m = RegressionMetrics([]float64{0.5, 0.7}, []float64{0.5, 0.5})
	assert.Equal(t, 0.0, m.R2)
	assert.InDelta(t, 0.1, m.MAE, 1e-9)
}

func randomSamples(rng *rand.Rand, count int) []*sample.Sample {
	scaler := targets.Default()
	samples := make([]*sample.Sample, count)
	for ii := range samples {
		n := 1 + rng.IntN(5)
		g := &sample.GraphTensor{Scheme: labels.ScalarID(), NumNodes: n, Width: 1, IDs: make([]float32, n)}
		for jj := range g.IDs {
			g.IDs[jj] = float32(labels.NormalizeID(float64(rng.IntN(100))))
		}
		g.EdgeIndex = [2][]int32{make([]int32, n-1), make([]int32, n-1)}
		g.EdgeAttr = make([]float32, n-1)
		for jj := range n - 1 {
			g.EdgeIndex[0][jj], g.EdgeIndex[1][jj] = int32(jj), int32(jj+1)
			g.EdgeAttr[jj] = 1
		}
		distance := float64(n)
		samples[ii] = &sample.Sample{
			State:  g,
			Goal:   g,
			Depth:  sample.Float32(float32(rng.IntN(5))),
			Target: sample.Float32(float32(scaler.Forward(distance))),
			Source: "random",
		}
	}
	return samples
}

func TestTrainerRun(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := estimator.DefaultConfig()
	cfg.HiddenDim, cfg.NodeEmbDim, cfg.EdgeEmbDim, cfg.RegressorDim, cfg.RegressorBlocks = 8, 4, 4, 8, 1
	cfg.UseDepth = true
	model := must.M1(estimator.New(backend, cfg))

	opts := DefaultOptions()
	opts.Epochs = 3
	opts.BatchSize = 4
	opts.OutputDir = filepath.Join(t.TempDir(), "out")
	trainer := must.M1(New(model, targets.Default(), opts))

	rng := rand.New(rand.NewPCG(1, 2))
	best := must.M1(trainer.Run(randomSamples(rng, 10), randomSamples(rng, 5)))
	require.Len(t, trainer.History, 3)
	assert.Equal(t, trainer.BestLoss, best.ValLoss)
	for _, e := range trainer.History {
		assert.GreaterOrEqual(t, e.ValLoss, best.ValLoss)
		assert.Greater(t, e.GlobalStep, 0)
	}

	bestDir := filepath.Join(opts.OutputDir, BestDir)
	assert.Equal(t, best.Metrics, must.M1(estimator.ReadMetrics(bestDir)))
	assert.Equal(t, trainer.History, must.M1(ReadHistory(opts.OutputDir)))
	for _, name := range []string{LossPlotFile, MetricsPlotFile} {
		_, err := os.Stat(filepath.Join(opts.OutputDir, name))
		require.NoError(t, err, name)
	}

	// The best checkpoint carries the target scaler.
	loaded := must.M1(estimator.Load(backend, bestDir))
	assert.Equal(t, targets.Default(), targets.FromContext(loaded.Context()))
}

func TestOptionsFromContext(t *testing.T) {
	ctx := context.New()
	DefaultOptions().SetParams(ctx)
	ctx.SetParam(ParamEpochs, 7)
	opts := OptionsFromContext(ctx, DefaultOptions())
	assert.Equal(t, 7, opts.Epochs)
	assert.Equal(t, DefaultOptions().LearningRate, opts.LearningRate)

	opts.BatchSize = 0
	require.ErrorIs(t, opts.Validate(), estimator.ErrConfig)
}
