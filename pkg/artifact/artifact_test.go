// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand, scheme labels.Scheme, count int) *batch.Batch {
	graph := func(n, e int) *sample.GraphTensor {
		t := &sample.GraphTensor{Scheme: scheme, NumNodes: n, Width: scheme.FeatureWidth(), EdgeAttr: make([]float32, e)}
		if scheme.IsScalar() {
			t.IDs = make([]float32, n)
			for ii := range t.IDs {
				t.IDs[ii] = float32(labels.NormalizeID(float64(rng.IntN(500))))
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
			t.EdgeAttr[ii] = float32(rng.IntN(3))
		}
		return t
	}
	samples := make([]*sample.Sample, count)
	for ii := range samples {
		samples[ii] = &sample.Sample{
			State: graph(1+rng.IntN(7), rng.IntN(12)),
			Goal:  graph(1+rng.IntN(3), rng.IntN(4)),
			Depth: sample.Float32(float32(rng.IntN(10))),
		}
	}
	return must.M1(batch.Collate(samples))
}

func exportModel(t *testing.T, scheme labels.Scheme) (*estimator.Estimator, string) {
	cfg := estimator.DefaultConfig()
	cfg.HiddenDim, cfg.NodeEmbDim, cfg.EdgeEmbDim, cfg.RegressorDim = 8, 4, 4, 8
	cfg.Scheme = scheme
	e := must.M1(estimator.New(graphtest.BuildTestBackend(), cfg))
	dir := t.TempDir()
	require.NoError(t, e.Export(dir))
	return e, dir
}

func TestRunMatchesForward(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	for _, scheme := range []labels.Scheme{labels.ScalarID(), labels.Hashed(), labels.Bitmask(6)} {
		e, dir := exportModel(t, scheme)
		runner := must.M1(Open(graphtest.BuildTestBackend(), dir))
		for range 3 {
			b := randomBatch(rng, scheme, 1+rng.IntN(5))
			want := must.M1(e.Forward(b))
			feeds := must.M1(FeedsFromBatch(runner.Signature(), b))
			got := must.M1(runner.Run(feeds))
			assert.Equal(t, []int{b.NumGraphs}, got.Shape().Dimensions)
			assert.InDeltaSlice(t, want, tensors.MustCopyFlatData[float32](got), 1e-5, "scheme %s", scheme)
		}
	}
}

func TestRunEmptyGraph(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	scheme := labels.Bitmask(5)
	e, dir := exportModel(t, scheme)
	runner := must.M1(Open(graphtest.BuildTestBackend(), dir))

	b := randomBatch(rng, scheme, 3)
	samples := make([]*sample.Sample, b.NumGraphs)
	for ii := range samples {
		samples[ii] = &sample.Sample{State: must.M1(b.State.Slice(ii)), Goal: must.M1(b.Goal.Slice(ii)), Depth: sample.Float32(float32(ii))}
	}
	// The middle state has no nodes and no edges.
	samples[1].State = &sample.GraphTensor{Scheme: scheme, Width: scheme.FeatureWidth(), Bits: []uint8{},
		EdgeIndex: [2][]int32{{}, {}}, EdgeAttr: []float32{}}
	b = must.M1(batch.Collate(samples))
	require.Equal(t, 3, b.NumGraphs)

	want := must.M1(e.Forward(b))
	got := tensors.MustCopyFlatData[float32](must.M1(runner.Run(must.M1(FeedsFromBatch(runner.Signature(), b)))))
	require.Len(t, got, 3)
	assert.InDeltaSlice(t, want, got, 1e-5)
	for _, v := range got {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestOpenRejectsMismatchedModel(t *testing.T) {
	_, scalarDir := exportModel(t, labels.ScalarID())
	_, bitsDir := exportModel(t, labels.Bitmask(6))
	data := must.M1(os.ReadFile(filepath.Join(bitsDir, estimator.ONNXFile)))
	require.NoError(t, os.WriteFile(filepath.Join(scalarDir, estimator.ONNXFile), data, 0o644))
	// Same input names but a different node feature width.
	runner := must.M1(Open(graphtest.BuildTestBackend(), scalarDir))
	b := randomBatch(rand.New(rand.NewPCG(2, 2)), labels.ScalarID(), 2)
	_, err := runner.Run(must.M1(FeedsFromBatch(runner.Signature(), b)))
	require.Error(t, err)

	sig := must.M1(estimator.ReadSignature(scalarDir))
	sig.UseGoal = false
	writeSignature(t, scalarDir, sig)
	_, err = Open(graphtest.BuildTestBackend(), scalarDir)
	require.ErrorIs(t, err, estimator.ErrConfig)

	sig.Model = ""
	writeSignature(t, scalarDir, sig)
	_, err = Open(graphtest.BuildTestBackend(), scalarDir)
	require.ErrorIs(t, err, estimator.ErrConfig)
}

func writeSignature(t *testing.T, dir string, sig *estimator.Signature) {
	data := must.M1(json.Marshal(sig))
	require.NoError(t, os.WriteFile(filepath.Join(dir, estimator.SignatureFile), data, 0o644))
}

func TestGraphsFromFeedsEdgeIndexLength(t *testing.T) {
	scheme := labels.ScalarID()
	feeds := func(edgeIndex *tensors.Tensor, numEdges int) map[string]*tensors.Tensor {
		return map[string]*tensors.Tensor{
			"state_node_ids":   tensors.FromValue([]float32{0.1, 0.2, 0.3}),
			"state_edge_index": edgeIndex,
			"state_edge_attr":  tensors.FromFlatDataAndDimensions(make([]float32, numEdges), numEdges, 1),
			"state_batch":      tensors.FromValue([]int64{0, 0, 1}),
		}
	}
	numGraphs := -1
	g, err := graphsFromFeeds(feeds(tensors.FromValue([][]int64{{0, 1}, {1, 2}}), 2), "state", scheme, &numGraphs)
	require.NoError(t, err)
	assert.Equal(t, [2][]int32{{0, 1}, {1, 2}}, g.EdgeIndex)
	assert.Equal(t, 2, numGraphs)

	for _, edgeIndex := range []*tensors.Tensor{
		tensors.FromValue([]int64{0, 1, 1, 2}),
		tensors.FromValue([][]int64{{0}, {1}, {2}}),
		tensors.FromValue([][]int64{{0, 1, 2}}),
	} {
		numGraphs = -1
		_, err = graphsFromFeeds(feeds(edgeIndex, 2), "state", scheme, &numGraphs)
		require.ErrorIs(t, err, ErrFeed, "edge index shaped %s", edgeIndex.Shape())
	}

	// Edge attributes must match the edge axis.
	numGraphs = -1
	_, err = graphsFromFeeds(feeds(tensors.FromValue([][]int64{{0, 1}, {1, 2}}), 3), "state", scheme, &numGraphs)
	require.ErrorIs(t, err, ErrFeed)
}

func TestRunValidatesFeeds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	_, dir := exportModel(t, labels.ScalarID())
	runner := must.M1(Open(graphtest.BuildTestBackend(), dir))
	b := randomBatch(rng, labels.ScalarID(), 2)
	newFeeds := func() map[string]*tensors.Tensor { return must.M1(FeedsFromBatch(runner.Signature(), b)) }

	feeds := newFeeds()
	delete(feeds, "goal_batch")
	_, err := runner.Run(feeds)
	require.ErrorIs(t, err, ErrFeed)

	feeds = newFeeds()
	feeds["extra"] = tensors.FromValue([]float32{1})
	_, err = runner.Run(feeds)
	require.ErrorIs(t, err, ErrFeed)

	feeds = newFeeds()
	feeds["depth"] = tensors.FromValue([]int64{1, 2})
	_, err = runner.Run(feeds)
	require.ErrorIs(t, err, ErrFeed)

	feeds = newFeeds()
	feeds["state_edge_attr"] = tensors.FromFlatDataAndDimensions(slicesOf[float32](b.State.NumEdges()), b.State.NumEdges())
	_, err = runner.Run(feeds)
	require.ErrorIs(t, err, ErrFeed)

	// Edge pointing past the last node.
	feeds = newFeeds()
	edges := tensors.MustCopyFlatData[int64](feeds["goal_edge_index"])
	if len(edges) > 0 {
		edges[0] = int64(b.Goal.NumNodes)
		feeds["goal_edge_index"] = tensors.FromFlatDataAndDimensions(edges, 2, len(edges)/2)
		_, err = runner.Run(feeds)
		require.ErrorIs(t, err, ErrFeed)
	}

	// Node axis disagreement between inputs.
	feeds = newFeeds()
	feeds["state_node_ids"] = tensors.FromFlatDataAndDimensions(slicesOf[float32](b.State.NumNodes+1), b.State.NumNodes+1)
	_, err = runner.Run(feeds)
	require.ErrorIs(t, err, ErrFeed)
}

func slicesOf[T any](n int) []T { return make([]T, n) }
