// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomGraph creates a random scalar graph with n nodes and e edges.
func randomGraph(rng *rand.Rand, n, e int) *sample.GraphTensor {
	t := &sample.GraphTensor{
		Scheme:   labels.ScalarID(),
		NumNodes: n,
		Width:    1,
		IDs:      make([]float32, n),
		EdgeAttr: make([]float32, e),
	}
	for ii := range n {
		t.IDs[ii] = rng.Float32()
	}
	t.EdgeIndex[0] = make([]int32, e)
	t.EdgeIndex[1] = make([]int32, e)
	for ii := range e {
		t.EdgeIndex[0][ii] = int32(rng.IntN(n))
		t.EdgeIndex[1][ii] = int32(rng.IntN(n))
		t.EdgeAttr[ii] = float32(rng.IntN(5))
	}
	return t
}

func TestCollateOffsetsAndMembership(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for range 50 {
		k := 1 + rng.IntN(8)
		samples := make([]*sample.Sample, k)
		counts := make([]int, k)
		total := 0
		for ii := range k {
			counts[ii] = 1 + rng.IntN(10)
			total += counts[ii]
			samples[ii] = &sample.Sample{State: randomGraph(rng, counts[ii], rng.IntN(15))}
		}
		b := must.M1(Collate(samples))
		require.Equal(t, k, b.NumGraphs)
		require.NoError(t, b.State.Validate())
		require.Equal(t, total, b.State.NumNodes)
		for _, row := range b.State.EdgeIndex {
			for _, v := range row {
				require.Less(t, int(v), total)
			}
		}

		// Membership: n_i contiguous entries equal to i, in order.
		pos := 0
		for ii, n := range counts {
			for range n {
				require.Equal(t, int32(ii), b.State.Membership[pos])
				pos++
			}
		}
		assert.Equal(t, counts, b.State.NodeCounts(k))

		// Each sample's edges are recovered by subtracting the offset.
		for ii, s := range samples {
			got := must.M1(b.State.Slice(ii))
			require.Equal(t, s.State.EdgeIndex, got.EdgeIndex, "sample %d", ii)
			require.Equal(t, s.State.EdgeAttr, got.EdgeAttr, "sample %d", ii)
			require.Equal(t, s.State.IDs, got.IDs, "sample %d", ii)
		}
	}
}

func TestCollateThreeNodeScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.dot")
	require.NoError(t, os.WriteFile(path, []byte(`digraph {
		0 [label="0"]; 1 [label="1"]; 2 [label="2"];
		0 -> 1 [label="1"];
		1 -> 2 [label="2"];
	}`), 0o644))
	s := must.M1(sample.Build(sample.Options{StatePath: path, Scheme: labels.ScalarID()}))
	assert.Equal(t, 3, s.State.NumNodes)
	assert.Equal(t, 1, s.State.Width)
	assert.Equal(t, []float32{0, float32(labels.NormalizeID(1)), float32(labels.NormalizeID(2))}, s.State.IDs)
	assert.Equal(t, [2][]int32{{0, 1}, {1, 2}}, s.State.EdgeIndex)
	assert.Equal(t, []float32{1, 2}, s.State.EdgeAttr)

	b := must.M1(Collate([]*sample.Sample{s, s}))
	assert.Equal(t, [2][]int32{{0, 1, 3, 4}, {1, 2, 4, 5}}, b.State.EdgeIndex)
	assert.Equal(t, []int32{0, 0, 0, 1, 1, 1}, b.State.Membership)
	assert.Equal(t, []float32{1, 2, 1, 2}, b.State.EdgeAttr)
	assert.Nil(t, b.Goal)
	assert.Nil(t, b.Depth)
	assert.Nil(t, b.Target)
	assert.True(t, b.DepthComplete())
}

func TestCollateOptionalValues(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	mk := func(goal bool, depth, target *float32) *sample.Sample {
		s := &sample.Sample{State: randomGraph(rng, 3, 2), Depth: depth, Target: target}
		if goal {
			s.Goal = randomGraph(rng, 2, 1)
		}
		return s
	}

	b := must.M1(Collate([]*sample.Sample{
		mk(true, sample.Float32(3), sample.Float32(0.5)),
		mk(true, sample.Float32(4), sample.Float32(0.25)),
	}))
	require.NotNil(t, b.Goal)
	assert.Equal(t, []int32{0, 0, 1, 1}, b.Goal.Membership)
	assert.Equal(t, []float32{3, 4}, b.Depth)
	assert.Equal(t, []float32{0.5, 0.25}, b.Target)

	// Mixed goal presence is rejected.
	_, err := Collate([]*sample.Sample{mk(true, nil, nil), mk(false, nil, nil)})
	require.ErrorIs(t, err, ErrComposition)

	// Mixed depth presence is reported, not stacked.
	b = must.M1(Collate([]*sample.Sample{mk(false, sample.Float32(1), nil), mk(false, nil, nil)}))
	assert.Nil(t, b.Depth)
	assert.False(t, b.DepthComplete())
}

func TestCollateErrors(t *testing.T) {
	_, err := Collate(nil)
	require.ErrorIs(t, err, ErrComposition)

	rng := rand.New(rand.NewPCG(1, 2))
	scalar := &sample.Sample{State: randomGraph(rng, 2, 1)}
	bits := &sample.Sample{State: &sample.GraphTensor{
		Scheme:   labels.Bitmask(2),
		NumNodes: 1,
		Width:    2,
		Bits:     []uint8{1, 0},
	}}
	bits.State.EdgeIndex = [2][]int32{{}, {}}
	bits.State.EdgeAttr = []float32{}
	_, err = Collate([]*sample.Sample{scalar, bits})
	require.ErrorIs(t, err, ErrComposition)

	hashed := &sample.Sample{State: randomGraph(rng, 2, 1)}
	hashed.State.Scheme = labels.Hashed()
	_, err = Collate([]*sample.Sample{scalar, hashed})
	require.ErrorIs(t, err, ErrComposition)

	broken := &sample.Sample{State: randomGraph(rng, 2, 1)}
	broken.State.EdgeIndex[1][0] = 9
	_, err = Collate([]*sample.Sample{scalar, broken})
	require.ErrorIs(t, err, sample.ErrInvariant)
}

func TestCollateBitmask(t *testing.T) {
	mk := func(bits ...uint8) *sample.Sample {
		n := len(bits) / 3
		return &sample.Sample{State: &sample.GraphTensor{
			Scheme:    labels.Bitmask(3),
			NumNodes:  n,
			Width:     3,
			Bits:      bits,
			EdgeIndex: [2][]int32{{0}, {int32(n - 1)}},
			EdgeAttr:  []float32{1},
		}}
	}
	b := must.M1(Collate([]*sample.Sample{mk(1, 0, 1), mk(0, 0, 1, 1, 1, 0)}))
	assert.Equal(t, labels.Bitmask(3), b.Scheme)
	assert.Equal(t, []uint8{1, 0, 1, 0, 0, 1, 1, 1, 0}, b.State.Bits)
	assert.Equal(t, [2][]int32{{0, 1}, {0, 2}}, b.State.EdgeIndex)
	got := must.M1(b.State.Slice(1))
	assert.Equal(t, []uint8{0, 0, 1, 1, 1, 0}, got.Bits)
}
