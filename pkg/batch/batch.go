// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package batch collates samples into one disjoint-union Batch.
//
// Nodes of all samples are concatenated in sample order, edge indices are shifted by the number of
// nodes of the preceding samples and a membership vector maps every node back to its sample.
package batch

import (
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/pkg/errors"
)

// ErrComposition is returned (wrapped) when samples can't be collated together.
var ErrComposition = errors.New("invalid batch composition")

// Graphs is the disjoint union of one graph per sample.
type Graphs struct {
	sample.GraphTensor

	// Membership holds, for every node, the index of the sample it belongs to.
	Membership []int32
}

// Batch of collated samples.
type Batch struct {
	NumGraphs int
	Scheme    labels.Scheme

	State *Graphs

	// Goal is nil if the samples have no goal graph.
	Goal *Graphs

	// Depth is nil unless every sample has a depth.
	Depth []float32

	// Target is nil unless every sample has a target.
	Target []float32

	// Sources of the samples, for error messages.
	Sources []string

	depthPartial bool
}

// DepthComplete returns false if some, but not all, samples had a depth.
// Such a batch has a nil Depth and can't be used for training with depth.
func (b *Batch) DepthComplete() bool { return !b.depthPartial }

// HasGoal returns whether the batch has goal graphs.
func (b *Batch) HasGoal() bool { return b.Goal != nil }

// Collate builds a Batch. All samples must use the same encoding scheme, and either all or none
// must have a goal graph.
func Collate(samples []*sample.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.Wrap(ErrComposition, "no samples to collate")
	}
	for ii, s := range samples {
		if s == nil || s.State == nil {
			return nil, errors.Wrapf(ErrComposition, "sample #%d has no state graph", ii)
		}
	}
	first := samples[0].State
	b := &Batch{NumGraphs: len(samples), Scheme: first.Scheme, Sources: make([]string, len(samples))}

	numGoals, numDepths, numTargets := 0, 0, 0
	for ii, s := range samples {
		b.Sources[ii] = s.Source
		if !s.State.Scheme.Equal(b.Scheme) {
			return nil, errors.Wrapf(ErrComposition, "sample #%d (%s) is encoded with %s, sample #0 with %s",
				ii, s.Source, s.State.Scheme, b.Scheme)
		}
		if s.Goal != nil {
			if !s.Goal.Scheme.Equal(b.Scheme) {
				return nil, errors.Wrapf(ErrComposition, "goal of sample #%d (%s) is encoded with %s, states with %s",
					ii, s.Source, s.Goal.Scheme, b.Scheme)
			}
			numGoals++
		}
		if s.Depth != nil {
			numDepths++
		}
		if s.Target != nil {
			numTargets++
		}
	}
	if numGoals != 0 && numGoals != len(samples) {
		return nil, errors.Wrapf(ErrComposition, "%d of %d samples have a goal graph: all or none must have one",
			numGoals, len(samples))
	}

	var err error
	b.State, err = concat(samples, func(s *sample.Sample) *sample.GraphTensor { return s.State })
	if err != nil {
		return nil, err
	}
	if numGoals > 0 {
		b.Goal, err = concat(samples, func(s *sample.Sample) *sample.GraphTensor { return s.Goal })
		if err != nil {
			return nil, err
		}
	}
	if numDepths == len(samples) {
		b.Depth = make([]float32, len(samples))
		for ii, s := range samples {
			b.Depth[ii] = *s.Depth
		}
	} else if numDepths > 0 {
		b.depthPartial = true
	}
	if numTargets == len(samples) {
		b.Target = make([]float32, len(samples))
		for ii, s := range samples {
			b.Target[ii] = *s.Target
		}
	}
	return b, nil
}

// concat builds the disjoint union of the graphs selected from each sample.
func concat(samples []*sample.Sample, selectFn func(*sample.Sample) *sample.GraphTensor) (*Graphs, error) {
	var numNodes, numEdges int
	for ii, s := range samples {
		t := selectFn(s)
		if err := t.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "sample #%d (%s)", ii, s.Source)
		}
		numNodes += t.NumNodes
		numEdges += t.NumEdges()
	}
	first := selectFn(samples[0])
	g := &Graphs{
		GraphTensor: sample.GraphTensor{
			Scheme:   first.Scheme,
			NumNodes: numNodes,
			Width:    first.Width,
			EdgeAttr: make([]float32, 0, numEdges),
		},
		Membership: make([]int32, 0, numNodes),
	}
	if first.IsScalar() {
		g.IDs = make([]float32, 0, numNodes)
	} else {
		g.Bits = make([]uint8, 0, numNodes*first.Width)
	}
	g.EdgeIndex[0] = make([]int32, 0, numEdges)
	g.EdgeIndex[1] = make([]int32, 0, numEdges)

	var offset int32
	for ii, s := range samples {
		t := selectFn(s)
		if t.IsScalar() {
			g.IDs = append(g.IDs, t.IDs...)
		} else {
			g.Bits = append(g.Bits, t.Bits...)
		}
		for row := range 2 {
			for _, v := range t.EdgeIndex[row] {
				g.EdgeIndex[row] = append(g.EdgeIndex[row], v+offset)
			}
		}
		g.EdgeAttr = append(g.EdgeAttr, t.EdgeAttr...)
		for range t.NumNodes {
			g.Membership = append(g.Membership, int32(ii))
		}
		offset += int32(t.NumNodes)
	}
	return g, nil
}

// NodeCounts returns the number of nodes of each of the numGraphs graphs.
func (g *Graphs) NodeCounts(numGraphs int) []int {
	counts := make([]int, numGraphs)
	for _, m := range g.Membership {
		if int(m) < numGraphs {
			counts[m]++
		}
	}
	return counts
}

// Slice extracts graph i back from the union.
// It relies on nodes being contiguous per graph, which Collate guarantees.
func (g *Graphs) Slice(i int) (*sample.GraphTensor, error) {
	start, end := -1, -1
	for n, m := range g.Membership {
		if int(m) == i {
			if start < 0 {
				start = n
			}
			end = n + 1
		}
	}
	t := &sample.GraphTensor{Scheme: g.Scheme, Width: g.Width}
	if start < 0 {
		// Empty graph: it still needs its edges (none) and features (none).
		start, end = 0, 0
		for n, m := range g.Membership {
			if int(m) > i {
				start, end = n, n
				break
			}
		}
	}
	t.NumNodes = end - start
	if g.IsScalar() {
		t.IDs = append([]float32{}, g.IDs[start:end]...)
	} else {
		t.Bits = append([]uint8{}, g.Bits[start*g.Width:end*g.Width]...)
	}
	t.EdgeIndex[0] = []int32{}
	t.EdgeIndex[1] = []int32{}
	t.EdgeAttr = []float32{}
	for e := range g.EdgeAttr {
		from := int(g.EdgeIndex[0][e])
		if from < start || from >= end {
			continue
		}
		t.EdgeIndex[0] = append(t.EdgeIndex[0], int32(from-start))
		t.EdgeIndex[1] = append(t.EdgeIndex[1], g.EdgeIndex[1][e]-int32(start))
		t.EdgeAttr = append(t.EdgeAttr, g.EdgeAttr[e])
	}
	if err := t.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "graph %d of batch", i)
	}
	return t, nil
}
