// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package sample turns a state graph (and optionally a goal graph, a depth and a target distance)
// into a Sample: the per-example tensors consumed by the batch collator and the model.
package sample

import (
	"fmt"

	"github.com/epiplan/epigraph/pkg/dotgraph"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/pkg/errors"
)

// ErrInvariant is returned (wrapped) when a GraphTensor is structurally inconsistent.
var ErrInvariant = errors.New("graph tensor invariant violated")

// GraphTensor holds the numeric form of one graph.
//
// Node features are stored in IDs (scalar schemes, one normalized id per node) or in Bits
// (BITMASK, row-major NumNodes x Width). Edges are stored as a [2, E] index with rows "from" and
// "to", and one float32 attribute per edge.
type GraphTensor struct {
	Scheme labels.Scheme

	NumNodes int

	// Width is 1 for the scalar schemes, the bitmask width otherwise.
	Width int

	IDs  []float32
	Bits []uint8

	EdgeIndex [2][]int32
	EdgeAttr  []float32
}

// IsScalar returns whether the node features are scalar ids.
func (t *GraphTensor) IsScalar() bool { return t.Bits == nil }

// NumEdges returns the number of edges.
func (t *GraphTensor) NumEdges() int { return len(t.EdgeAttr) }

// Validate checks that node features and edges are consistent: one feature row per node, every edge
// endpoint in [0, NumNodes), and one attribute per edge.
func (t *GraphTensor) Validate() error {
	if t.NumNodes < 0 {
		return errors.Wrapf(ErrInvariant, "negative number of nodes %d", t.NumNodes)
	}
	if t.Scheme.IsScalar() != t.IsScalar() || t.Scheme.FeatureWidth() != t.Width {
		return errors.Wrapf(ErrInvariant, "features of width %d don't match scheme %s", t.Width, t.Scheme)
	}
	if t.Bits == nil {
		if t.Width != 1 {
			return errors.Wrapf(ErrInvariant, "scalar node features must have width 1, got %d", t.Width)
		}
		if len(t.IDs) != t.NumNodes {
			return errors.Wrapf(ErrInvariant, "%d node ids for %d nodes", len(t.IDs), t.NumNodes)
		}
	} else {
		if t.IDs != nil {
			return errors.Wrap(ErrInvariant, "both scalar ids and bits are set")
		}
		if len(t.Bits) != t.NumNodes*t.Width {
			return errors.Wrapf(ErrInvariant, "%d node bits for %d nodes of width %d", len(t.Bits), t.NumNodes, t.Width)
		}
	}
	numEdges := len(t.EdgeAttr)
	if len(t.EdgeIndex[0]) != numEdges || len(t.EdgeIndex[1]) != numEdges {
		return errors.Wrapf(ErrInvariant, "edge index has shape [2, %d/%d] but there are %d edge attributes",
			len(t.EdgeIndex[0]), len(t.EdgeIndex[1]), numEdges)
	}
	for row := range 2 {
		for e, v := range t.EdgeIndex[row] {
			if v < 0 || int(v) >= t.NumNodes {
				return errors.Wrapf(ErrInvariant, "edge %d endpoint %d out of range [0, %d)", e, v, t.NumNodes)
			}
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (t *GraphTensor) String() string {
	return fmt.Sprintf("GraphTensor(%s, nodes=%d, edges=%d)", t.Scheme, t.NumNodes, t.NumEdges())
}

// Sample is one training or inference example. Optional values are nil when absent.
type Sample struct {
	State *GraphTensor
	Goal  *GraphTensor
	Depth *float32

	// Target is the scaled distance-to-goal, present for training and evaluation only.
	Target *float32

	// Source is the state file the sample was built from, for error messages.
	Source string
}

// Encode converts a loaded graph: node features in node order, edges in file order.
func Encode(g *dotgraph.Graph, scheme labels.Scheme) (*GraphTensor, error) {
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	n := g.NumNodes()
	t := &GraphTensor{
		Scheme:   scheme,
		NumNodes: n,
		Width:    scheme.FeatureWidth(),
		EdgeAttr: make([]float32, g.NumEdges()),
	}
	if scheme.IsScalar() {
		t.IDs = make([]float32, n)
	} else {
		t.Bits = make([]uint8, n*t.Width)
	}
	for ii, node := range g.Nodes {
		repr, err := labels.EncodeNode(node.Label, scheme)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q of %q", node.ID, g.Name)
		}
		if scheme.IsScalar() {
			t.IDs[ii] = repr.Scalar
		} else {
			copy(t.Bits[ii*t.Width:], repr.Bits)
		}
	}
	t.EdgeIndex[0] = make([]int32, g.NumEdges())
	t.EdgeIndex[1] = make([]int32, g.NumEdges())
	for e, edge := range g.Edges {
		t.EdgeIndex[0][e] = int32(edge.From)
		t.EdgeIndex[1][e] = int32(edge.To)
		t.EdgeAttr[e] = float32(edge.Label)
	}
	return t, nil
}

// GraphSource loads the graph at path. dotgraph.Load is the default.
type GraphSource func(path string) (*dotgraph.Graph, error)

// Options for Build.
type Options struct {
	StatePath string

	// GoalPath is optional.
	GoalPath string

	Depth, Target *float32

	Scheme labels.Scheme

	// Graphs loads the state and goal graphs. If nil, dotgraph.Load is used.
	Graphs GraphSource
}

// Build loads and encodes the state graph (and goal graph, if given) of one sample.
// Build holds no state and can be called concurrently.
func Build(opts Options) (*Sample, error) {
	load := opts.Graphs
	if load == nil {
		load = dotgraph.Load
	}
	s := &Sample{Source: opts.StatePath}
	var err error
	s.State, err = loadAndEncode(load, opts.StatePath, opts.Scheme)
	if err != nil {
		return nil, err
	}
	if opts.GoalPath != "" {
		s.Goal, err = loadAndEncode(load, opts.GoalPath, opts.Scheme)
		if err != nil {
			return nil, err
		}
	}
	if opts.Depth != nil {
		d := *opts.Depth
		s.Depth = &d
	}
	if opts.Target != nil {
		v := *opts.Target
		s.Target = &v
	}
	return s, nil
}

func loadAndEncode(load GraphSource, path string, scheme labels.Scheme) (*GraphTensor, error) {
	g, err := load(path)
	if err != nil {
		return nil, err
	}
	t, err := Encode(g, scheme)
	if err != nil {
		return nil, errors.WithMessagef(err, "encoding %q", path)
	}
	return t, nil
}

// Float32 returns a pointer to v, handy to fill in the optional values of Options.
func Float32(v float32) *float32 { return &v }
