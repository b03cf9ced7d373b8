// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package dotgraph

import (
	"fmt"
	"strconv"

	"github.com/katalvlaran/lvlath/bfs"
	"github.com/katalvlaran/lvlath/core"
	"github.com/pkg/errors"
)

// Reachability summarizes which worlds of a state graph can be reached from its designated worlds
// following the accessibility edges.
type Reachability struct {
	// Sources are the indices of the nodes the search started from: the designated worlds, or node 0
	// if the graph has none.
	Sources []int

	Reachable, Unreachable int

	// MaxDepth is the largest number of edges between a source and a reachable node.
	MaxDepth int
}

// String implements fmt.Stringer.
func (r Reachability) String() string {
	return fmt.Sprintf("reachable=%d unreachable=%d max_depth=%d sources=%v",
		r.Reachable, r.Unreachable, r.MaxDepth, r.Sources)
}

// Reachability runs a breadth-first search from every designated world.
// An empty graph yields a zero Reachability.
func (g *Graph) Reachability() (Reachability, error) {
	var r Reachability
	if len(g.Nodes) == 0 {
		return r, nil
	}
	lg := g.toLvlath()
	r.Sources = g.Designated()
	if len(r.Sources) == 0 {
		r.Sources = []int{0}
	}
	depths := make(map[string]int, len(g.Nodes))
	for _, src := range r.Sources {
		res, err := bfs.BFS(lg, vertexID(src))
		if err != nil {
			return Reachability{}, errors.Wrapf(err, "searching %q from node %q", g.Name, g.Nodes[src].ID)
		}
		for id, d := range res.Depth {
			if prev, found := depths[id]; !found || d < prev {
				depths[id] = d
			}
		}
	}
	r.Reachable = len(depths)
	r.Unreachable = len(g.Nodes) - r.Reachable
	for _, d := range depths {
		r.MaxDepth = max(r.MaxDepth, d)
	}
	return r, nil
}

// toLvlath converts the graph to a directed lvlath multigraph whose vertex ids are node indices.
func (g *Graph) toLvlath() *core.Graph {
	lg := core.NewGraph(core.WithDirected(true), core.WithMultiEdges(), core.WithLoops())
	for ii := range g.Nodes {
		// Ids are non-empty and unique, AddVertex can't fail.
		_ = lg.AddVertex(vertexID(ii))
	}
	for _, e := range g.Edges {
		_, _ = lg.AddEdge(vertexID(e.From), vertexID(e.To), 0)
	}
	return lg
}

func vertexID(idx int) string { return strconv.Itoa(idx) }
