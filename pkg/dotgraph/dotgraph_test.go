// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package dotgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeWorlds = `digraph G {
	0 [label="0", shape=doublecircle];
	1 [label="1", shape=circle];
	2 [label="2", shape=circle];
	0 -> 1 [label="3"];
	1 -> 2 [label="5"];
}
`

func writeDot(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	g := must.M1(Load(writeDot(t, "state.dot", threeWorlds)))
	require.Equal(t, 3, g.NumNodes())
	require.Equal(t, 2, g.NumEdges())
	assert.Equal(t, []Node{
		{ID: "0", Label: "0", Shape: ShapeDoubleCircle},
		{ID: "1", Label: "1", Shape: ShapeCircle},
		{ID: "2", Label: "2", Shape: ShapeCircle},
	}, g.Nodes)
	assert.Equal(t, []Edge{{From: 0, To: 1, Label: 3}, {From: 1, To: 2, Label: 5}}, g.Edges)
	assert.Equal(t, []int{0}, g.Designated())

	idx, found := g.Index("2")
	require.True(t, found)
	assert.Equal(t, 2, idx)
	_, found = g.Index("7")
	assert.False(t, found)
}

func TestNodeOrderFollowsFirstAppearance(t *testing.T) {
	// Node "b" first appears in an edge statement, before its own node statement.
	g := must.M1(Parse("order", []byte(`digraph {
		c [label="30"];
		c -> b;
		a [label="10"];
		b [label="20" shape=doublecircle];
		a -> c -> b [label=7];
	}`)))
	ids := make([]string, len(g.Nodes))
	for ii, n := range g.Nodes {
		ids[ii] = n.ID
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
	assert.Equal(t, "20", g.Nodes[1].Label)
	assert.Equal(t, ShapeDoubleCircle, g.Nodes[1].Shape)
	assert.Equal(t, []Edge{
		{From: 0, To: 1, Label: 0},
		{From: 2, To: 0, Label: 7},
		{From: 0, To: 1, Label: 7},
	}, g.Edges)
}

func TestLabelDefaultsAndEdgeLabels(t *testing.T) {
	g := must.M1(Parse("defaults", []byte(`digraph {
		"0101";
		w1 [label=""];
		"0101" -> w1 [label="x"];
		w1 -> w1;
	}`)))
	assert.Equal(t, "0101", g.Nodes[0].Label, "label defaults to the id")
	assert.Equal(t, "", g.Nodes[1].Label)
	assert.Equal(t, []Edge{{From: 0, To: 1, Label: 0}, {From: 1, To: 1, Label: 0}}, g.Edges)
}

func TestSubgraphsAreFlattened(t *testing.T) {
	g := must.M1(Parse("sub", []byte(`digraph {
		node [shape=doublecircle];
		x;
		node [shape=circle];
		subgraph cluster_0 { y; z; y -> z [label=2]; }
		x -> { y z } [label=1];
	}`)))
	require.Equal(t, 3, g.NumNodes())
	assert.Equal(t, ShapeDoubleCircle, g.Nodes[0].Shape)
	assert.Equal(t, ShapeCircle, g.Nodes[1].Shape)
	assert.Equal(t, []Edge{
		{From: 1, To: 2, Label: 2},
		{From: 0, To: 1, Label: 1},
		{From: 0, To: 2, Label: 1},
	}, g.Edges)
}

func TestNegativeIDs(t *testing.T) {
	g := must.M1(Parse("goal_tree", []byte(`digraph {
		-1 [label=-1];
		-1 -> 4 [label=-2];
		4 -> 5;
	}`)))
	require.Equal(t, 3, g.NumNodes())
	assert.Equal(t, "-1", g.Nodes[0].ID)
	assert.Equal(t, "-1", g.Nodes[0].Label)
	assert.Equal(t, -2, g.Edges[0].Label)
}

func TestQuoteNegativeIDs(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{`-1 -> 3`, `"-1" -> 3`},
		{`a->-12;`, `a->"-12";`},
		{`"-1" -> 2`, `"-1" -> 2`},
		{`x-1 -> 2`, `x-1 -> 2`},
		{`-1a -> 2`, `-1a -> 2`},
		{`-1.5`, `-1.5`},
		{`n [label="w -1 v"]`, `n [label="w -1 v"]`},
		{`a -- -7`, `a -- "-7"`},
		{`no negatives`, `no negatives`},
	} {
		assert.Equal(t, tc.want, string(QuoteNegativeIDs([]byte(tc.in))), "input %q", tc.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		`digraph { a -> ; }`,
		`digraph { a [label="3" }`,
		``,
	} {
		_, err := Parse("broken", []byte(src))
		require.ErrorIs(t, err, ErrParse, "source %q", src)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.dot"))
	require.ErrorIs(t, err, ErrParse)
	require.Contains(t, err.Error(), "missing.dot")
}

func TestReachability(t *testing.T) {
	g := must.M1(Parse("reach", []byte(`digraph {
		0 [shape=doublecircle];
		1; 2; 3;
		0 -> 1; 1 -> 2; 2 -> 0; 3 -> 0;
	}`)))
	r := must.M1(g.Reachability())
	assert.Equal(t, []int{0}, r.Sources)
	assert.Equal(t, 3, r.Reachable)
	assert.Equal(t, 1, r.Unreachable)
	assert.Equal(t, 2, r.MaxDepth)

	// Without designated worlds the search starts at node 0.
	g = must.M1(Parse("plain", []byte(`digraph { a -> b; b -> b; }`)))
	r = must.M1(g.Reachability())
	assert.Equal(t, []int{0}, r.Sources)
	assert.Equal(t, 2, r.Reachable)
	assert.Equal(t, 1, r.MaxDepth)

	r = must.M1((&Graph{}).Reachability())
	assert.Zero(t, r.Reachable)
}
