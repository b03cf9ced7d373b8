// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package dotgraph loads the DOT files written by the epistemic planner into a LabeledGraph:
// an ordered list of labeled nodes and an ordered list of labeled edges.
//
// Node order is the order of first appearance in the file, and it defines the row order of every
// tensor later built from the graph.
package dotgraph

import (
	"os"
	"strings"

	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/formats/dot"
	"gonum.org/v1/gonum/graph/formats/dot/ast"
)

// ErrParse is returned (wrapped) when a DOT file can't be read or parsed.
var ErrParse = errors.New("dot parse error")

// ShapeCategory of a node: only the designated world (drawn as a double circle) is distinguished.
type ShapeCategory int

const (
	ShapeCircle       ShapeCategory = 0
	ShapeDoubleCircle ShapeCategory = 1
)

// Node of a LabeledGraph.
type Node struct {
	// ID is the DOT node id, unquoted.
	ID string

	// Label is the "label" attribute (unquoted) or, if absent, the ID.
	Label string

	Shape ShapeCategory
}

// Edge of a LabeledGraph. From and To are indices into Graph.Nodes.
type Edge struct {
	From, To int

	// Label is the integer "label" attribute, 0 if absent or not an integer.
	Label int
}

// Graph is a LabeledGraph: nodes in first-appearance order and edges in file order.
type Graph struct {
	Name  string
	Nodes []Node
	Edges []Edge

	index map[string]int
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.Nodes) }

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int { return len(g.Edges) }

// Index returns the position of the node with the given id.
func (g *Graph) Index(id string) (int, bool) {
	idx, found := g.index[id]
	return idx, found
}

// Designated returns the indices of the nodes with ShapeDoubleCircle, in node order.
func (g *Graph) Designated() []int {
	var idx []int
	for ii, n := range g.Nodes {
		if n.Shape == ShapeDoubleCircle {
			idx = append(idx, ii)
		}
	}
	return idx
}

// Load reads and parses the DOT file at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "reading %q: %v", path, err)
	}
	return Parse(path, data)
}

// Parse parses DOT source. The name is used for error messages and as the Graph.Name.
// Bare negative integer ids are quoted (see QuoteNegativeIDs) before parsing.
// Only the first graph of the source is used.
func Parse(name string, data []byte) (*Graph, error) {
	file, err := dot.ParseBytes(QuoteNegativeIDs(data))
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "parsing %q: %v", name, err)
	}
	if len(file.Graphs) == 0 {
		return nil, errors.Wrapf(ErrParse, "%q contains no graph", name)
	}
	b := &builder{
		g: &Graph{Name: name, index: make(map[string]int)},
	}
	if err := b.stmts(file.Graphs[0].Stmts); err != nil {
		return nil, errors.Wrapf(ErrParse, "%q: %v", name, err)
	}
	return b.g, nil
}

// builder flattens the DOT statements into a Graph.
type builder struct {
	g *Graph

	// nodeShape is the shape set by the latest `node [shape=...]` statement.
	nodeShape ShapeCategory

	// trackers collect the nodes mentioned inside subgraphs used as edge endpoints (innermost last).
	trackers [][]int
}

func (b *builder) stmts(stmts []ast.Stmt) error {
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *ast.NodeStmt:
			idx := b.node(s.Node.ID)
			b.applyNodeAttrs(idx, s.Attrs)
		case *ast.EdgeStmt:
			if err := b.edgeChain(s); err != nil {
				return err
			}
		case *ast.Subgraph:
			if err := b.stmts(s.Stmts); err != nil {
				return err
			}
		case *ast.AttrStmt:
			if s.Kind == ast.NodeKind {
				for _, attr := range s.Attrs {
					if attr.Key == "shape" {
						b.nodeShape = shapeOf(attr.Val)
					}
				}
			}
		case *ast.Attr:
			// Graph attribute: not used.
		}
	}
	return nil
}

// node returns the index of the node with the given raw id, creating it if needed.
func (b *builder) node(rawID string) int {
	id := labels.Unquote(rawID)
	idx, found := b.g.index[id]
	if !found {
		idx = len(b.g.Nodes)
		b.g.Nodes = append(b.g.Nodes, Node{ID: id, Label: id, Shape: b.nodeShape})
		b.g.index[id] = idx
	}
	for ii := range b.trackers {
		b.trackers[ii] = append(b.trackers[ii], idx)
	}
	return idx
}

func (b *builder) applyNodeAttrs(idx int, attrs []*ast.Attr) {
	for _, attr := range attrs {
		switch attr.Key {
		case "label":
			b.g.Nodes[idx].Label = labels.Unquote(attr.Val)
		case "shape":
			b.g.Nodes[idx].Shape = shapeOf(attr.Val)
		}
	}
}

func shapeOf(val string) ShapeCategory {
	if strings.EqualFold(labels.Unquote(val), "doublecircle") {
		return ShapeDoubleCircle
	}
	return ShapeCircle
}

// vertex resolves an edge endpoint to node indices: one node, or every node mentioned in a subgraph.
func (b *builder) vertex(v ast.Vertex) ([]int, error) {
	switch vv := v.(type) {
	case *ast.Node:
		return []int{b.node(vv.ID)}, nil
	case *ast.Subgraph:
		b.trackers = append(b.trackers, nil)
		err := b.stmts(vv.Stmts)
		mentioned := b.trackers[len(b.trackers)-1]
		b.trackers = b.trackers[:len(b.trackers)-1]
		if err != nil {
			return nil, err
		}
		return dedup(mentioned), nil
	default:
		return nil, errors.Errorf("unsupported edge endpoint %T", v)
	}
}

// edgeChain expands `a -> b -> c [attrs]` into consecutive edges sharing the attributes.
func (b *builder) edgeChain(s *ast.EdgeStmt) error {
	label := 0
	for _, attr := range s.Attrs {
		if attr.Key == "label" {
			label = labels.EncodeEdgeLabel(attr.Val)
		}
	}
	from, err := b.vertex(s.From)
	if err != nil {
		return err
	}
	for e := s.To; e != nil; e = e.To {
		to, err := b.vertex(e.Vertex)
		if err != nil {
			return err
		}
		for _, f := range from {
			for _, t := range to {
				b.g.Edges = append(b.g.Edges, Edge{From: f, To: t, Label: label})
			}
		}
		from = to
	}
	return nil
}

func dedup(idx []int) []int {
	seen := make(map[int]bool, len(idx))
	out := idx[:0]
	for _, i := range idx {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}
