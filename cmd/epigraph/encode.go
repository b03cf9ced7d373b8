// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/epiplan/epigraph/pkg/dotgraph"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
)

// schemeOf returns the scheme given in a -scheme flag or, if empty, the one of the hyperparameters.
func (e *env) schemeOf(flagValue string) (labels.Scheme, error) {
	if flagValue != "" {
		return labels.ParseScheme(flagValue)
	}
	cfg, err := estimator.ConfigFromContext(e.ctx)
	if err != nil {
		return labels.Scheme{}, err
	}
	return cfg.Scheme, nil
}

func runEncode(e *env, args []string) error {
	fs := newFlagSet("encode")
	goalPath := fs.String("goal", "", "Goal graph to encode along with the state.")
	schemeName := fs.String("scheme", "", `Encoding scheme: "SCALAR_ID", "HASHED" or "BITMASK(<width>)". `+
		`Defaults to the encoding_scheme hyperparameter.`)
	maxNodes := fs.Int("max_nodes", 20, "Maximum number of nodes listed per graph, 0 for all.")
	positional, err := parseArgs(fs, args, 1, 1)
	if err != nil {
		return err
	}
	scheme, err := e.schemeOf(*schemeName)
	if err != nil {
		return err
	}
	paths := []string{positional[0]}
	if *goalPath != "" {
		paths = append(paths, *goalPath)
	}
	for ii, path := range paths {
		g, err := dotgraph.Load(path)
		if err != nil {
			return err
		}
		encoded, err := sample.Encode(g, scheme)
		if err != nil {
			return err
		}
		kind := "State"
		if ii == 1 {
			kind = "Goal"
		}
		if err = printGraph(e, kind, g, encoded, *maxNodes); err != nil {
			return err
		}
	}
	return nil
}

func printGraph(e *env, kind string, g *dotgraph.Graph, encoded *sample.GraphTensor, maxNodes int) error {
	reach, err := g.Reachability()
	if err != nil {
		return err
	}
	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.AddRow(false, "file", g.Name)
	summary.AddRow(false, "tensors", encoded.String())
	summary.AddRow(false, "designated", fmt.Sprintf("%v", g.Designated()))
	summary.AddRow(reach.Unreachable > 0, "reachable", strconv.Itoa(reach.Reachable))
	summary.AddRow(reach.Unreachable > 0, "unreachable", strconv.Itoa(reach.Unreachable))
	summary.AddRow(false, "max depth", strconv.Itoa(reach.MaxDepth))
	summary.Print(e.out, kind)

	nodes := newTable(lipgloss.Right, lipgloss.Left)
	nodes.Headers("#", "ID", "Label", "Features", "Out edges")
	outEdges := make([][]string, encoded.NumNodes)
	for ii := range encoded.NumEdges() {
		from := encoded.EdgeIndex[0][ii]
		outEdges[from] = append(outEdges[from], fmt.Sprintf("%d:%g", encoded.EdgeIndex[1][ii], encoded.EdgeAttr[ii]))
	}
	for ii, node := range g.Nodes {
		if maxNodes > 0 && ii >= maxNodes {
			nodes.AddRow(false, "...", fmt.Sprintf("%d more", len(g.Nodes)-ii))
			break
		}
		var features string
		if encoded.IsScalar() {
			features = fmt.Sprintf("%.6g", encoded.IDs[ii])
		} else {
			var sb strings.Builder
			for _, bit := range encoded.Bits[ii*encoded.Width : (ii+1)*encoded.Width] {
				sb.WriteByte('0' + bit)
			}
			features = sb.String()
		}
		nodes.AddRow(node.Shape == dotgraph.ShapeDoubleCircle,
			strconv.Itoa(ii), node.ID, node.Label, features, strings.Join(outEdges[ii], " "))
	}
	nodes.Print(e.out, "")
	return nil
}
