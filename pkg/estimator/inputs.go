// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"slices"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// DepthEpsilon is added to the standard deviation when normalizing depths.
const DepthEpsilon = 1e-6

// Bucketing of the node, edge and graph axes of the model inputs.
var Bucketing = bucketing.Pow2()

// NormalizeDepth standardizes the depths of a batch: (d - mean) / (std + DepthEpsilon), with the
// population standard deviation. A batch where all depths are equal yields exact zeros.
func NormalizeDepth(depths []float32) []float32 {
	normalized := make([]float32, len(depths))
	if len(depths) == 0 || !slices.ContainsFunc(depths, func(d float32) bool { return d != depths[0] }) {
		return normalized
	}
	values := make([]float64, len(depths))
	for ii, d := range depths {
		values[ii] = float64(d)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	for ii, v := range values {
		normalized[ii] = float32((v - mean) / (std + DepthEpsilon))
	}
	return normalized
}

// PaddedGraphs returns the size of the graph axis of the model inputs for a batch of numGraphs graphs.
// There is always at least one padding graph, which owns the padding nodes.
func PaddedGraphs(numGraphs int) int {
	return Bucketing.Bucket(numGraphs + 1)
}

// InputsFromBatch converts a collated batch to the padded model inputs, in the order taken by ModelGraph.
//
// If the model uses depth and the batch has none, zeros are used, unless requireDepth is set
// (training), in which case it is an ErrConfig.
func InputsFromBatch(cfg Config, b *batch.Batch, requireDepth bool) ([]*tensors.Tensor, error) {
	if b == nil || b.State == nil {
		return nil, errors.Wrap(ErrConfig, "empty batch")
	}
	if !b.Scheme.Equal(cfg.Scheme) {
		return nil, errors.Wrapf(ErrConfig, "batch is encoded with %s, model expects %s", b.Scheme, cfg.Scheme)
	}
	if cfg.UseGoal && !b.HasGoal() {
		return nil, errors.Wrap(ErrConfig, "model uses goal graphs but the batch has none")
	}
	if cfg.UseDepth && requireDepth && b.Depth == nil {
		if !b.DepthComplete() {
			return nil, errors.Wrap(ErrConfig, "only some of the samples of the batch have a depth")
		}
		return nil, errors.Wrap(ErrConfig, "model uses depth but the batch has none")
	}

	numGraphs := PaddedGraphs(b.NumGraphs)
	inputs := padGraphs(b.State, b.NumGraphs)
	if cfg.UseGoal {
		inputs = append(inputs, padGraphs(b.Goal, b.NumGraphs)...)
	}
	mask := make([]float32, numGraphs)
	for ii := range b.NumGraphs {
		mask[ii] = 1
	}
	inputs = append(inputs, tensors.FromFlatDataAndDimensions(mask, numGraphs))
	if cfg.UseDepth {
		depth := make([]float32, numGraphs)
		if b.Depth != nil {
			copy(depth, NormalizeDepth(b.Depth))
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(depth, numGraphs))
	}
	return inputs, nil
}

// padGraphs returns the nodes, edge index, edge attributes and membership tensors of g.
//
// Padding nodes have zero features and belong to graph numGraphs (the first padding graph).
// Padding edges are self-loops on the first padding node, with label 0.
func padGraphs(g *batch.Graphs, numGraphs int) []*tensors.Tensor {
	numNodes := Bucketing.Bucket(g.NumNodes + 1)
	numEdges := Bucketing.Bucket(max(g.NumEdges(), 1))
	padNode := int32(g.NumNodes)

	var nodes *tensors.Tensor
	if g.IsScalar() {
		ids := make([]float32, numNodes)
		copy(ids, g.IDs)
		nodes = tensors.FromFlatDataAndDimensions(ids, numNodes, 1)
	} else {
		bits := make([]uint8, numNodes*g.Width)
		copy(bits, g.Bits)
		nodes = tensors.FromFlatDataAndDimensions(bits, numNodes, g.Width)
	}

	edgeIndex := make([]int32, 2*numEdges)
	for ii := range numEdges {
		if ii < g.NumEdges() {
			edgeIndex[ii] = g.EdgeIndex[0][ii]
			edgeIndex[numEdges+ii] = g.EdgeIndex[1][ii]
		} else {
			edgeIndex[ii] = padNode
			edgeIndex[numEdges+ii] = padNode
		}
	}
	edgeAttr := make([]float32, numEdges)
	copy(edgeAttr, g.EdgeAttr)

	membership := make([]int32, numNodes)
	copy(membership, g.Membership)
	for ii := g.NumNodes; ii < numNodes; ii++ {
		membership[ii] = int32(numGraphs)
	}
	return []*tensors.Tensor{
		nodes,
		tensors.FromFlatDataAndDimensions(edgeIndex, 2, numEdges),
		tensors.FromFlatDataAndDimensions(edgeAttr, numEdges, 1),
		tensors.FromFlatDataAndDimensions(membership, numNodes),
	}
}

// LabelsFromBatch returns the training labels of a batch: the padded targets and a boolean mask
// of the real graphs, both shaped [PaddedGraphs(b.NumGraphs)].
func LabelsFromBatch(b *batch.Batch) ([]*tensors.Tensor, error) {
	if b.Target == nil {
		return nil, errors.Wrap(ErrConfig, "batch has no targets")
	}
	numGraphs := PaddedGraphs(b.NumGraphs)
	target := make([]float32, numGraphs)
	copy(target, b.Target)
	mask := make([]bool, numGraphs)
	for ii := range b.NumGraphs {
		mask[ii] = true
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(target, numGraphs),
		tensors.FromFlatDataAndDimensions(mask, numGraphs),
	}, nil
}
