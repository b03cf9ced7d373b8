// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// Scopes of the model variables.
const (
	ScopeModel        = "model"
	ScopeStateEncoder = "state_encoder"
	ScopeGoalEncoder  = "goal_encoder"
	ScopeRegressor    = "regressor"
)

// graphInputs are the model inputs of one (padded) disjoint union of graphs.
type graphInputs struct {
	// nodes are shaped [numNodes, 1] (float32 normalized ids) or [numNodes, width] (uint8 bits).
	nodes *Node

	// edgeIndex is shaped [2, numEdges] (int32), with "from" and "to" rows.
	edgeIndex *Node

	// edgeAttr is shaped [numEdges, 1] (float32).
	edgeAttr *Node

	// membership is shaped [numNodes] (int32): the graph each node belongs to.
	membership *Node
}

const numInputsPerGraph = 4

// NumInputs returns the number of inputs of ModelGraph for the configuration.
func NumInputs(c Config) int {
	n := numInputsPerGraph + 1 // State graph and graph mask.
	if c.UseGoal {
		n += numInputsPerGraph
	}
	if c.UseDepth {
		n++
	}
	return n
}

// ModelGraph builds the distance estimator. It is a train.ModelFn: the configuration is read from
// the hyperparameters in ctx, and spec is ignored.
//
// Inputs are, in order (see InputsFromBatch):
//
//   - State graph: nodes, edge index, edge attributes and membership.
//   - Goal graph (if use_goal): same as the state graph.
//   - Graph mask: float32 [numGraphs], 1 for real graphs and 0 for padding.
//   - Depth (if use_depth): float32 [numGraphs], already normalized.
//
// It returns the estimated normalized distance shaped [numGraphs], with padding graphs set to 0.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		panic(err)
	}
	if len(inputs) != NumInputs(cfg) {
		exceptions.Panicf("model with %s takes %d inputs, got %d", cfg, NumInputs(cfg), len(inputs))
	}
	ctx = ctx.In(ScopeModel)

	next := 0
	takeGraph := func() graphInputs {
		gi := graphInputs{inputs[next], inputs[next+1], inputs[next+2], inputs[next+3]}
		next += numInputsPerGraph
		return gi
	}
	state := takeGraph()
	var goal graphInputs
	if cfg.UseGoal {
		goal = takeGraph()
	}
	graphMask := inputs[next]
	next++
	numGraphs := graphMask.Shape().Dimensions[0]

	parts := []*Node{encodeGraph(ctx, ctx.In(ScopeStateEncoder), cfg, state, numGraphs)}
	if cfg.UseGoal {
		// Label and edge embeddings are shared with the state encoder.
		parts = append(parts, encodeGraph(ctx.Reuse(), ctx.In(ScopeGoalEncoder), cfg, goal, numGraphs))
	}
	if cfg.UseDepth {
		depth := inputs[next]
		parts = append(parts, Reshape(ConvertDType(depth, dtypes.Float32), numGraphs, 1))
	}
	rep := Concatenate(parts, -1)

	regressorCtx := ctx.In(ScopeRegressor)
	x := fnn.New(regressorCtx, rep, 1).
		NumHiddenLayers(1+2*cfg.RegressorBlocks, cfg.RegressorDim).
		Activation(activations.TypeRelu).
		Residual(true).
		Normalization("layer").
		Dropout(cfg.Dropout).
		Done()
	x = Sigmoid(Reshape(x, numGraphs))
	x = ClipScalar(x, cfg.MinValue, 1-cfg.MinValue)
	x = Mul(x, ConvertDType(graphMask, x.DType()))
	return []*Node{x}
}

// encodeGraph embeds the node labels and edge labels (variables in embedCtx), applies the graph
// convolutions (variables in convCtx) and mean-pools the node states per graph.
// It returns the graph embeddings shaped [numGraphs, HiddenDim].
func encodeGraph(embedCtx, convCtx *context.Context, cfg Config, gi graphInputs, numGraphs int) *Node {
	x := ConvertDType(gi.nodes, dtypes.Float32)
	if x.Rank() != 2 || x.Shape().Dimensions[1] != cfg.Scheme.FeatureWidth() {
		exceptions.Panicf("node features for scheme %s must be shaped [num_nodes, %d], got %s",
			cfg.Scheme, cfg.Scheme.FeatureWidth(), gi.nodes.Shape())
	}
	numNodes := x.Shape().Dimensions[0]
	x = mlp(embedCtx.In("id_mlp"), x, cfg.NodeEmbDim)
	edges := mlp(embedCtx.In("edge_mlp"), ConvertDType(gi.edgeAttr, dtypes.Float32), cfg.EdgeEmbDim)

	numEdges := gi.edgeIndex.Shape().Dimensions[1]
	from := Reshape(Slice(gi.edgeIndex, AxisRange(0, 1)), numEdges, 1)
	to := Reshape(Slice(gi.edgeIndex, AxisRange(1, 2)), numEdges, 1)
	for ii := range cfg.NumConvLayers {
		x = gineConv(convCtx.Inf("conv_%d", ii), x, edges, from, to, numNodes, cfg.HiddenDim)
		x = activations.Relu(x)
	}
	membership := Reshape(gi.membership, numNodes, 1)
	return meanPool(x, membership, numGraphs)
}

// mlp is a Linear -> ReLU -> Linear block.
func mlp(ctx *context.Context, x *Node, dim int) *Node {
	x = layers.DenseWithBias(ctx.In("linear_0"), x, dim)
	x = activations.Relu(x)
	return layers.DenseWithBias(ctx.In("linear_1"), x, dim)
}

// gineConv is a GINE graph convolution with sum aggregation:
//
//	x'_i = MLP(x_i + sum_{j->i} ReLU(x_j + W e_ji))
//
// where W projects the edge embedding to the node state dimension.
// from and to are shaped [numEdges, 1].
func gineConv(ctx *context.Context, x, edges, from, to *Node, numNodes, outDim int) *Node {
	inDim := x.Shape().Dimensions[1]
	edges = layers.DenseWithBias(ctx.In("edge_projection"), edges, inDim)
	messages := activations.Relu(Add(Gather(x, from), edges))
	aggregated := Scatter(to, messages, shapes.Make(x.DType(), numNodes, inDim), false, false)
	return mlp(ctx.In("mlp"), Add(x, aggregated), outDim)
}

// meanPool averages the node states of each graph. membership is shaped [numNodes, 1].
// Graphs without nodes get zeros.
func meanPool(x, membership *Node, numGraphs int) *Node {
	g := x.Graph()
	dtype := x.DType()
	numNodes, dim := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	sums := Scatter(membership, x, shapes.Make(dtype, numGraphs, dim), false, false)
	counts := Scatter(membership, Ones(g, shapes.Make(dtype, numNodes, 1)), shapes.Make(dtype, numGraphs, 1), false, false)
	return Div(sums, MaxScalar(counts, 1.0))
}
