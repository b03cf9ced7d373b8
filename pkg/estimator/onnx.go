// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/epiplan/epigraph/internal/onnxwire"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// ONNX versions of the exported model.
const (
	ONNXIRVersion    = 8
	ONNXOpsetVersion = 17
)

// ModelInputSpecs returns the padded inputs of ModelGraph for cfg, in order, as named in the
// exported ONNX model. Padding follows InputsFromBatch.
func ModelInputSpecs(cfg Config) []TensorSpec {
	var specs []TensorSpec
	addGraph := func(prefix, nodesAxis, edgesAxis string) {
		if cfg.Scheme.IsScalar() {
			specs = append(specs, TensorSpec{prefix + "_nodes", "float32", []string{nodesAxis, "1"}})
		} else {
			specs = append(specs, TensorSpec{prefix + "_nodes", "uint8", []string{nodesAxis, fmt.Sprint(cfg.Scheme.Width)}})
		}
		specs = append(specs,
			TensorSpec{prefix + "_edge_index", "int32", []string{"2", edgesAxis}},
			TensorSpec{prefix + "_edge_attr", "float32", []string{edgesAxis, "1"}},
			TensorSpec{prefix + "_membership", "int32", []string{nodesAxis}},
		)
	}
	addGraph("state", AxisStateNodes, AxisStateEdges)
	if cfg.UseGoal {
		addGraph("goal", AxisGoalNodes, AxisGoalEdges)
	}
	specs = append(specs, TensorSpec{"graph_mask", "float32", []string{AxisBatch}})
	if cfg.UseDepth {
		specs = append(specs, TensorSpec{"depth", "float32", []string{AxisBatch}})
	}
	return specs
}

var onnxDataTypes = map[string]onnxwire.DataType{
	"float32": onnxwire.Float,
	"uint8":   onnxwire.Uint8,
	"int32":   onnxwire.Int32,
	"int64":   onnxwire.Int64,
}

// BuildONNX converts the model in ctx to an ONNX model with the same computation as ModelGraph
// at inference (no dropout). The variables are copied as initializers.
//
// It returns ErrShapeMismatch if a variable is missing from ctx or doesn't have the shape
// required by cfg.
func BuildONNX(ctx *context.Context, cfg Config) (model *onnxwire.Model, err error) {
	b := &onnxBuilder{cfg: cfg, added: make(map[string]bool)}
	err = exceptions.TryCatch[error](func() { b.build(ctx.In(ScopeModel)) })
	if err != nil {
		return nil, err
	}
	return &onnxwire.Model{
		IRVersion:       ONNXIRVersion,
		OpsetVersion:    ONNXOpsetVersion,
		ProducerName:    "epigraph",
		ProducerVersion: cfg.String(),
		DocString:       "Distance estimator: inputs are padded as described in signature.json (model_inputs).",
		Graph:           b.graph,
	}, nil
}

// CheckVariables verifies that ctx holds every variable of the model with cfg, with the right
// shape. Variables not yet loaded are read from the checkpoint attached to ctx, if any.
func CheckVariables(ctx *context.Context, cfg Config) error {
	b := &onnxBuilder{cfg: cfg, shapesOnly: true}
	return exceptions.TryCatch[error](func() { b.build(ctx.In(ScopeModel)) })
}

type onnxBuilder struct {
	cfg        Config
	graph      onnxwire.Graph
	shapesOnly bool
	count      int

	// Embedding variables are shared by both encoders: they are added once.
	added map[string]bool
}

// op appends a node and returns the name of its single output.
func (b *onnxBuilder) op(opType string, inputs []string, attrs ...onnxwire.Attribute) string {
	b.count++
	name := fmt.Sprintf("%s_%d", strings.ToLower(opType), b.count)
	b.graph.Nodes = append(b.graph.Nodes, onnxwire.Node{
		Name: name, OpType: opType, Inputs: inputs, Outputs: []string{name}, Attributes: attrs})
	return name
}

func (b *onnxBuilder) unary(opType, x string) string { return b.op(opType, []string{x}) }

func (b *onnxBuilder) binary(opType, x, y string) string { return b.op(opType, []string{x, y}) }

func (b *onnxBuilder) constant(t *onnxwire.Tensor) string {
	return b.op("Constant", nil, onnxwire.Attribute{Name: "value", Type: onnxwire.AttrTensor, Tensor: t})
}

func (b *onnxBuilder) scalar(v float32) string {
	return b.constant(&onnxwire.Tensor{DataType: onnxwire.Float, Floats: []float32{v}})
}

func (b *onnxBuilder) ints(values ...int64) string {
	return b.constant(&onnxwire.Tensor{DataType: onnxwire.Int64, Dims: []int64{int64(len(values))}, Int64s: values})
}

func (b *onnxBuilder) castFloat(x string) string {
	return b.op("Cast", []string{x}, onnxwire.Attribute{Name: "to", Type: onnxwire.AttrInt, Int: int64(onnxwire.Float)})
}

// variable adds the variable name of the scope of ctx as an initializer.
func (b *onnxBuilder) variable(ctx *context.Context, name string, dims ...int) string {
	v := ctx.GetVariable(name)
	fullName := ctx.Scope() + context.ScopeSeparator + name
	if v == nil {
		panic(errors.Wrapf(ErrShapeMismatch, "model with %s requires variable %q", b.cfg, fullName))
	}
	shape := v.Shape()
	if shape.DType != dtypes.Float32 || !slices.Equal(shape.Dimensions, dims) {
		panic(errors.Wrapf(ErrShapeMismatch, "variable %q is shaped %s, model with %s requires (Float32)%v",
			fullName, shape, b.cfg, dims))
	}
	if b.shapesOnly || b.added[fullName] {
		return fullName
	}
	value, err := v.Value()
	if err != nil {
		panic(errors.WithMessagef(err, "reading variable %q", fullName))
	}
	t := onnxwire.Tensor{Name: fullName, DataType: onnxwire.Float, Floats: tensors.MustCopyFlatData[float32](value)}
	for _, d := range dims {
		t.Dims = append(t.Dims, int64(d))
	}
	b.graph.Initializers = append(b.graph.Initializers, t)
	b.added[fullName] = true
	return fullName
}

func (b *onnxBuilder) build(ctx *context.Context) {
	cfg := b.cfg
	for _, spec := range ModelInputSpecs(cfg) {
		info := onnxwire.ValueInfo{Name: spec.Name, DataType: onnxDataTypes[spec.DType]}
		for axis, d := range spec.Dims {
			if size, ok := spec.FixedDim(axis); ok {
				info.Dims = append(info.Dims, onnxwire.Dim{Value: int64(size)})
			} else {
				info.Dims = append(info.Dims, onnxwire.Dim{Param: d})
			}
		}
		b.graph.Inputs = append(b.graph.Inputs, info)
	}
	b.graph.Name = "epigraph_" + strings.ToLower(cfg.Scheme.Kind.String())

	mask := "graph_mask"
	parts := []string{b.encodeGraph(ctx, ctx.In(ScopeStateEncoder), "state", mask)}
	repDim := cfg.HiddenDim
	if cfg.UseGoal {
		parts = append(parts, b.encodeGraph(ctx, ctx.In(ScopeGoalEncoder), "goal", mask))
		repDim += cfg.HiddenDim
	}
	if cfg.UseDepth {
		parts = append(parts, b.op("Unsqueeze", []string{"depth", b.ints(1)}))
		repDim++
	}
	rep := parts[0]
	if len(parts) > 1 {
		rep = b.op("Concat", parts, onnxwire.Attribute{Name: "axis", Type: onnxwire.AttrInt, Int: -1})
	}

	x := b.regressor(ctx.In(ScopeRegressor), rep, repDim)
	x = b.op("Squeeze", []string{x, b.ints(1)})
	// Sigmoid as 1 / (1 + exp(-x)).
	one := b.scalar(1)
	x = b.binary("Div", one, b.binary("Add", one, b.unary("Exp", b.unary("Neg", x))))
	x = b.op("Clip", []string{x, b.scalar(float32(cfg.MinValue)), b.scalar(float32(1 - cfg.MinValue))})
	b.op("Mul", []string{x, mask})
	b.graph.Nodes[len(b.graph.Nodes)-1].Outputs = []string{OutputName}
	b.graph.Outputs = []onnxwire.ValueInfo{{Name: OutputName, DataType: onnxwire.Float, Dims: []onnxwire.Dim{{Param: AxisBatch}}}}
}

// encodeGraph mirrors encodeGraph of ModelGraph for the inputs named prefix_*.
func (b *onnxBuilder) encodeGraph(embedCtx, convCtx *context.Context, prefix, mask string) string {
	cfg := b.cfg
	x := b.castFloat(prefix + "_nodes")
	x = b.mlp(embedCtx.In("id_mlp"), x, cfg.Scheme.FeatureWidth(), cfg.NodeEmbDim)
	edges := b.mlp(embedCtx.In("edge_mlp"), prefix+"_edge_attr", 1, cfg.EdgeEmbDim)

	axis0 := onnxwire.Attribute{Name: "axis", Type: onnxwire.AttrInt, Int: 0}
	edgeIndex := prefix + "_edge_index"
	from := b.op("Gather", []string{edgeIndex, b.constant(&onnxwire.Tensor{DataType: onnxwire.Int64, Int64s: []int64{0}})}, axis0)
	to := b.op("Gather", []string{edgeIndex, b.constant(&onnxwire.Tensor{DataType: onnxwire.Int64, Int64s: []int64{1}})}, axis0)
	to = b.op("Unsqueeze", []string{to, b.ints(1)})

	inDim := cfg.NodeEmbDim
	for ii := range cfg.NumConvLayers {
		x = b.gineConv(convCtx.Inf("conv_%d", ii), x, edges, from, to, inDim, cfg.HiddenDim)
		x = b.unary("Relu", x)
		inDim = cfg.HiddenDim
	}

	// Mean pool: zeros shaped [numGraphs, dim] come from the graph mask.
	membership := b.op("Unsqueeze", []string{prefix + "_membership", b.ints(1)})
	graphZeros := func(dim int) string {
		column := b.op("Unsqueeze", []string{mask, b.ints(1)})
		row := b.constant(&onnxwire.Tensor{DataType: onnxwire.Float, Dims: []int64{1, int64(dim)}, Floats: make([]float32, dim)})
		return b.binary("Mul", column, row)
	}
	reduction := onnxwire.Attribute{Name: "reduction", Type: onnxwire.AttrString, String: "add"}
	sums := b.op("ScatterND", []string{graphZeros(cfg.HiddenDim), membership, x}, reduction)
	ones := b.binary("Add", b.binary("Mul", b.castFloat(membership), b.scalar(0)), b.scalar(1))
	counts := b.op("ScatterND", []string{graphZeros(1), membership, ones}, reduction)
	return b.binary("Div", sums, b.op("Max", []string{counts, b.scalar(1)}))
}

// dense mirrors layers.DenseWithBias for rank-2 inputs.
func (b *onnxBuilder) dense(ctx *context.Context, x string, inDim, outDim int) string {
	ctx = ctx.In("dense")
	w := b.variable(ctx, "weights", inDim, outDim)
	bias := b.variable(ctx, "biases", outDim)
	return b.binary("Add", b.binary("MatMul", x, w), bias)
}

func (b *onnxBuilder) mlp(ctx *context.Context, x string, inDim, dim int) string {
	x = b.dense(ctx.In("linear_0"), x, inDim, dim)
	x = b.unary("Relu", x)
	return b.dense(ctx.In("linear_1"), x, dim, dim)
}

func (b *onnxBuilder) gineConv(ctx *context.Context, x, edges, from, to string, inDim, outDim int) string {
	edges = b.dense(ctx.In("edge_projection"), edges, b.cfg.EdgeEmbDim, inDim)
	messages := b.unary("Relu", b.binary("Add", b.op("Gather", []string{x, from}), edges))
	zeros := b.binary("Mul", x, b.scalar(0))
	aggregated := b.op("ScatterND", []string{zeros, to, messages},
		onnxwire.Attribute{Name: "reduction", Type: onnxwire.AttrString, String: "add"})
	return b.mlp(ctx.In("mlp"), b.binary("Add", x, aggregated), inDim, outDim)
}

// regressor mirrors fnn with ReLU, layer normalization and residual connections.
func (b *onnxBuilder) regressor(ctx *context.Context, x string, inDim int) string {
	cfg := b.cfg
	numHidden := 1 + 2*cfg.RegressorBlocks
	residual, residualDim := "", 0
	dim, outDim := inDim, cfg.RegressorDim
	for ii := range numHidden + 1 {
		var layerCtx *context.Context
		if ii < numHidden {
			layerCtx = ctx.Inf("fnn_hidden_layer_%d", ii)
		} else {
			layerCtx = ctx.In("fnn_output_layer")
			outDim = 1
		}
		if ii > 0 {
			x = b.unary("Relu", x)
			x = b.layerNorm(layerCtx, x, dim)
		}
		if residual != "" && residualDim == dim {
			x = b.binary("Add", x, residual)
		}
		residual, residualDim = x, dim
		w := b.variable(layerCtx, "weights", dim, outDim)
		bias := b.variable(layerCtx, "biases", outDim)
		x = b.binary("Add", b.binary("MatMul", x, w), bias)
		dim = outDim
	}
	return x
}

// layerNorm mirrors layers.LayerNormalization over the last axis.
func (b *onnxBuilder) layerNorm(ctx *context.Context, x string, dim int) string {
	epsilon := context.GetParamOr(ctx, layers.ParamLayerNormEpsilon, 1e-3)
	ctx = ctx.In("layer_normalization")
	gain := b.variable(ctx, "gain", dim)
	offset := b.variable(ctx, "offset", dim)
	lastAxis := []onnxwire.Attribute{
		{Name: "axes", Type: onnxwire.AttrInts, Ints: []int64{-1}},
		{Name: "keepdims", Type: onnxwire.AttrInt, Int: 1},
	}
	centered := b.binary("Sub", x, b.op("ReduceMean", []string{x}, lastAxis...))
	variance := b.op("ReduceMean", []string{b.binary("Mul", centered, centered)}, lastAxis...)
	normalized := b.binary("Div", centered, b.unary("Sqrt", b.binary("Add", variance, b.scalar(float32(epsilon)))))
	return b.binary("Add", b.binary("Mul", normalized, gain), offset)
}
