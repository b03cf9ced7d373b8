// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact runs exported distance estimators.
//
// An artifact directory (see estimator.Export) holds a signature, describing the named inputs and
// their symbolic axes, and an ONNX model. The Runner validates named feeds against the signature,
// pads them into the ONNX model inputs and executes the ONNX graph with onnx-gomlx. It doesn't use
// the estimator model code, so its output can be checked against estimator.Estimator.Forward.
package artifact

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrFeed is returned (wrapped) when the feeds don't match the artifact signature.
var ErrFeed = errors.New("invalid artifact feed")

// Runner executes an exported artifact.
type Runner struct {
	dir       string
	signature *estimator.Signature
	cfg       estimator.Config
	scaler    targets.Scaler

	mu   sync.Mutex
	exec *context.Exec
}

// Open loads the artifact in dir.
func Open(backend backends.Backend, dir string) (*Runner, error) {
	sig, err := estimator.ReadSignature(dir)
	if err != nil {
		return nil, err
	}
	scheme, err := labels.ParseScheme(sig.Scheme)
	if err != nil {
		return nil, errors.WithMessagef(err, "artifact %q", dir)
	}
	if sig.Model == "" {
		return nil, errors.Wrapf(estimator.ErrConfig, "artifact %q signature names no model", dir)
	}
	model, err := onnx.ReadFile(filepath.Join(dir, sig.Model))
	if err != nil {
		return nil, errors.WithMessagef(err, "artifact %q", dir)
	}
	cfg := estimator.Config{Scheme: scheme, UseGoal: sig.UseGoal, UseDepth: sig.UseDepth}
	var want []string
	for _, spec := range estimator.ModelInputSpecs(cfg) {
		want = append(want, spec.Name)
	}
	if !slices.Equal(want, model.InputsNames) {
		return nil, errors.Wrapf(estimator.ErrConfig, "artifact %q signature (scheme=%s, goal=%v, depth=%v) requires model inputs %q, %s takes %q",
			dir, scheme, sig.UseGoal, sig.UseDepth, want, sig.Model, model.InputsNames)
	}
	scaler, err := targets.Read(dir)
	if err != nil {
		return nil, err
	}

	ctx := context.New()
	if err = model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "artifact %q", dir)
	}
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		named := make(map[string]*Node, len(inputs))
		for ii, name := range model.InputsNames {
			named[name] = inputs[ii]
		}
		return model.CallGraph(ctx, inputs[0].Graph(), named, estimator.OutputName)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "artifact %q", dir)
	}
	klog.V(1).Infof("opened artifact %s (%s) from %q", sig.ID, scheme, dir)
	return &Runner{dir: dir, signature: sig, cfg: cfg, scaler: scaler, exec: exec}, nil
}

// Signature of the artifact.
func (r *Runner) Signature() *estimator.Signature { return r.signature }

// Scaler returns the target scaler saved with the artifact.
func (r *Runner) Scaler() targets.Scaler { return r.scaler }

// Run executes the artifact and returns the output "distance", shaped [B].
//
// Feeds are validated against the signature: every input must be present, with the declared
// dtype, rank and fixed dimensions, symbolic axes must agree across inputs and edge indices must
// refer to existing nodes.
func (r *Runner) Run(feeds map[string]*tensors.Tensor) (*tensors.Tensor, error) {
	b, err := r.batchFromFeeds(feeds)
	if err != nil {
		return nil, err
	}
	inputs, err := estimator.InputsFromBatch(r.cfg, b, false)
	if err != nil {
		return nil, errors.Wrapf(ErrFeed, "%v", err)
	}
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	var output []float32
	r.mu.Lock()
	err = exceptions.TryCatch[error](func() {
		result := r.exec.MustExec1(args...)
		output = tensors.MustCopyFlatData[float32](result)
		_ = result.FinalizeAll()
	})
	r.mu.Unlock()
	for _, t := range inputs {
		_ = t.FinalizeAll()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "running artifact %q", r.dir)
	}
	return tensors.FromFlatDataAndDimensions(output[:b.NumGraphs], b.NumGraphs), nil
}

var dtypeNames = map[string]dtypes.DType{
	"float32": dtypes.Float32,
	"int64":   dtypes.Int64,
	"uint8":   dtypes.Uint8,
}

// checkFeeds validates feeds against the signature and returns the size of each symbolic axis.
func (r *Runner) checkFeeds(feeds map[string]*tensors.Tensor) (map[string]int, error) {
	for name := range feeds {
		if _, found := r.signature.Input(name); !found {
			return nil, errors.Wrapf(ErrFeed, "unknown input %q", name)
		}
	}
	axes := make(map[string]int)
	for _, input := range r.signature.Inputs {
		t, found := feeds[input.Name]
		if !found || t == nil {
			return nil, errors.Wrapf(ErrFeed, "missing input %q", input.Name)
		}
		if want := dtypeNames[input.DType]; t.DType() != want {
			return nil, errors.Wrapf(ErrFeed, "input %q must be %s, got %s", input.Name, input.DType, t.DType())
		}
		if t.Rank() != input.Rank() {
			return nil, errors.Wrapf(ErrFeed, "input %q must be rank %d (%v), got shape %s",
				input.Name, input.Rank(), input.Dims, t.Shape())
		}
		for axis, dimName := range input.Dims {
			got := t.Shape().Dimensions[axis]
			if fixed, ok := input.FixedDim(axis); ok {
				if got != fixed {
					return nil, errors.Wrapf(ErrFeed, "input %q axis %d must be %d, got shape %s",
						input.Name, axis, fixed, t.Shape())
				}
				continue
			}
			if prev, found := axes[dimName]; found && prev != got {
				return nil, errors.Wrapf(ErrFeed, "input %q axis %d (%s) is %d, but %s=%d in other inputs",
					input.Name, axis, dimName, got, dimName, prev)
			}
			axes[dimName] = got
		}
	}
	return axes, nil
}

// batchFromFeeds validates the feeds and rebuilds the collated batch they represent.
func (r *Runner) batchFromFeeds(feeds map[string]*tensors.Tensor) (*batch.Batch, error) {
	axes, err := r.checkFeeds(feeds)
	if err != nil {
		return nil, err
	}
	scheme := r.cfg.Scheme
	b := &batch.Batch{Scheme: scheme, NumGraphs: -1}
	if depth, found := feeds["depth"]; found {
		b.Depth = tensors.MustCopyFlatData[float32](depth)
		b.NumGraphs = len(b.Depth)
	}
	b.State, err = graphsFromFeeds(feeds, "state", scheme, &b.NumGraphs)
	if err != nil {
		return nil, err
	}
	if r.signature.UseGoal {
		b.Goal, err = graphsFromFeeds(feeds, "goal", scheme, &b.NumGraphs)
		if err != nil {
			return nil, err
		}
	}
	if b.NumGraphs <= 0 {
		return nil, errors.Wrapf(ErrFeed, "empty batch (axes %v)", axes)
	}
	return b, nil
}

// graphsFromFeeds rebuilds the union of graphs of the feeds with the given prefix.
// If *numGraphs is negative it is set from the membership.
func graphsFromFeeds(feeds map[string]*tensors.Tensor, prefix string, scheme labels.Scheme, numGraphs *int) (*batch.Graphs, error) {
	name := func(suffix string) string { return fmt.Sprintf("%s_%s", prefix, suffix) }
	g := &batch.Graphs{GraphTensor: sample.GraphTensor{Scheme: scheme, Width: scheme.FeatureWidth()}}
	if scheme.IsScalar() {
		g.IDs = tensors.MustCopyFlatData[float32](feeds[name("node_ids")])
		g.NumNodes = len(g.IDs)
	} else {
		g.Bits = tensors.MustCopyFlatData[uint8](feeds[name("node_bits")])
		g.NumNodes = len(g.Bits) / g.Width
	}

	edgeFeed := feeds[name("edge_index")]
	edgeIndex := tensors.MustCopyFlatData[int64](edgeFeed)
	dims := edgeFeed.Shape().Dimensions
	if len(dims) != 2 || dims[0] != 2 || len(edgeIndex) != 2*dims[1] {
		return nil, errors.Wrapf(ErrFeed, "%s must be shaped [2, num_edges], got %s with %d values",
			name("edge_index"), edgeFeed.Shape(), len(edgeIndex))
	}
	numEdges := dims[1]
	g.EdgeIndex = [2][]int32{make([]int32, numEdges), make([]int32, numEdges)}
	for row := range 2 {
		for ii := range numEdges {
			v := edgeIndex[row*numEdges+ii]
			if v < 0 || v >= int64(g.NumNodes) {
				return nil, errors.Wrapf(ErrFeed, "%s[%d, %d]=%d out of range for %d nodes",
					name("edge_index"), row, ii, v, g.NumNodes)
			}
			g.EdgeIndex[row][ii] = int32(v)
		}
	}
	g.EdgeAttr = tensors.MustCopyFlatData[float32](feeds[name("edge_attr")])
	if len(g.EdgeAttr) != numEdges {
		return nil, errors.Wrapf(ErrFeed, "%s has %d values for %d edges", name("edge_attr"), len(g.EdgeAttr), numEdges)
	}

	membership := tensors.MustCopyFlatData[int64](feeds[name("batch")])
	g.Membership = make([]int32, len(membership))
	for ii, m := range membership {
		if m < 0 || (ii > 0 && m < membership[ii-1]) {
			return nil, errors.Wrapf(ErrFeed, "%s must be non-negative and non-decreasing, got %d after %d at node %d",
				name("batch"), m, membership[max(ii-1, 0)], ii)
		}
		g.Membership[ii] = int32(m)
	}
	if *numGraphs < 0 {
		*numGraphs = 0
		if len(membership) > 0 {
			*numGraphs = int(slices.Max(membership)) + 1
		}
	}
	if len(membership) > 0 && int(membership[len(membership)-1]) >= *numGraphs {
		return nil, errors.Wrapf(ErrFeed, "%s refers to graph %d, but the batch has %d graphs",
			name("batch"), membership[len(membership)-1], *numGraphs)
	}
	if err := g.Validate(); err != nil {
		return nil, errors.Wrapf(ErrFeed, "%s graphs: %v", prefix, err)
	}
	return g, nil
}

// FeedsFromBatch converts a collated batch to the named feeds of an artifact with the given signature.
func FeedsFromBatch(sig *estimator.Signature, b *batch.Batch) (map[string]*tensors.Tensor, error) {
	feeds := make(map[string]*tensors.Tensor)
	addGraphs := func(prefix string, g *batch.Graphs) {
		if g.IsScalar() {
			feeds[prefix+"_node_ids"] = tensors.FromFlatDataAndDimensions(slices.Clone(g.IDs), g.NumNodes)
		} else {
			feeds[prefix+"_node_bits"] = tensors.FromFlatDataAndDimensions(slices.Clone(g.Bits), g.NumNodes, g.Width)
		}
		numEdges := g.NumEdges()
		edgeIndex := make([]int64, 2*numEdges)
		for row := range 2 {
			for ii, v := range g.EdgeIndex[row] {
				edgeIndex[row*numEdges+ii] = int64(v)
			}
		}
		feeds[prefix+"_edge_index"] = tensors.FromFlatDataAndDimensions(edgeIndex, 2, numEdges)
		feeds[prefix+"_edge_attr"] = tensors.FromFlatDataAndDimensions(slices.Clone(g.EdgeAttr), numEdges, 1)
		membership := make([]int64, len(g.Membership))
		for ii, m := range g.Membership {
			membership[ii] = int64(m)
		}
		feeds[prefix+"_batch"] = tensors.FromFlatDataAndDimensions(membership, len(membership))
	}
	addGraphs("state", b.State)
	if sig.UseGoal {
		if !b.HasGoal() {
			return nil, errors.Wrap(ErrFeed, "artifact uses goal graphs but the batch has none")
		}
		addGraphs("goal", b.Goal)
	}
	if sig.UseDepth {
		depth := make([]float32, b.NumGraphs)
		if b.Depth != nil {
			copy(depth, b.Depth)
		}
		feeds["depth"] = tensors.FromFlatDataAndDimensions(depth, b.NumGraphs)
	}
	return feeds, nil
}
