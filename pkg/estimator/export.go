// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files of an exported artifact.
const (
	SignatureFile = "signature.json"
	ModelDir      = "model"
	ONNXFile      = "model.onnx"
	OutputName    = "distance"
)

// Symbolic axes of the artifact inputs.
const (
	AxisStateNodes = "Ns"
	AxisStateEdges = "Es"
	AxisGoalNodes  = "Ng"
	AxisGoalEdges  = "Eg"
	AxisBatch      = "B"
)

// TensorSpec describes one input or output of an exported artifact.
// Dims are either symbolic axis names or fixed sizes.
type TensorSpec struct {
	Name  string   `json:"name"`
	DType string   `json:"dtype"`
	Dims  []string `json:"dims"`
}

// Rank of the tensor.
func (s TensorSpec) Rank() int { return len(s.Dims) }

// FixedDim returns the size of axis, or false if it is symbolic.
func (s TensorSpec) FixedDim(axis int) (int, bool) {
	v, err := strconv.Atoi(s.Dims[axis])
	return v, err == nil
}

// String implements fmt.Stringer.
func (s TensorSpec) String() string {
	return fmt.Sprintf("%s: %s%v", s.Name, s.DType, s.Dims)
}

// Signature is the input/output contract of an exported artifact.
//
// Inputs are the feeds of the artifact, one per graph of the batch, unpadded. ModelInputs are
// the inputs of the ONNX model in Model, padded from the feeds as InputsFromBatch does.
type Signature struct {
	ID          string       `json:"id"`
	Created     time.Time    `json:"created"`
	Scheme      string       `json:"scheme"`
	Width       int          `json:"width"`
	UseGoal     bool         `json:"use_goal"`
	UseDepth    bool         `json:"use_depth"`
	Inputs      []TensorSpec `json:"inputs"`
	Output      TensorSpec   `json:"output"`
	Model       string       `json:"model"`
	ModelInputs []TensorSpec `json:"model_inputs"`
}

// Input returns the named input.
func (s *Signature) Input(name string) (TensorSpec, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return TensorSpec{}, false
}

// NewSignature returns the signature of the artifacts exported from a model with configuration cfg.
func NewSignature(cfg Config) *Signature {
	sig := &Signature{
		ID:          uuid.NewString(),
		Created:     time.Now().UTC(),
		Scheme:      cfg.Scheme.String(),
		Width:       cfg.Scheme.FeatureWidth(),
		UseGoal:     cfg.UseGoal,
		UseDepth:    cfg.UseDepth,
		Output:      TensorSpec{Name: OutputName, DType: "float32", Dims: []string{AxisBatch}},
		Model:       ONNXFile,
		ModelInputs: ModelInputSpecs(cfg),
	}
	addGraph := func(prefix, nodesAxis, edgesAxis string) {
		if cfg.Scheme.IsScalar() {
			sig.Inputs = append(sig.Inputs, TensorSpec{prefix + "_node_ids", "float32", []string{nodesAxis}})
		} else {
			sig.Inputs = append(sig.Inputs, TensorSpec{prefix + "_node_bits", "uint8",
				[]string{nodesAxis, strconv.Itoa(cfg.Scheme.Width)}})
		}
		sig.Inputs = append(sig.Inputs,
			TensorSpec{prefix + "_edge_index", "int64", []string{"2", edgesAxis}},
			TensorSpec{prefix + "_edge_attr", "float32", []string{edgesAxis, "1"}},
			TensorSpec{prefix + "_batch", "int64", []string{nodesAxis}},
		)
	}
	addGraph("state", AxisStateNodes, AxisStateEdges)
	if cfg.UseGoal {
		addGraph("goal", AxisGoalNodes, AxisGoalEdges)
	}
	if cfg.UseDepth {
		sig.Inputs = append(sig.Inputs, TensorSpec{"depth", "float32", []string{AxisBatch}})
	}
	return sig
}

// ReadSignature reads the signature of the artifact in dir.
func ReadSignature(dir string) (*Signature, error) {
	path := filepath.Join(dir, SignatureFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact signature")
	}
	sig := &Signature{}
	if err = json.Unmarshal(data, sig); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return sig, nil
}

// Export implements Model. It writes to dir:
//
//   - signature.json: the inputs and output of the artifact.
//   - model.onnx: the ONNX model, with the weights as initializers.
//   - model/: the checkpoint with weights and configuration.
//   - normalization.json: the target scaler used to train the model.
func (e *Estimator) Export(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating artifact directory %q", dir)
	}
	if err := e.Checkpoint(filepath.Join(dir, ModelDir), Metrics{}); err != nil {
		return err
	}

	e.mu.Lock()
	model, err := BuildONNX(e.ctx, e.cfg)
	e.mu.Unlock()
	if err != nil {
		return errors.WithMessage(err, "converting model to ONNX")
	}
	if err = os.WriteFile(filepath.Join(dir, ONNXFile), model.Marshal(), 0o644); err != nil {
		return errors.Wrapf(err, "writing ONNX model")
	}

	sig := NewSignature(e.cfg)
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding signature")
	}
	if err = os.WriteFile(filepath.Join(dir, SignatureFile), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing signature")
	}
	if err = targets.FromContext(e.ctx).Save(dir); err != nil {
		return err
	}
	klog.V(1).Infof("exported artifact %s to %q (%d ONNX nodes)", sig.ID, dir, len(model.Graph.Nodes))
	return nil
}
