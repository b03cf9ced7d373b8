// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator implements the graph neural network distance estimator: it maps a collated
// batch of (state, goal, depth) samples to an estimated normalized distance per sample.
//
// The configuration lives in the hyperparameters of a GoMLX context.Context, so it is saved and
// restored with every checkpoint. See Config for the hyperparameters and their defaults.
package estimator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is the contract used by training, evaluation and export code.
type Model interface {
	// Config returns the architecture configuration.
	Config() Config

	// Forward returns the estimated normalized distance of each sample of the batch.
	Forward(b *batch.Batch) ([]float32, error)

	// Checkpoint saves the weights and configuration to dir, along with metrics.
	Checkpoint(dir string, metrics Metrics) error

	// Export writes a self-contained inference artifact to dir.
	Export(dir string) error
}

// MetricsFile is the name of the metrics file saved with each checkpoint.
const MetricsFile = "metrics.json"

// Metrics of a model, saved with its checkpoint.
type Metrics struct {
	GlobalStep int     `json:"global_step"`
	ValLoss    float64 `json:"val_loss"`
	MSE        float64 `json:"mse"`
	RMSE       float64 `json:"rmse"`
	MAE        float64 `json:"mae"`
	R2         float64 `json:"r2"`
}

// ReadMetrics reads the metrics saved with the checkpoint in dir.
func ReadMetrics(dir string) (Metrics, error) {
	var m Metrics
	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	if err != nil {
		return m, errors.Wrapf(err, "reading metrics of checkpoint %q", dir)
	}
	if err = json.Unmarshal(data, &m); err != nil {
		return m, errors.Wrapf(err, "parsing metrics of checkpoint %q", dir)
	}
	return m, nil
}

// Estimator is the Model backed by a GoMLX context.
// Forward is safe for concurrent use; Checkpoint and Export must not run concurrently with training.
type Estimator struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	mu       sync.Mutex
	exec     *context.Exec
	handlers map[string]*checkpoints.Handler
}

var _ Model = (*Estimator)(nil)

// New creates an estimator with freshly initialized weights.
func New(backend backends.Backend, cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := context.New()
	SetConfig(ctx, cfg)
	e := &Estimator{backend: backend, ctx: ctx, cfg: cfg, handlers: make(map[string]*checkpoints.Handler)}
	if err := e.materialize(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("new estimator (%s) with %d parameters", cfg, ctx.NumParameters())
	return e, nil
}

type loadOptions struct {
	architecture *Config
	scheme       *labels.Scheme
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithArchitecture makes Load use cfg instead of the configuration stored in the checkpoint.
// The weights are still loaded from the checkpoint and must fit cfg.
func WithArchitecture(cfg Config) LoadOption {
	return func(o *loadOptions) { o.architecture = &cfg }
}

// WithScheme makes Load fail with ErrConfig if the checkpoint model doesn't use scheme.
func WithScheme(scheme labels.Scheme) LoadOption {
	return func(o *loadOptions) { o.scheme = &scheme }
}

// Load restores an estimator from the checkpoint in dir.
//
// It returns ErrConfig if the stored configuration is missing or incomplete, and ErrShapeMismatch
// if the stored weights don't fit the architecture.
func Load(backend backends.Backend, dir string, options ...LoadOption) (*Estimator, error) {
	var opts loadOptions
	for _, opt := range options {
		opt(&opts)
	}
	ctx := context.New()
	loader := checkpoints.Load(ctx).Dir(dir)
	if opts.architecture != nil {
		if err := opts.architecture.Validate(); err != nil {
			return nil, err
		}
		SetConfig(ctx, *opts.architecture)
		loader = loader.ExcludeParams(ConfigKeys...)
	}
	if _, err := loader.Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", dir)
	}
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", dir)
	}
	if opts.scheme != nil && !opts.scheme.Equal(cfg.Scheme) {
		return nil, errors.Wrapf(ErrConfig, "checkpoint %q uses scheme %s, expected %s", dir, cfg.Scheme, *opts.scheme)
	}

	// Every variable must come from the checkpoint, with the shape the architecture requires.
	if err := CheckVariables(ctx, cfg); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", dir)
	}
	e := &Estimator{backend: backend, ctx: ctx.Reuse(), cfg: cfg, handlers: make(map[string]*checkpoints.Handler)}
	if err := e.materialize(); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", dir)
	}
	klog.V(1).Infof("loaded estimator (%s) from %q", cfg, dir)
	return e, nil
}

// materialize creates the executor and runs it once on a minimal batch, so every variable is
// created (or loaded).
func (e *Estimator) materialize() error {
	var err error
	e.exec, err = context.NewExec(e.backend, e.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return ModelGraph(ctx, nil, inputs)[0]
	})
	if err != nil {
		return errors.WithMessage(err, "creating model executor")
	}
	_, err = e.Forward(dummyBatch(e.cfg))
	return err
}

// dummyBatch is a batch with one single-node graph (and goal), used to build the model.
func dummyBatch(cfg Config) *batch.Batch {
	graph := func() *sample.GraphTensor {
		t := &sample.GraphTensor{Scheme: cfg.Scheme, NumNodes: 1, Width: cfg.Scheme.FeatureWidth()}
		if cfg.Scheme.IsScalar() {
			t.IDs = []float32{0}
		} else {
			t.Bits = make([]uint8, t.Width)
		}
		t.EdgeIndex = [2][]int32{{}, {}}
		t.EdgeAttr = []float32{}
		return t
	}
	s := &sample.Sample{State: graph(), Source: "dummy"}
	if cfg.UseGoal {
		s.Goal = graph()
	}
	if cfg.UseDepth {
		s.Depth = sample.Float32(0)
	}
	b, err := batch.Collate([]*sample.Sample{s})
	if err != nil {
		exceptions.Panicf("failed to build model input for %s: %+v", cfg, err)
	}
	return b
}

// Config implements Model.
func (e *Estimator) Config() Config { return e.cfg }

// Context returns the context holding the model variables and hyperparameters, used for training.
func (e *Estimator) Context() *context.Context { return e.ctx }

// Backend used by the estimator.
func (e *Estimator) Backend() backends.Backend { return e.backend }

// NumParameters returns the number of scalar values in the model variables.
func (e *Estimator) NumParameters() int { return e.ctx.NumParameters() }

// Forward implements Model.
//
// A batch without depth, for a model that uses depth, is fed zeros.
func (e *Estimator) Forward(b *batch.Batch) ([]float32, error) {
	inputs, err := InputsFromBatch(e.cfg, b, false)
	if err != nil {
		return nil, err
	}
	outputs, err := e.run(inputs)
	if err != nil {
		return nil, err
	}
	return outputs[:b.NumGraphs], nil
}

// run executes the model on padded inputs and returns the padded output.
func (e *Estimator) run(inputs []*tensors.Tensor) ([]float32, error) {
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var output []float32
	err := exceptions.TryCatch[error](func() {
		result := e.exec.MustExec1(args...)
		output = tensors.MustCopyFlatData[float32](result)
		_ = result.FinalizeAll()
	})
	for _, t := range inputs {
		_ = t.FinalizeAll()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "running distance estimator")
	}
	return output, nil
}

// Checkpoint implements Model: it saves the weights and hyperparameters to dir, plus the metrics.
//
// The first time a directory is used by an Estimator, previous contents are removed.
func (e *Estimator) Checkpoint(dir string, metrics Metrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	handler, found := e.handlers[dir]
	if !found {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "cleaning checkpoint directory %q", dir)
		}
		var err error
		handler, err = checkpoints.Build(e.ctx).Dir(dir).Keep(1).Done()
		if err != nil {
			return errors.WithMessagef(err, "creating checkpoint in %q", dir)
		}
		e.handlers[dir] = handler
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", dir)
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding metrics")
	}
	if err = os.WriteFile(filepath.Join(dir, MetricsFile), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing metrics to %q", dir)
	}
	klog.V(1).Infof("checkpoint saved to %q (step %d, val_loss=%.4g)", dir, metrics.GlobalStep, metrics.ValLoss)
	return nil
}
