// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains and evaluates distance estimators.
//
// Training runs the GoMLX train.Loop one epoch at a time. After every epoch the model is
// evaluated on the validation samples, and the best model so far (lowest val_loss) is saved to
// "<output>/best". The history of metrics is written to "<output>/history.json" and plotted.
package training

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/dataset"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context hyperparameters of training, next to the model ones (see estimator.Config).
const (
	ParamEpochs    = "train_epochs"
	ParamBatchSize = "batch_size"
	ParamSeed      = "seed"
)

// Directories and files written to the output directory.
const (
	BestDir     = "best"
	LastDir     = "last"
	HistoryFile = "history.json"
)

// Options of training.
type Options struct {
	Epochs    int
	BatchSize int

	// Optimizer and LearningRate are set as the context hyperparameters read by optimizers.FromContext.
	Optimizer    string
	LearningRate float64

	// Seed of the random number generator used to shuffle the training samples.
	Seed uint64

	// OutputDir receives the best model, the history and its plots.
	OutputDir string

	// CheckpointPeriod, if > 0, saves the current model to "<OutputDir>/last" periodically.
	CheckpointPeriod time.Duration

	// ProgressBar displays a progress bar in the terminal while training.
	ProgressBar bool

	// Threshold used to count evaluation errors, see Report.
	Threshold float64
}

// DefaultOptions returns the default training options.
func DefaultOptions() Options {
	return Options{
		Epochs:       200,
		BatchSize:    256,
		Optimizer:    "adamw",
		LearningRate: 1e-3,
		Seed:         42,
		OutputDir:    "checkpoints",
		Threshold:    0.1,
	}
}

// SetParams sets the options that are hyperparameters in ctx, so they can be changed with
// commandline.ParseContextSettings.
func (o Options) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamEpochs:                  o.Epochs,
		ParamBatchSize:               o.BatchSize,
		ParamSeed:                    int(o.Seed),
		optimizers.ParamOptimizer:    o.Optimizer,
		optimizers.ParamLearningRate: o.LearningRate,
	})
}

// OptionsFromContext returns base with the hyperparameters found in ctx.
func OptionsFromContext(ctx *context.Context, base Options) Options {
	base.Epochs = context.GetParamOr(ctx, ParamEpochs, base.Epochs)
	base.BatchSize = context.GetParamOr(ctx, ParamBatchSize, base.BatchSize)
	base.Seed = uint64(context.GetParamOr(ctx, ParamSeed, int(base.Seed)))
	base.Optimizer = context.GetParamOr(ctx, optimizers.ParamOptimizer, base.Optimizer)
	base.LearningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, base.LearningRate)
	return base
}

// Validate the options.
func (o Options) Validate() error {
	switch {
	case o.Epochs <= 0:
		return errors.Wrapf(estimator.ErrConfig, "%s must be > 0, got %d", ParamEpochs, o.Epochs)
	case o.BatchSize <= 0:
		return errors.Wrapf(estimator.ErrConfig, "%s must be > 0, got %d", ParamBatchSize, o.BatchSize)
	case o.LearningRate <= 0:
		return errors.Wrapf(estimator.ErrConfig, "%s must be > 0, got %g", optimizers.ParamLearningRate, o.LearningRate)
	case o.OutputDir == "":
		return errors.Wrap(estimator.ErrConfig, "training requires an output directory")
	}
	return nil
}

// Epoch is the record of one training epoch.
type Epoch struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	estimator.Metrics
}

// Trainer trains one estimator.
type Trainer struct {
	model  *estimator.Estimator
	scaler targets.Scaler
	opts   Options
	rng    *rand.Rand

	loop      *train.Loop
	epochLoss float64
	numSteps  int

	History  []Epoch
	BestLoss float64
}

// New creates a Trainer for model. The scaler used to build the sample targets is saved with
// the model, so it is exported along.
func New(model *estimator.Estimator, scaler targets.Scaler, opts Options) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := scaler.Validate(); err != nil {
		return nil, err
	}
	var err error
	opts.OutputDir, err = fsutil.EnsureDir(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	ctx := model.Context()
	scaler.SetParams(ctx)
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    opts.Optimizer,
		optimizers.ParamLearningRate: opts.LearningRate,
	})
	t := &Trainer{
		model:    model,
		scaler:   scaler,
		opts:     opts,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		BestLoss: math.Inf(1),
	}

	// Model variables already exist: the model was built (or loaded) by the estimator.
	trainer := train.NewTrainer(model.Backend(), ctx.Reuse(), estimator.ModelGraph,
		MaskedMeanSquaredError,
		optimizers.FromContext(ctx),
		[]metrics.Interface{NewMovingAverageMAE()}, // trainMetrics
		[]metrics.Interface{NewMeanMAE()})          // evalMetrics
	t.loop = train.NewLoop(trainer)
	if opts.ProgressBar {
		commandline.AttachProgressBar(t.loop, func() (string, string) {
			return "best val_loss", fmt.Sprintf("%.4g", t.BestLoss)
		})
	}
	t.loop.OnStep("epoch loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		t.epochLoss += float64(tensors.MustCopyFlatData[float32](metrics[0])[0])
		t.numSteps++
		return nil
	})
	if opts.CheckpointPeriod > 0 {
		lastDir := filepath.Join(opts.OutputDir, LastDir)
		train.PeriodicCallback(t.loop, opts.CheckpointPeriod, true, "saving checkpoint", 100,
			func(_ *train.Loop, _ []*tensors.Tensor) error {
				return model.Checkpoint(lastDir, estimator.Metrics{GlobalStep: t.globalStep()})
			})
	}
	return t, nil
}

func (t *Trainer) globalStep() int {
	return int(optimizers.GetGlobalStep(t.model.Context()))
}

// Run trains on trainSamples for the configured number of epochs, evaluating on valSamples after
// each one. If valSamples is empty, the training samples are used for evaluation.
//
// It returns the metrics of the best epoch.
func (t *Trainer) Run(trainSamples, valSamples []*sample.Sample) (*Epoch, error) {
	cfg := t.model.Config()
	trainDS, err := dataset.New("train", cfg, trainSamples, t.opts.BatchSize, t.rng)
	if err != nil {
		return nil, err
	}
	if len(valSamples) == 0 {
		klog.Warningf("no validation samples: evaluating on the %d training samples", len(trainSamples))
		valSamples = trainSamples
	}
	valDS, err := dataset.New("validation", cfg, valSamples, t.opts.BatchSize, nil)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("training %s: %d parameters, %d train samples, %d validation samples",
		cfg, t.model.NumParameters(), trainDS.Len(), valDS.Len())

	bestDir := filepath.Join(t.opts.OutputDir, BestDir)
	bestIdx := -1
	for epoch := range t.opts.Epochs {
		t.epochLoss, t.numSteps = 0, 0
		if _, err = t.loop.RunEpochs(trainDS, 1); err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		report, err := Evaluate(t.model, valDS, t.opts.Threshold)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		record := Epoch{Epoch: epoch, TrainLoss: t.epochLoss / float64(max(t.numSteps, 1)), Metrics: report.Metrics}
		record.GlobalStep = t.globalStep()
		t.History = append(t.History, record)
		klog.V(1).Infof("epoch %d: train_loss=%.4g val_loss=%.4g rmse=%.4g mae=%.4g r2=%.4g",
			epoch, record.TrainLoss, record.ValLoss, record.RMSE, record.MAE, record.R2)
		if record.ValLoss < t.BestLoss || bestIdx < 0 {
			t.BestLoss = record.ValLoss
			bestIdx = len(t.History) - 1
			if err = t.model.Checkpoint(bestDir, record.Metrics); err != nil {
				return nil, err
			}
		}
	}
	if err = t.SaveHistory(); err != nil {
		return nil, err
	}
	best := t.History[bestIdx]
	return &best, nil
}
