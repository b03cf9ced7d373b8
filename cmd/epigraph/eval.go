// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/artifact"
	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/dataset"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/epiplan/epigraph/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

func runEval(e *env, args []string) error {
	defaults := training.OptionsFromContext(e.ctx, training.DefaultOptions())
	fs := newFlagSet("eval")
	threshold := fs.Float64("threshold", defaults.Threshold, "Normalized error above which samples are listed as misses.")
	batchSize := fs.Int("batch_size", defaults.BatchSize, "Number of samples evaluated at once.")
	numMisses := fs.Int("misses", 10, "Number of largest misses listed, -1 for all.")
	reportPath := fs.String("report", "", "If set, the full report is saved to this JSON file.")
	flags := addDatasetFlags(fs)
	positional, err := parseArgs(fs, args, 2, -1)
	if err != nil {
		return err
	}
	model, err := estimator.Load(e.Backend(), positional[0])
	if err != nil {
		return err
	}
	scaler := targets.FromContext(model.Context())
	samples, err := e.loadSamples(positional[1:], flags, model.Config().Scheme, scaler)
	if err != nil {
		return err
	}
	ds, err := dataset.New("eval", model.Config(), samples, *batchSize, nil)
	if err != nil {
		return err
	}
	report, err := training.Evaluate(model, ds, *threshold)
	if err != nil {
		return err
	}
	if *reportPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding report")
		}
		if err = os.WriteFile(*reportPath, data, 0o644); err != nil {
			return errors.Wrapf(err, "writing report")
		}
	}

	metrics := metricsTable(report.Metrics)
	metrics.AddRow(false, "# samples", strconv.Itoa(report.NumSamples))
	metrics.AddRow(len(report.Misses) > 0, fmt.Sprintf("# misses (> %g)", report.Threshold), strconv.Itoa(len(report.Misses)))
	metrics.Print(e.out, "Evaluation of "+positional[0])

	misses := slices.Clone(report.Misses)
	slices.SortStableFunc(misses, func(a, b training.Miss) int {
		return cmp.Compare(math.Abs(b.Prediction-b.Target), math.Abs(a.Prediction-a.Target))
	})
	if *numMisses >= 0 && len(misses) > *numMisses {
		misses = misses[:*numMisses]
	}
	if len(misses) == 0 {
		return nil
	}
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("State", "Prediction", "Target", "Distance", "True distance")
	for _, m := range misses {
		t.AddRow(false, filepath.Base(m.Source),
			formatFloat(m.Prediction), formatFloat(m.Target),
			fmt.Sprintf("%.1f", scaler.Inverse(m.Prediction)), fmt.Sprintf("%.0f", scaler.Inverse(m.Target)))
	}
	t.Print(e.out, "Largest misses")
	return nil
}

// predictor is the model or artifact used by predict.
type predictor struct {
	cfg    estimator.Config
	scaler targets.Scaler
	run    func(b *batch.Batch) ([]float32, error)
}

// openPredictor opens dir as an artifact if it has a signature, or as a checkpoint otherwise.
func (e *env) openPredictor(dir string) (*predictor, error) {
	isArtifact, err := fsutil.FileExists(filepath.Join(dir, estimator.SignatureFile))
	if err != nil {
		return nil, err
	}
	if !isArtifact {
		model, err := estimator.Load(e.Backend(), dir)
		if err != nil {
			return nil, err
		}
		return &predictor{cfg: model.Config(), scaler: targets.FromContext(model.Context()), run: model.Forward}, nil
	}
	runner, err := artifact.Open(e.Backend(), dir)
	if err != nil {
		return nil, err
	}
	scheme, err := labels.ParseScheme(runner.Signature().Scheme)
	if err != nil {
		return nil, err
	}
	p := &predictor{scaler: runner.Scaler()}
	p.cfg.Scheme = scheme
	p.cfg.UseGoal = runner.Signature().UseGoal
	p.cfg.UseDepth = runner.Signature().UseDepth
	p.run = func(b *batch.Batch) ([]float32, error) {
		feeds, err := artifact.FeedsFromBatch(runner.Signature(), b)
		if err != nil {
			return nil, err
		}
		output, err := runner.Run(feeds)
		if err != nil {
			return nil, err
		}
		return tensors.MustCopyFlatData[float32](output), nil
	}
	return p, nil
}

func runPredict(e *env, args []string) error {
	fs := newFlagSet("predict")
	goalPath := fs.String("goal", "", "Goal graph, required by models that use goals.")
	depth := fs.Float64("depth", 0, "Search depth of the states, used by models that take depth as input.")
	positional, err := parseArgs(fs, args, 2, -1)
	if err != nil {
		return err
	}
	p, err := e.openPredictor(positional[0])
	if err != nil {
		return err
	}
	if p.cfg.UseGoal && *goalPath == "" {
		return errors.Wrapf(estimator.ErrConfig, "model %q requires a goal graph, set -goal", positional[0])
	}
	samples := make([]*sample.Sample, 0, len(positional)-1)
	for _, path := range positional[1:] {
		opts := sample.Options{StatePath: path, Scheme: p.cfg.Scheme, Depth: sample.Float32(float32(*depth))}
		if p.cfg.UseGoal {
			opts.GoalPath = *goalPath
		}
		s, err := sample.Build(opts)
		if err != nil {
			return err
		}
		samples = append(samples, s)
	}
	b, err := batch.Collate(samples)
	if err != nil {
		return err
	}
	predictions, err := p.run(b)
	if err != nil {
		return err
	}
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("State", "Output", "Distance")
	for ii, s := range samples {
		t.AddRow(false, s.Source, formatFloat(float64(predictions[ii])),
			fmt.Sprintf("%.2f", p.scaler.Inverse(float64(predictions[ii]))))
	}
	t.Print(e.out, "Predictions")
	return nil
}
