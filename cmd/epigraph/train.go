// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/epiplan/epigraph/pkg/dataset"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/epiplan/epigraph/pkg/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// datasetFlags are the flags of the commands that read datasets.
type datasetFlags struct {
	keepUnreachable *bool
	pathColumn      *string
	parallelism     *int
}

func addDatasetFlags(fs *flag.FlagSet) datasetFlags {
	return datasetFlags{
		keepUnreachable: fs.Bool("keep_unreachable", false, "Keep samples whose goal is unreachable."),
		pathColumn: fs.String("path_column", "",
			fmt.Sprintf("Manifest column with the state paths. Defaults to %q for SCALAR_ID and %q otherwise.",
				dataset.ColPathMapped, dataset.ColPathHash)),
		parallelism: fs.Int("parallelism", 0, "Number of graph files loaded concurrently, 0 for the number of CPUs."),
	}
}

// readEntries reads the manifests of paths: manifest files, or directories searched for them.
func readEntries(paths []string, flags datasetFlags, scheme labels.Scheme) ([]dataset.Entry, error) {
	opts := dataset.ManifestOptions{Scheme: scheme, PathColumn: *flags.pathColumn, KeepUnreachable: *flags.keepUnreachable}
	var entries []dataset.Entry
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", path)
		}
		manifests := []string{path}
		if info.IsDir() {
			found, err := dataset.FindManifests(path)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return nil, errors.Wrapf(dataset.ErrManifest, "no manifest found in %q", path)
			}
			manifests = manifests[:0]
			for _, m := range found {
				manifests = append(manifests, m.Path)
			}
		}
		for _, manifest := range manifests {
			manifestEntries, err := dataset.ReadManifest(manifest, opts)
			if err != nil {
				return nil, err
			}
			entries = append(entries, manifestEntries...)
		}
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(dataset.ErrManifest, "no samples in %v", paths)
	}
	return entries, nil
}

// buildSamples loads the graphs of entries.
func (e *env) buildSamples(entries []dataset.Entry, flags datasetFlags, scheme labels.Scheme, scaler targets.Scaler) ([]*sample.Sample, error) {
	klog.V(1).Infof("loading %s samples", humanize.Comma(int64(len(entries))))
	return dataset.LoadSamples(e.signals, entries, dataset.LoadOptions{
		Scheme:      scheme,
		Scaler:      scaler,
		Parallelism: *flags.parallelism,
	})
}

// loadSamples reads the manifests of paths and builds all their samples.
func (e *env) loadSamples(paths []string, flags datasetFlags, scheme labels.Scheme, scaler targets.Scaler) ([]*sample.Sample, error) {
	entries, err := readEntries(paths, flags, scheme)
	if err != nil {
		return nil, err
	}
	return e.buildSamples(entries, flags, scheme, scaler)
}

func runTrain(e *env, args []string) error {
	defaults := training.OptionsFromContext(e.ctx, training.DefaultOptions())
	fs := newFlagSet("train")
	outDir := fs.String("out", defaults.OutputDir, "Directory for the best model, the history and its plots.")
	valFraction := fs.Float64("val_fraction", 0.2, "Fraction of the samples held out for validation.")
	threshold := fs.Float64("threshold", defaults.Threshold, "Normalized error above which validation samples are counted as misses.")
	checkpointPeriod := fs.Duration("checkpoint_period", 0, "If > 0, also saves the current model periodically to <out>/last.")
	progressBar := fs.Bool("progress", true, "Display a progress bar while training.")
	flags := addDatasetFlags(fs)
	positional, err := parseArgs(fs, args, 1, -1)
	if err != nil {
		return err
	}

	cfg, err := estimator.ConfigFromContext(e.ctx)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	opts := defaults
	opts.OutputDir = *outDir
	opts.Threshold = *threshold
	opts.CheckpointPeriod = *checkpointPeriod
	opts.ProgressBar = *progressBar
	if err = opts.Validate(); err != nil {
		return err
	}
	scaler := targets.FromContext(e.ctx)
	if err = scaler.Validate(); err != nil {
		return err
	}

	samples, err := e.loadSamples(positional, flags, cfg.Scheme, scaler)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, 0))
	trainSamples, valSamples, err := dataset.Split(samples, *valFraction, rng)
	if err != nil {
		return err
	}

	model, err := estimator.New(e.Backend(), cfg)
	if err != nil {
		return err
	}
	trainer, err := training.New(model, scaler, opts)
	if err != nil {
		return err
	}
	best, err := trainer.Run(trainSamples, valSamples)
	if err != nil {
		return err
	}

	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.AddRow(false, "model", cfg.String())
	summary.AddRow(false, "# parameters", humanize.Comma(int64(model.NumParameters())))
	summary.AddRow(false, "# train samples", humanize.Comma(int64(len(trainSamples))))
	summary.AddRow(false, "# validation samples", humanize.Comma(int64(len(valSamples))))
	summary.AddRow(false, "best epoch", fmt.Sprintf("%d of %d", best.Epoch+1, len(trainer.History)))
	summary.AddRow(false, "output", opts.OutputDir)
	summary.Print(e.out, "Training")
	metricsTable(best.Metrics).Print(e.out, "Best model")
	return nil
}
