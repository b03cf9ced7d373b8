// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/epiplan/epigraph/pkg/artifact"
	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/dataset"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

func runExport(e *env, args []string) error {
	fs := newFlagSet("export")
	positional, err := parseArgs(fs, args, 2, 2)
	if err != nil {
		return err
	}
	model, err := estimator.Load(e.Backend(), positional[0])
	if err != nil {
		return err
	}
	if err = model.Export(positional[1]); err != nil {
		return err
	}
	sig, err := estimator.ReadSignature(positional[1])
	if err != nil {
		return err
	}
	t := newTable(lipgloss.Left)
	t.Headers("Input", "DType", "Dimensions")
	for _, in := range sig.Inputs {
		t.AddRow(false, in.Name, in.DType, fmt.Sprintf("%v", in.Dims))
	}
	t.AddRow(true, sig.Output.Name, sig.Output.DType, fmt.Sprintf("%v", sig.Output.Dims))
	t.Print(e.out, fmt.Sprintf("Artifact %s (%s)", sig.ID, sig.Scheme))

	t = newTable(lipgloss.Left)
	t.Headers("Model input", "DType", "Dimensions")
	for _, in := range sig.ModelInputs {
		t.AddRow(false, in.Name, in.DType, fmt.Sprintf("%v", in.Dims))
	}
	t.Print(e.out, filepath.Join(positional[1], sig.Model))
	return nil
}

func runCheck(e *env, args []string) error {
	fs := newFlagSet("check")
	checkpoint := fs.String("checkpoint", "", "Checkpoint compared to the artifact. Defaults to the model saved in the artifact.")
	numSamples := fs.Int("n", 32, "Number of manifest rows sampled.")
	seed := fs.Uint64("seed", 42, "Seed used to sample the manifest rows.")
	tolerance := fs.Float64("tolerance", 1e-5, "Maximum absolute difference accepted between the outputs.")
	flags := addDatasetFlags(fs)
	positional, err := parseArgs(fs, args, 2, -1)
	if err != nil {
		return err
	}
	dir := positional[0]
	runner, err := artifact.Open(e.Backend(), dir)
	if err != nil {
		return err
	}
	if *checkpoint == "" {
		*checkpoint = filepath.Join(dir, estimator.ModelDir)
	}
	model, err := estimator.Load(e.Backend(), *checkpoint)
	if err != nil {
		return err
	}

	entries, err := readEntries(positional[1:], flags, model.Config().Scheme)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(*seed, 0))
	picked := make([]dataset.Entry, 0, *numSamples)
	for _, idx := range rng.Perm(len(entries)) {
		if len(picked) == *numSamples {
			break
		}
		picked = append(picked, entries[idx])
	}
	samples, err := e.buildSamples(picked, flags, model.Config().Scheme, runner.Scaler())
	if err != nil {
		return err
	}
	b, err := batch.Collate(samples)
	if err != nil {
		return err
	}
	want, err := model.Forward(b)
	if err != nil {
		return err
	}
	feeds, err := artifact.FeedsFromBatch(runner.Signature(), b)
	if err != nil {
		return err
	}
	output, err := runner.Run(feeds)
	if err != nil {
		return err
	}
	got := tensors.MustCopyFlatData[float32](output)
	if len(got) != len(want) {
		return errors.Errorf("artifact returned %d outputs for %d samples", len(got), len(want))
	}

	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Manifest", "Row", "Checkpoint", "Artifact", "Difference")
	var maxDiff float64
	var numFailed int
	for ii, entry := range picked {
		diff := math.Abs(float64(got[ii]) - float64(want[ii]))
		maxDiff = max(maxDiff, diff)
		failed := diff > *tolerance
		if failed {
			numFailed++
		}
		t.AddRow(failed, filepath.Base(entry.Manifest), strconv.Itoa(entry.Row),
			formatFloat(float64(want[ii])), formatFloat(float64(got[ii])), fmt.Sprintf("%.2e", diff))
	}
	t.Print(e.out, fmt.Sprintf("Artifact %s vs %s", dir, *checkpoint))
	if numFailed > 0 {
		return errors.Errorf("%d of %d outputs differ by more than %g (max %g)", numFailed, len(picked), *tolerance, maxDiff)
	}
	_, _ = fmt.Fprintf(e.out, "%d outputs match, max difference %.2e\n", len(picked), maxDiff)
	return nil
}
