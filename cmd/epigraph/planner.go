// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/planner"
	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Files written by bench.
const (
	BenchResultsFile = "results.csv"
	BenchSummaryFile = "summary.csv"
)

// findProblems lists the problem files of paths: problem files, or directories searched for them.
func findProblems(paths []string) ([]string, error) {
	var problems []string
	for _, path := range paths {
		found, err := planner.FindProblems(path)
		if err != nil {
			return nil, err
		}
		problems = append(problems, found...)
	}
	if len(problems) == 0 {
		return nil, errors.Errorf("no problem files (.txt or .eppdl) in %v", paths)
	}
	return problems, nil
}

// newProgressBar returns a bar counting to total, or nil if disabled.
func newProgressBar(enabled bool, w io.Writer, total int, description string) *progressbar.ProgressBar {
	if !enabled {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
}

func runGenerate(e *env, args []string) error {
	fs := newFlagSet("generate")
	outDir := fs.String("out", ".", fmt.Sprintf("Output directory: datasets go to <out>/%s, failures to <out>/%s.",
		planner.TrainingDataDir, planner.FailedDir))
	seed := fs.Uint64("seed", 42, "Seed used to shuffle the planner seeds, if the suite sets shuffle_seeds.")
	progress := fs.Bool("progress", true, "Display a progress bar.")
	positional, err := parseArgs(fs, args, 2, -1)
	if err != nil {
		return err
	}
	suite, err := planner.LoadSuite(positional[0])
	if err != nil {
		return err
	}
	problems, err := findProblems(positional[1:])
	if err != nil {
		return err
	}
	gen, err := planner.NewGenerator(suite, *outDir, rand.New(rand.NewPCG(*seed, 0)))
	if err != nil {
		return err
	}
	if bar := newProgressBar(*progress, e.out, len(problems), "generating"); bar != nil {
		gen.OnDone(func(*planner.Generated) { _ = bar.Add(1) })
		defer func() { _ = bar.Finish() }()
	}
	results, err := gen.Generate(e.signals, problems)
	if err != nil {
		return err
	}

	t := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Left)
	t.Headers("Instance", "Seed", "Seeds without goals", "Dataset")
	var numFailed int
	for _, res := range results {
		failed := res.Dataset == ""
		if failed {
			numFailed++
		}
		seedText := "-"
		if res.Seed >= 0 {
			seedText = fmt.Sprintf("%d", res.Seed)
		}
		t.AddRow(failed, res.Instance, seedText, fmt.Sprintf("%v", res.Failed), res.Dataset)
	}
	t.Print(e.out, fmt.Sprintf("Generated %d of %d datasets", len(results)-numFailed, len(results)))
	if numFailed > 0 {
		resolved, err := fsutil.Resolve(*outDir, "")
		if err != nil {
			return err
		}
		items, err := planner.ReadFailedItems(resolved)
		if err != nil {
			return err
		}
		failures := newTable(lipgloss.Left)
		failures.Headers("Instance", "Reason", "Log")
		for _, item := range items {
			failures.AddRow(true, item.Instance, item.Reason, item.LogPath)
		}
		failures.Print(e.out, "Failures")
	}
	return nil
}

func runBench(e *env, args []string) error {
	fs := newFlagSet("bench")
	outDir := fs.String("out", ".", fmt.Sprintf("Directory where %s and %s are written.", BenchResultsFile, BenchSummaryFile))
	datasetType := fs.String("dataset_type", planner.DefaultDatasetType, `Graph encoding used by the planner heuristics: "MAPPED", "HASHED" or "BITMASK".`)
	progress := fs.Bool("progress", true, "Display a progress bar.")
	positional, err := parseArgs(fs, args, 2, -1)
	if err != nil {
		return err
	}
	suite, err := planner.LoadSuite(positional[0])
	if err != nil {
		return err
	}
	problems, err := findProblems(positional[1:])
	if err != nil {
		return err
	}
	dir, err := fsutil.EnsureDir(*outDir)
	if err != nil {
		return err
	}

	var onRow func(planner.BenchRow)
	if bar := newProgressBar(*progress, e.out, len(problems)*len(suite.Jobs), "benchmarking"); bar != nil {
		onRow = func(planner.BenchRow) { _ = bar.Add(1) }
		defer func() { _ = bar.Finish() }()
	}
	rows, err := planner.Bench(e.signals, suite, problems, *datasetType, onRow)
	if err != nil {
		return err
	}
	results := planner.ResultsFrame(rows)
	if err = planner.WriteCSV(results, filepath.Join(dir, BenchResultsFile)); err != nil {
		return err
	}
	summary, err := planner.Summarize(results)
	if err != nil {
		return err
	}
	if err = planner.WriteCSV(summary, filepath.Join(dir, BenchSummaryFile)); err != nil {
		return err
	}
	frameTable(summary).Print(e.out, fmt.Sprintf("Benchmark of %d problems (%s)", len(problems), strings.ToUpper(*datasetType)))
	return nil
}

// frameTable renders a data frame, highlighting jobs that didn't solve every problem.
func frameTable(df dataframe.DataFrame) *table {
	records := df.Records()
	t := newTable(lipgloss.Left, lipgloss.Right)
	if len(records) == 0 {
		return t
	}
	t.Headers(records[0]...)
	solvedIdx, totalIdx := -1, -1
	for ii, name := range records[0] {
		switch name {
		case "Solved":
			solvedIdx = ii
		case "Total":
			totalIdx = ii
		}
	}
	for _, row := range records[1:] {
		for ii, cell := range row {
			if cell == "NaN" {
				row[ii] = "-"
			}
		}
		incomplete := solvedIdx >= 0 && totalIdx >= 0 && row[solvedIdx] != row[totalIdx]
		t.AddRow(incomplete, row...)
	}
	return t
}
