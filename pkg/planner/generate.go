// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Layout of the generation output directory.
const (
	TrainingDataDir  = "training_data"
	FailedDir        = "_failed"
	FailedItemsFile  = "failed_items.jsonl"
	DatasetLogFile   = "dataset_log.json"
	AttemptLogsDir   = "logs"
	datasetDirPerms  = 0o755
	datasetFilePerms = 0o644
)

var datasetStoredRegexp = regexp.MustCompile(`Dataset stored in (.+?) folder\.`)

// Failure reasons recorded in FailedItemsFile.
const (
	ReasonNoGoalsAllSeeds = "no_goals_all_seeds"
	ReasonNoOutputFolder  = "no_output_folder"
	ReasonMoveFailed      = "move_failed"
)

// FailedItem is one line of FailedItemsFile.
type FailedItem struct {
	Instance    string  `json:"instance"`
	File        string  `json:"file"`
	Reason      string  `json:"reason"`
	Seed        *int64  `json:"seed,omitempty"`
	SeedsTried  []int64 `json:"seeds_tried,omitempty"`
	LogPath     string  `json:"log_path,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Generated is the outcome of the generation of one problem.
type Generated struct {
	Instance string  `json:"instance"`
	Problem  string  `json:"problem"`
	Seed     int64   `json:"success_seed"`
	Failed   []int64 `json:"failed_seeds"`

	// Dataset is the directory of the generated dataset, empty if the generation failed.
	Dataset string `json:"dataset,omitempty"`

	AttemptLogs []string `json:"attempt_logs"`
}

// Generator creates training datasets by running the planner in dataset mode.
type Generator struct {
	suite  *Suite
	runner *Runner
	outDir string
	seeds  []int64

	onDone func(*Generated)

	mu sync.Mutex // Protects FailedItemsFile.
}

// NewGenerator creates a Generator writing to outDir. The suite must have a generate block.
//
// If the suite shuffles seeds, rng is used to shuffle them. rng may be nil otherwise.
func NewGenerator(suite *Suite, outDir string, rng *rand.Rand) (*Generator, error) {
	if suite.Generate == nil {
		return nil, errors.Wrap(ErrSuite, "suite has no generate block")
	}
	seeds := slices.Clone(suite.Generate.Seeds)
	if suite.Generate.ShuffleSeeds {
		if rng == nil {
			return nil, errors.Wrap(ErrSuite, "shuffle_seeds requires a random number generator")
		}
		rng.Shuffle(len(seeds), func(i, j int) { seeds[i], seeds[j] = seeds[j], seeds[i] })
	}
	outDir, err := fsutil.EnsureDir(outDir)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{TrainingDataDir, filepath.Join(FailedDir, AttemptLogsDir)} {
		if err = os.MkdirAll(filepath.Join(outDir, dir), datasetDirPerms); err != nil {
			return nil, errors.Wrapf(err, "creating %q", dir)
		}
	}
	return &Generator{suite: suite, runner: suite.Runner(), outDir: outDir, seeds: seeds}, nil
}

// Seeds tried, in order, for each problem.
func (g *Generator) Seeds() []int64 { return g.seeds }

// OnDone registers fn to be called, possibly concurrently, as each problem is finished.
func (g *Generator) OnDone(fn func(*Generated)) *Generator {
	g.onDone = fn
	return g
}

// Generate creates the datasets of problems, running up to the suite's generate threads at a time.
// Failures are recorded in "<outDir>/_failed/failed_items.jsonl" and don't stop other problems.
func (g *Generator) Generate(ctx context.Context, problems []string) ([]*Generated, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.suite.Generate.Threads, 1))
	results := make([]*Generated, len(problems))
	for ii, problem := range problems {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			var err error
			results[ii], err = g.generateOne(egCtx, problem)
			if err == nil && g.onDone != nil {
				g.onDone(results[ii])
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *Generator) args(seed int64) []string {
	gen := g.suite.Generate
	args := []string{
		"-b",
		"--dataset",
		"--dataset_depth", strconv.Itoa(gen.Depth),
		"--dataset_discard_factor", strconv.FormatFloat(gen.DiscardFactor, 'g', -1, 64),
		"--dataset_seed", strconv.FormatInt(seed, 10),
		"--dataset_type", strings.ToUpper(gen.DatasetType),
	}
	if gen.NoGoal {
		args = append(args, "--dataset_separated")
	}
	return args
}

var unsafeNameRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// generateOne tries each seed on problem until one finds goals.
func (g *Generator) generateOne(ctx context.Context, problem string) (*Generated, error) {
	instance := strings.TrimSuffix(filepath.Base(problem), filepath.Ext(problem))
	gen := &Generated{Instance: instance, Problem: problem, Seed: -1}
	logsDir := filepath.Join(g.outDir, FailedDir, AttemptLogsDir)
	for ii, seed := range g.seeds {
		res, err := g.runner.Run(ctx, problem, g.args(seed)...)
		if err != nil {
			return nil, err
		}
		logPath := filepath.Join(logsDir, fmt.Sprintf("%s__seed_%d.log", unsafeNameRegexp.ReplaceAllString(instance, "_"), seed))
		if err = os.WriteFile(logPath, []byte(res.Output), datasetFilePerms); err != nil {
			return nil, errors.Wrapf(err, "saving planner log")
		}
		gen.AttemptLogs = append(gen.AttemptLogs, logPath)

		switch res.Status {
		case StatusSuccess:
			matches := datasetStoredRegexp.FindStringSubmatch(res.Output)
			if matches == nil {
				return gen, g.recordFailure(FailedItem{Instance: instance, File: problem, Reason: ReasonNoOutputFolder,
					Seed: &seed, LogPath: logPath})
			}
			gen.Seed = seed
			if err = g.collect(gen, strings.TrimSpace(matches[1])); err != nil {
				klog.Warningf("%s (seed %d): %v", instance, seed, err)
				gen.Dataset = ""
				return gen, g.recordFailure(FailedItem{Instance: instance, File: problem, Reason: ReasonMoveFailed,
					Seed: &seed, LogPath: logPath, Description: err.Error()})
			}
			klog.Infof("generated %s with seed %d: %q", instance, seed, gen.Dataset)
			return gen, nil

		case StatusNoGoal:
			gen.Failed = append(gen.Failed, seed)
			if ii < len(g.seeds)-1 {
				klog.V(1).Infof("no goals found in %s with seed %d, trying next seed", instance, seed)
				continue
			}
			return gen, g.recordFailure(FailedItem{Instance: instance, File: problem, Reason: ReasonNoGoalsAllSeeds,
				SeedsTried: g.seeds})

		default:
			klog.Warningf("planner %s on %s (seed %d), exit code %d: see %q", res.Status, instance, seed, res.ExitCode, logPath)
			return gen, g.recordFailure(FailedItem{Instance: instance, File: problem,
				Reason: fmt.Sprintf("failure_exit_%d", res.ExitCode), Seed: &seed, LogPath: logPath})
		}
	}
	return gen, nil
}

// collect moves the dataset written by the planner to the training data directory, fixes the
// paths in its manifests and writes the generation log.
func (g *Generator) collect(gen *Generated, plannerDir string) error {
	src, err := fsutil.Resolve(plannerDir, "")
	if err != nil {
		return err
	}
	dst := filepath.Join(g.outDir, TrainingDataDir, gen.Instance)
	if err = os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "removing previous dataset %q", dst)
	}
	if err = os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "moving dataset %q", src)
	}
	gen.Dataset = dst

	// Manifests may hold paths under the planner output directory.
	entries, err := os.ReadDir(dst)
	if err != nil {
		return errors.Wrapf(err, "listing dataset %q", dst)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		path := filepath.Join(dst, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading manifest")
		}
		updated := strings.ReplaceAll(string(content), filepath.ToSlash(plannerDir), filepath.ToSlash(dst))
		if updated != string(content) {
			if err = os.WriteFile(path, []byte(updated), datasetFilePerms); err != nil {
				return errors.Wrapf(err, "updating manifest")
			}
		}
	}

	logsDir := filepath.Join(dst, AttemptLogsDir)
	if err = os.MkdirAll(logsDir, datasetDirPerms); err != nil {
		return errors.Wrapf(err, "creating %q", logsDir)
	}
	for ii, logPath := range gen.AttemptLogs {
		moved := filepath.Join(logsDir, filepath.Base(logPath))
		if err = os.Rename(logPath, moved); err != nil {
			return errors.Wrapf(err, "moving planner log")
		}
		gen.AttemptLogs[ii] = moved
	}
	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding dataset log")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dst, DatasetLogFile), data, datasetFilePerms), "writing dataset log")
}

// recordFailure appends item to FailedItemsFile.
func (g *Generator) recordFailure(item FailedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "encoding failed item")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(g.outDir, FailedDir, FailedItemsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, datasetFilePerms)
	if err != nil {
		return errors.Wrap(err, "opening failed items file")
	}
	if _, err = f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing failed item")
	}
	klog.Warningf("%s: failed (%s)", item.Instance, item.Reason)
	return errors.Wrap(f.Close(), "closing failed items file")
}

// ReadFailedItems reads the failures recorded in outDir.
func ReadFailedItems(outDir string) ([]FailedItem, error) {
	data, err := os.ReadFile(filepath.Join(outDir, FailedDir, FailedItemsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading failed items")
	}
	var items []FailedItem
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var item FailedItem
		if err = json.Unmarshal([]byte(line), &item); err != nil {
			return nil, errors.Wrap(err, "parsing failed item")
		}
		items = append(items, item)
	}
	return items, nil
}

// FindProblems returns the problem files (".txt" or ".eppdl") under dir, sorted.
func FindProblems(dir string) ([]string, error) {
	var problems []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(path); !d.IsDir() && (ext == ".txt" || ext == ".eppdl") {
			problems = append(problems, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "searching problems in %q", dir)
	}
	slices.Sort(problems)
	return problems, nil
}
