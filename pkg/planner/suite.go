// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package planner drives the external epistemic planner: it generates training datasets from
// problem files and benchmarks search configurations.
//
// Runs are described by a suite file in HCL:
//
//	planner {
//	  binary  = "${suite_dir}/bin/deep"
//	  timeout = "600s"
//	}
//
//	generate {
//	  depth        = 25
//	  dataset_type = "HASHED"
//	}
//
//	job "gnn_astar" {
//	  search    = "Astar"
//	  heuristic = "GNN"
//	  threads   = 8
//	}
//
// Expressions can refer to suite_dir (the directory of the suite file) and env (the environment).
package planner

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// ErrSuite is returned (wrapped) for invalid suite files.
var ErrSuite = errors.New("invalid planner suite")

// Defaults of the suite values.
var (
	DefaultSeeds         = []int64{42, 1337, 2024, 23, 31, 47, 59, 73, 89, 101, 137, 149}
	DefaultTimeout       = 600 * time.Second
	DefaultDepth         = 25
	DefaultDiscardFactor = 0.4
	DefaultDatasetType   = "HASHED"
	DefaultThreads       = 8
)

// PlannerBlock configures the planner binary.
type PlannerBlock struct {
	Binary  string   `hcl:"binary"`
	Timeout string   `hcl:"timeout,optional"`
	Args    []string `hcl:"args,optional"`
}

// GenerateBlock configures dataset generation.
type GenerateBlock struct {
	// Seeds are tried in order until the planner finds goals.
	Seeds []int64 `hcl:"seeds,optional"`

	// ShuffleSeeds shuffles the seeds, with the random number generator given to Generate.
	ShuffleSeeds bool `hcl:"shuffle_seeds,optional"`

	Depth         int     `hcl:"depth,optional"`
	DiscardFactor float64 `hcl:"discard_factor,optional"`

	// DatasetType is MAPPED, HASHED or BITMASK.
	DatasetType string `hcl:"dataset_type,optional"`

	// NoGoal generates states without goal graphs.
	NoGoal bool `hcl:"no_goal,optional"`

	Threads int `hcl:"threads,optional"`
}

// JobBlock is one benchmark configuration.
type JobBlock struct {
	Name      string   `hcl:"name,label"`
	Search    string   `hcl:"search,optional"`
	Heuristic string   `hcl:"heuristic,optional"`
	Threads   int      `hcl:"threads,optional"`
	ExtraArgs []string `hcl:"extra_args,optional"`
}

// Suite is a parsed suite file.
type Suite struct {
	Planner  PlannerBlock   `hcl:"planner,block"`
	Generate *GenerateBlock `hcl:"generate,block"`
	Jobs     []*JobBlock    `hcl:"job,block"`

	// Dir is the directory of the suite file: relative paths are resolved against it.
	Dir string

	timeout time.Duration
}

// LoadSuite reads and parses the suite file at path.
func LoadSuite(path string) (*Suite, error) {
	path, err := fsutil.ReplaceTilde(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSuite, "reading %q: %v", path, err)
	}
	return ParseSuite(src, path)
}

// ParseSuite parses a suite from src. The directory of filename is used as suite_dir.
func ParseSuite(src []byte, filename string) (*Suite, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(ErrSuite, "parsing %q: %s", filename, diags.Error())
	}
	dir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving directory of %q", filename)
	}
	suite := &Suite{Dir: dir}
	diags = gohcl.DecodeBody(file.Body, evalContext(dir), suite)
	if diags.HasErrors() {
		return nil, errors.Wrapf(ErrSuite, "decoding %q: %s", filename, diags.Error())
	}
	if err = suite.finish(); err != nil {
		return nil, errors.WithMessagef(err, "suite %q", filename)
	}
	return suite, nil
}

func evalContext(dir string) *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if key, value, found := strings.Cut(kv, "="); found && key != "" {
			env[key] = cty.StringVal(value)
		}
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(env) > 0 {
		envVal = cty.MapVal(env)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"suite_dir": cty.StringVal(dir),
		"env":       envVal,
	}}
}

// finish validates the suite and fills in the defaults.
func (s *Suite) finish() error {
	if s.Planner.Binary == "" {
		return errors.Wrap(ErrSuite, "planner binary is empty")
	}
	var err error
	if s.Planner.Binary, err = fsutil.Resolve(s.Planner.Binary, s.Dir); err != nil {
		return err
	}
	s.timeout = DefaultTimeout
	if s.Planner.Timeout != "" {
		if s.timeout, err = time.ParseDuration(s.Planner.Timeout); err != nil || s.timeout <= 0 {
			return errors.Wrapf(ErrSuite, "invalid planner timeout %q", s.Planner.Timeout)
		}
	}
	if g := s.Generate; g != nil {
		if len(g.Seeds) == 0 {
			g.Seeds = DefaultSeeds
		}
		if g.Depth == 0 {
			g.Depth = DefaultDepth
		}
		if g.DiscardFactor == 0 {
			g.DiscardFactor = DefaultDiscardFactor
		}
		if g.DatasetType == "" {
			g.DatasetType = DefaultDatasetType
		}
		if _, err = SchemeKind(g.DatasetType); err != nil {
			return err
		}
		if g.Depth < 0 || g.DiscardFactor < 0 || g.DiscardFactor > 1 {
			return errors.Wrapf(ErrSuite, "invalid generate depth %d or discard_factor %g", g.Depth, g.DiscardFactor)
		}
		if g.Threads <= 0 {
			g.Threads = DefaultThreads
		}
	}
	names := make(map[string]bool)
	for _, job := range s.Jobs {
		if names[job.Name] {
			return errors.Wrapf(ErrSuite, "job %q defined more than once", job.Name)
		}
		names[job.Name] = true
		if job.Threads <= 0 {
			job.Threads = DefaultThreads
		}
	}
	return nil
}

// Timeout of each planner run.
func (s *Suite) Timeout() time.Duration { return s.timeout }

// Runner returns the runner of the suite planner.
func (s *Suite) Runner() *Runner {
	return &Runner{Binary: s.Planner.Binary, Timeout: s.timeout, Args: s.Planner.Args}
}

// SchemeKind maps a planner dataset type to the label encoding it produces.
func SchemeKind(datasetType string) (labels.Kind, error) {
	switch strings.ToUpper(datasetType) {
	case "MAPPED":
		return labels.KindScalarID, nil
	case "HASHED":
		return labels.KindHashed, nil
	case "BITMASK":
		return labels.KindBitmask, nil
	}
	return 0, errors.Wrapf(ErrSuite, "unknown dataset type %q, expected MAPPED, HASHED or BITMASK", datasetType)
}

// Args returns the planner arguments of the job, for problems encoded with datasetType.
func (j *JobBlock) Args(datasetType string) []string {
	args := []string{"-c", "-b", "--dataset_type", datasetType}
	if j.Search != "" {
		args = append(args, "-s", j.Search)
	}
	if j.Heuristic != "" {
		args = append(args, "-u", j.Heuristic)
	}
	return append(args, j.ExtraArgs...)
}
