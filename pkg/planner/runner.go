// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Status of a planner run.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoGoal
	StatusTimeout
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoGoal:
		return "no_goal"
	case StatusTimeout:
		return "timeout"
	}
	return "failure"
}

// Exit codes of the planner.
const (
	ExitSuccess        = 0
	ExitSuccessWarning = 2
	ExitNoGoal         = 3
)

// StatusOf maps a planner exit code to a Status.
func StatusOf(exitCode int) Status {
	switch exitCode {
	case ExitSuccess, ExitSuccessWarning:
		return StatusSuccess
	case ExitNoGoal:
		return StatusNoGoal
	}
	return StatusFailure
}

// Result of a planner run.
type Result struct {
	Status   Status
	ExitCode int

	// Output is stdout and stderr merged. On timeout, it holds what was written until then.
	Output   string
	Duration time.Duration
}

// Runner runs the planner binary on problem files.
type Runner struct {
	Binary  string
	Timeout time.Duration

	// Args are passed to every run, before the run arguments.
	Args []string
}

// Run runs the planner on problem. The planner failing is reported in the Result: an error is
// returned only if it couldn't be started, or if ctx is canceled.
func (r *Runner) Run(ctx context.Context, problem string, args ...string) (*Result, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmdArgs := append([]string{problem}, r.Args...)
	cmdArgs = append(cmdArgs, args...)
	cmd := exec.CommandContext(runCtx, r.Binary, cmdArgs...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = time.Second

	klog.V(2).Infof("running %s %q", r.Binary, cmdArgs)
	start := time.Now()
	err := cmd.Run()
	res := &Result{Output: output.String(), Duration: time.Since(start)}
	if ctx.Err() != nil {
		return nil, errors.Wrapf(context.Cause(ctx), "running planner on %q", problem)
	}
	if runCtx.Err() != nil {
		res.Status, res.ExitCode = StatusTimeout, -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "starting planner %q", r.Binary)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Status = StatusOf(res.ExitCode)
	return res, nil
}
