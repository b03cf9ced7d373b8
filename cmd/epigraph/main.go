// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// epigraph trains and runs graph neural network heuristics for epistemic planning.
//
// Usage:
//
//	epigraph [-set="param=value;..."] [klog flags] <command> [command flags] <args...>
//
// Model and training hyperparameters (see -help) are set with -set and stored with the checkpoints.
// Commands:
//
//	encode    Prints the encoding of a state graph (and goal graph).
//	train     Trains an estimator on one or more datasets.
//	eval      Evaluates a checkpoint on datasets.
//	predict   Estimates the distance to the goal of state graphs.
//	export    Exports a checkpoint as a self-contained artifact.
//	check     Compares an artifact with its checkpoint on dataset samples.
//	inspect   Reports the hyperparameters, variables and metrics of a checkpoint.
//	generate  Runs the planner to generate training datasets.
//	bench     Runs the planner jobs of a suite and summarizes the results.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/epiplan/epigraph/pkg/training"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var flagColor = flag.Bool("color", true, "Use colors in reports, if the terminal supports them.")

// command is one epigraph subcommand.
type command struct {
	usage string
	run   func(e *env, args []string) error
}

var commands = map[string]command{
	"encode":   {"[-goal goal.dot] <state.dot>", runEncode},
	"train":    {"[flags] <manifest.csv|dataset_dir>...", runTrain},
	"eval":     {"[flags] <checkpoint_dir> <manifest.csv|dataset_dir>...", runEval},
	"predict":  {"[-goal goal.dot] [-depth d] <checkpoint_dir> <state.dot>...", runPredict},
	"export":   {"<checkpoint_dir> <artifact_dir>", runExport},
	"check":    {"[flags] <artifact_dir> <manifest.csv|dataset_dir>...", runCheck},
	"inspect":  {"[flags] <checkpoint_dir>", runInspect},
	"generate": {"[flags] <suite.hcl> <problems_dir|problem_file>...", runGenerate},
	"bench":    {"[flags] <suite.hcl> <problems_dir|problem_file>...", runBench},
}

// env is shared by all commands.
type env struct {
	// ctx holds the hyperparameters given with -set.
	ctx *context.Context

	// signals is canceled on interrupt.
	signals stdcontext.Context

	out io.Writer

	newBackend  func() backends.Backend
	backendOnce sync.Once
	backend     backends.Backend
}

// Backend creates the backend on first use.
func (e *env) Backend() backends.Backend {
	e.backendOnce.Do(func() { e.backend = e.newBackend() })
	return e.backend
}

// defaultContext returns a context with the default value of every hyperparameter that can be set
// with -set.
func defaultContext() *context.Context {
	ctx := context.New()
	estimator.SetConfig(ctx, estimator.DefaultConfig())
	ctx.SetParam(estimator.ParamBitWidth, 0)
	training.DefaultOptions().SetParams(ctx)
	targets.Default().SetParams(ctx)
	return ctx
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags] <args...>\n\nCommands:\n", os.Args[0])
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-9s %s\n", name, commands[name].usage)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	ctx := defaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if !*flagColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("hyperparameters:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	signals, cancel := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer cancel()
	e := &env{ctx: ctx, signals: signals, out: os.Stdout, newBackend: backends.MustNew}
	if err = e.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		klog.Errorf("%s: %+v", flag.Arg(0), err)
		cancel()
		os.Exit(1)
	}
}

// run executes the named command.
func (e *env) run(name string, args []string) error {
	cmd, found := commands[name]
	if !found {
		return errors.Errorf("unknown command %q, see -help", name)
	}
	return cmd.run(e, args)
}

// newFlagSet returns the flag set of a command, which returns parsing errors instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "Usage: epigraph %s %s\n", name, commands[name].usage)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses the command flags and checks the number of positional arguments, with
// maxArgs < 0 meaning unbounded.
func parseArgs(fs *flag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	positional := fs.Args()
	if len(positional) < minArgs || (maxArgs >= 0 && len(positional) > maxArgs) {
		fs.Usage()
		return nil, errors.Errorf("%s: wrong number of arguments %d", fs.Name(), len(positional))
	}
	return positional, nil
}
