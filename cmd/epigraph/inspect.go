// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/epiplan/epigraph/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

func runInspect(e *env, args []string) error {
	fs := newFlagSet("inspect")
	scope := fs.String("scope", "/", "Scope of the variables included in the summary and the variables report.")
	params := fs.Bool("params", true, "Lists the hyperparameters.")
	vars := fs.Bool("vars", false, "Lists the variables under -scope.")
	numEpochs := fs.Int("history", 10, "Number of last epochs of the training history listed, if found next to the checkpoint. 0 to skip.")
	positional, err := parseArgs(fs, args, 1, 1)
	if err != nil {
		return err
	}
	dir := positional[0]
	ctx := context.New()
	if _, err = checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint %q", dir)
	}
	scopedCtx := ctx.InAbsPath(*scope)

	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.AddRow(false, "checkpoint", dir)
	summary.AddRow(false, "scope", *scope)
	summary.AddRow(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	var numVars, totalSize int
	var totalMemory uintptr
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	summary.AddRow(false, "# variables", humanize.Comma(int64(numVars)))
	summary.AddRow(false, "# parameters", humanize.Comma(int64(totalSize)))
	summary.AddRow(false, "# bytes", humanize.Bytes(uint64(totalMemory)))
	cfg, err := estimator.ConfigFromContext(ctx)
	if err != nil {
		summary.AddRow(true, "model", err.Error())
	} else {
		summary.AddRow(false, "model", cfg.String())
	}
	scaler := targets.FromContext(ctx)
	summary.AddRow(false, "target scaler", fmt.Sprintf("slope=%g intercept=%g max_depth=%g",
		scaler.Slope, scaler.Intercept, scaler.MaxDepth))
	summary.Print(e.out, "Summary")

	if found, _ := fsutil.FileExists(filepath.Join(dir, estimator.MetricsFile)); found {
		metrics, err := estimator.ReadMetrics(dir)
		if err != nil {
			return err
		}
		metricsTable(metrics).Print(e.out, "Metrics")
	}
	if *params {
		paramsTable(ctx).Print(e.out, "Hyperparameters")
	}
	if *vars {
		t, err := variablesTable(scopedCtx)
		if err != nil {
			return err
		}
		t.Print(e.out, fmt.Sprintf("Variables in scope %q", scopedCtx.Scope()))
	}
	if *numEpochs > 0 {
		historyDir := filepath.Dir(filepath.Clean(dir))
		if found, _ := fsutil.FileExists(filepath.Join(historyDir, training.HistoryFile)); found {
			history, err := training.ReadHistory(historyDir)
			if err != nil {
				return err
			}
			historyTable(history, *numEpochs).Print(e.out, "Training history")
		}
	}
	return nil
}

func paramsTable(ctx *context.Context) *table {
	t := newTable(lipgloss.Left)
	t.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		t.AddRow(false, row...)
	}
	return t
}

// variableStats returns the mean absolute value, root-mean-square and max absolute value of x.
func variableStats(x []float64) (mav, rms, maxAV float64) {
	n := float64(len(x))
	if n == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	return floats.Norm(x, 1) / n, floats.Norm(x, 2) / math.Sqrt(n), floats.Norm(x, math.Inf(1))
}

// variablesTable lists the variables of ctx with their shape and, for float32 variables, the MAV
// (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value).
func variablesTable(ctx *context.Context) (*table, error) {
	t := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	var err error
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if err != nil {
			return
		}
		shape := v.Shape()
		var value *tensors.Tensor
		value, err = v.Value()
		if err != nil {
			err = errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
			return
		}
		var mav, rms, maxAV string
		switch {
		case shape.Size() == 1:
			mav = fmt.Sprintf("%v", value.Value())
		case shape.DType == dtypes.Float32:
			flat := tensors.MustCopyFlatData[float32](value)
			x := make([]float64, len(flat))
			for ii, f := range flat {
				x[ii] = float64(f)
			}
			m, r, a := variableStats(x)
			mav, rms, maxAV = fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", a)
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		t.AddRow(false, row...)
	}
	return t, nil
}

// historyTable lists the last numEpochs of history, with the best epoch (lowest val_loss) in red.
func historyTable(history []training.Epoch, numEpochs int) *table {
	best := -1
	for ii, epoch := range history {
		if best < 0 || epoch.ValLoss < history[best].ValLoss {
			best = ii
		}
	}
	t := newTable(lipgloss.Right)
	t.Headers("Epoch", "Step", "train_loss", "val_loss", "rmse", "mae", "r2")
	for ii := max(len(history)-numEpochs, 0); ii < len(history); ii++ {
		epoch := history[ii]
		t.AddRow(ii == best, strconv.Itoa(epoch.Epoch), humanize.Comma(int64(epoch.GlobalStep)),
			formatFloat(epoch.TrainLoss), formatFloat(epoch.ValLoss),
			formatFloat(epoch.RMSE), formatFloat(epoch.MAE), formatFloat(epoch.R2))
	}
	return t
}
