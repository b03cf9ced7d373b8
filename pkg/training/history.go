// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Plots of the history, written next to HistoryFile.
const (
	LossPlotFile    = "train_loss.png"
	MetricsPlotFile = "validation_metrics.png"
)

// SaveHistory writes the history of the epochs run so far to the output directory, along with
// its plots.
func (t *Trainer) SaveHistory() error {
	path := filepath.Join(t.opts.OutputDir, HistoryFile)
	data, err := json.MarshalIndent(t.History, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding training history")
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing training history")
	}
	if err = PlotHistory(t.History, t.opts.OutputDir); err != nil {
		return err
	}
	klog.V(1).Infof("training history saved to %q", path)
	return nil
}

// ReadHistory reads the history saved by a training run in dir.
func ReadHistory(dir string) ([]Epoch, error) {
	path := filepath.Join(dir, HistoryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading training history")
	}
	var history []Epoch
	if err = json.Unmarshal(data, &history); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return history, nil
}

// historySeries returns each metric of the history by epoch.
func historySeries(history []Epoch) map[string]plotter.XYs {
	series := map[string]plotter.XYs{
		"train_loss": make(plotter.XYs, len(history)),
		"val_loss":   make(plotter.XYs, len(history)),
		"mse":        make(plotter.XYs, len(history)),
		"rmse":       make(plotter.XYs, len(history)),
		"mae":        make(plotter.XYs, len(history)),
		"r2":         make(plotter.XYs, len(history)),
	}
	for ii, e := range history {
		x := float64(e.Epoch)
		series["train_loss"][ii] = plotter.XY{X: x, Y: e.TrainLoss}
		series["val_loss"][ii] = plotter.XY{X: x, Y: e.ValLoss}
		series["mse"][ii] = plotter.XY{X: x, Y: e.MSE}
		series["rmse"][ii] = plotter.XY{X: x, Y: e.RMSE}
		series["mae"][ii] = plotter.XY{X: x, Y: e.MAE}
		series["r2"][ii] = plotter.XY{X: x, Y: e.R2}
	}
	return series
}

// PlotHistory plots the losses (series named "*loss") and the other validation metrics, in two
// files in dir.
func PlotHistory(history []Epoch, dir string) error {
	if len(history) == 0 {
		return nil
	}
	series := historySeries(history)
	var losses, others []any
	for _, name := range []string{"train_loss", "val_loss", "mse", "rmse", "mae", "r2"} {
		if strings.Contains(name, "loss") {
			losses = append(losses, name, series[name])
		} else {
			others = append(others, name, series[name])
		}
	}
	if err := savePlot(filepath.Join(dir, LossPlotFile), "Loss", 0, 1, losses); err != nil {
		return err
	}
	return savePlot(filepath.Join(dir, MetricsPlotFile), "Validation Metric", -1, 1, others)
}

func savePlot(path, yLabel string, yMin, yMax float64, lines []any) error {
	p := plot.New()
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = yLabel
	p.Y.Min, p.Y.Max = yMin, yMax
	if err := plotutil.AddLines(p, lines...); err != nil {
		return errors.Wrapf(err, "plotting %q", path)
	}
	p.Legend.Top = true
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot %q", path)
	}
	return nil
}
