// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"

	"github.com/epiplan/epigraph/pkg/dataset"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Miss is an evaluated sample whose prediction is farther than the threshold from its target.
type Miss struct {
	Source     string  `json:"source"`
	Prediction float64 `json:"prediction"`
	Target     float64 `json:"target"`
}

// Report of an evaluation. Metrics are over normalized values (see targets.Scaler).
type Report struct {
	estimator.Metrics

	NumSamples int     `json:"num_samples"`
	Threshold  float64 `json:"threshold"`
	Misses     []Miss  `json:"misses,omitempty"`
}

// Evaluate runs model over every batch of ds and compares the predictions to the targets:
// mse, rmse, mae, r2, and val_loss = 1 - r2.
// Predictions farther than threshold from their target are listed as misses.
func Evaluate(model estimator.Model, ds *dataset.Dataset, threshold float64) (*Report, error) {
	var predictions, values []float64
	report := &Report{Threshold: threshold}
	for b, err := range ds.Batches() {
		if err != nil {
			return nil, err
		}
		if b.Target == nil {
			return nil, errors.Wrapf(estimator.ErrConfig, "evaluation dataset %q has no targets", ds.Name())
		}
		preds, err := model.Forward(b)
		if err != nil {
			return nil, err
		}
		for ii, p := range preds {
			pred, target := float64(p), float64(b.Target[ii])
			predictions = append(predictions, pred)
			values = append(values, target)
			if math.Abs(pred-target) > threshold {
				miss := Miss{Prediction: pred, Target: target}
				if ii < len(b.Sources) {
					miss.Source = b.Sources[ii]
				}
				report.Misses = append(report.Misses, miss)
			}
		}
	}
	report.NumSamples = len(values)
	report.Metrics = RegressionMetrics(predictions, values)
	return report, nil
}

// RegressionMetrics compares predictions to values.
//
// If values are constant, r2 is 1 for perfect predictions and 0 otherwise.
func RegressionMetrics(predictions, values []float64) estimator.Metrics {
	var m estimator.Metrics
	n := float64(len(values))
	if n == 0 {
		return m
	}
	l2 := floats.Distance(predictions, values, 2)
	m.MSE = l2 * l2 / n
	m.RMSE = math.Sqrt(m.MSE)
	m.MAE = floats.Distance(predictions, values, 1) / n
	if stat.Variance(values, nil) == 0 || n < 2 {
		if l2 == 0 {
			m.R2 = 1
		}
	} else {
		m.R2 = stat.RSquaredFrom(predictions, values, nil)
	}
	m.ValLoss = 1 - m.R2
	return m
}
