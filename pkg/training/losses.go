// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// maskedMean returns the mean of errors over the graphs where mask is true.
// labels are [target, mask], see estimator.LabelsFromBatch.
func maskedMean(labels, predictions []*Node, errFn func(diff *Node) *Node) *Node {
	if len(labels) != 2 || len(predictions) != 1 {
		exceptions.Panicf("expected labels (target, mask) and one prediction, got %d labels and %d predictions",
			len(labels), len(predictions))
	}
	targets, mask, preds := labels[0], labels[1], predictions[0]
	if !targets.Shape().Equal(preds.Shape()) {
		exceptions.Panicf("targets (%s) and predictions (%s) must have the same shape", targets.Shape(), preds.Shape())
	}
	errs := errFn(Sub(targets, preds))
	errs = Where(mask, errs, ZerosLike(errs))
	count := ReduceAllSum(ConvertDType(mask, errs.DType()))
	return Div(ReduceAllSum(errs), MaxScalar(count, 1))
}

// MaskedMeanSquaredError is the training loss: the mean squared error over the real
// (not padding) graphs of the batch.
func MaskedMeanSquaredError(labels, predictions []*Node) *Node {
	return maskedMean(labels, predictions, func(diff *Node) *Node { return Mul(diff, diff) })
}

// MaskedMeanAbsoluteError is the mean absolute error over the real graphs of the batch.
func MaskedMeanAbsoluteError(labels, predictions []*Node) *Node {
	return maskedMean(labels, predictions, Abs)
}

func maskedMAEGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return ConvertDType(MaskedMeanAbsoluteError(labels, predictions), dtypes.Float32)
}

// NewMovingAverageMAE returns the exponential moving average of the masked MAE, shown during training.
func NewMovingAverageMAE() metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric("Moving Average MAE", "~mae", "mae", maskedMAEGraph, nil, 0.01)
}

// NewMeanMAE returns the mean of the masked MAE over an evaluation dataset.
// Batches are weighted equally.
func NewMeanMAE() metrics.Interface {
	return metrics.NewMeanMetric("Mean MAE", "#mae", "mae", maskedMAEGraph, nil).WithDynamicBatch(false)
}
