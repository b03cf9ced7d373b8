// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package targets maps goal distances to the model output range and back.
//
// A distance d is mapped linearly to d*Slope + Intercept, so that distances in [0, MaxDepth] fall in
// [MinValue, 1-MinValue], the range the estimator output is clamped to.
package targets

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// MinValue is the lowest model output.
	MinValue = 1e-3

	// MaxValue is the highest model output.
	MaxValue = 1 - MinValue

	// DefaultMaxDepth is the distance mapped to MaxValue.
	DefaultMaxDepth = 50

	// Unreachable is the distance the planner writes for states that can't reach the goal.
	Unreachable = 1_000_000

	// File is the name of the constants file written next to exported models.
	File = "normalization.json"
)

// Context hyperparameters holding the scaler used to train a model.
const (
	ParamSlope     = "target_slope"
	ParamIntercept = "target_intercept"
	ParamMaxDepth  = "target_max_depth"
)

// Scaler maps distances to model outputs.
type Scaler struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	MaxDepth  float64 `json:"max_depth"`
}

// Default returns the scaler mapping [0, DefaultMaxDepth] to [MinValue, MaxValue].
func Default() Scaler {
	return Scaler{
		Slope:     (MaxValue - MinValue) / DefaultMaxDepth,
		Intercept: MinValue,
		MaxDepth:  DefaultMaxDepth,
	}
}

// IsUnreachable returns whether distance marks a state from which the goal can't be reached.
func IsUnreachable(distance float64) bool {
	return distance >= Unreachable || distance < 0
}

// Forward maps a distance to the model output range. Unreachable distances map like MaxDepth.
func (s Scaler) Forward(distance float64) float64 {
	if IsUnreachable(distance) {
		distance = s.MaxDepth
	}
	return distance*s.Slope + s.Intercept
}

// Inverse maps a model output back to a distance.
func (s Scaler) Inverse(value float64) float64 {
	return (value - s.Intercept) / s.Slope
}

// Validate returns an error if the scaler can't be inverted.
func (s Scaler) Validate() error {
	if s.Slope <= 0 {
		return errors.Errorf("target scaler slope must be > 0, got %g", s.Slope)
	}
	if s.MaxDepth <= 0 {
		return errors.Errorf("target scaler max_depth must be > 0, got %g", s.MaxDepth)
	}
	return nil
}

// SetParams stores the scaler in the root scope of ctx, so it is saved with the checkpoints.
func (s Scaler) SetParams(ctx *context.Context) {
	ctx.InAbsPath(context.RootScope).SetParams(map[string]any{
		ParamSlope:     s.Slope,
		ParamIntercept: s.Intercept,
		ParamMaxDepth:  s.MaxDepth,
	})
}

// FromContext returns the scaler stored in ctx, or Default if none is stored.
func FromContext(ctx *context.Context) Scaler {
	root := ctx.InAbsPath(context.RootScope)
	def := Default()
	return Scaler{
		Slope:     context.GetParamOr(root, ParamSlope, def.Slope),
		Intercept: context.GetParamOr(root, ParamIntercept, def.Intercept),
		MaxDepth:  context.GetParamOr(root, ParamMaxDepth, def.MaxDepth),
	}
}

// Save writes the scaler to File in dir.
func (s Scaler) Save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding target scaler")
	}
	path := filepath.Join(dir, File)
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// Read reads the scaler from File in dir.
func Read(dir string) (Scaler, error) {
	var s Scaler
	path := filepath.Join(dir, File)
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "reading %q", path)
	}
	if err = json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "parsing %q", path)
	}
	if err = s.Validate(); err != nil {
		return s, errors.WithMessagef(err, "in %q", path)
	}
	return s, nil
}
