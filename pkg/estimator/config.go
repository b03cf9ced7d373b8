// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrConfig is returned (wrapped) for invalid or incomplete model configurations, and for inputs
	// that don't match the model configuration.
	ErrConfig = errors.New("invalid model configuration")

	// ErrShapeMismatch is returned (wrapped) when checkpoint weights don't fit the architecture.
	ErrShapeMismatch = errors.New("weights shape mismatch")
)

// Context hyperparameters holding the model configuration. They are saved with every checkpoint.
const (
	// ParamHiddenDim is the dimension of the node states after each graph convolution. Default is 128.
	ParamHiddenDim = "hidden_dim"

	// ParamNodeEmbDim is the dimension of the node embedding computed from the encoded labels. Default is 64.
	ParamNodeEmbDim = "node_emb_dim"

	// ParamEdgeEmbDim is the dimension of the edge label embedding. Default is 32.
	ParamEdgeEmbDim = "edge_emb_dim"

	// ParamUseGoal defines whether the model encodes a goal graph. Default is true.
	ParamUseGoal = "use_goal"

	// ParamUseDepth defines whether the model takes the (normalized) search depth as input. Default is true.
	ParamUseDepth = "use_depth"

	// ParamEncodingScheme is the label encoding scheme kind: "SCALAR_ID", "HASHED" or "BITMASK".
	ParamEncodingScheme = "encoding_scheme"

	// ParamBitWidth is the bitmask width, only used (and then required) with "BITMASK".
	ParamBitWidth = "bit_width"

	// ParamNumConvLayers is the number of graph convolutions applied to each graph. Default is 2.
	ParamNumConvLayers = "num_conv_layers"

	// ParamRegressorDim is the dimension of the hidden layers of the regressor. Default is 128.
	ParamRegressorDim = "regressor_dim"

	// ParamRegressorBlocks is the number of residual blocks of the regressor. Default is 3.
	ParamRegressorBlocks = "regressor_blocks"

	// ParamDropout is the dropout rate used in the regressor during training. Default is 0.2.
	ParamDropout = "dropout"

	// ParamMinValue bounds the output to [min_value, 1-min_value]. Default is 1e-3.
	ParamMinValue = "min_value"
)

// Config of the distance estimator architecture.
type Config struct {
	HiddenDim, NodeEmbDim, EdgeEmbDim int

	UseGoal, UseDepth bool

	Scheme labels.Scheme

	NumConvLayers, RegressorDim, RegressorBlocks int

	Dropout, MinValue float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HiddenDim:       128,
		NodeEmbDim:      64,
		EdgeEmbDim:      32,
		UseGoal:         true,
		UseDepth:        true,
		Scheme:          labels.ScalarID(),
		NumConvLayers:   2,
		RegressorDim:    128,
		RegressorBlocks: 3,
		Dropout:         0.2,
		MinValue:        1e-3,
	}
}

// Validate returns an ErrConfig if any of the values is out of range.
func (c Config) Validate() error {
	if err := c.Scheme.Validate(); err != nil {
		return errors.Wrapf(ErrConfig, "%v", err)
	}
	for _, dim := range []struct {
		key   string
		value int
	}{
		{ParamHiddenDim, c.HiddenDim},
		{ParamNodeEmbDim, c.NodeEmbDim},
		{ParamEdgeEmbDim, c.EdgeEmbDim},
		{ParamNumConvLayers, c.NumConvLayers},
		{ParamRegressorDim, c.RegressorDim},
	} {
		if dim.value < 1 {
			return errors.Wrapf(ErrConfig, "%s must be >= 1, got %d", dim.key, dim.value)
		}
	}
	if c.RegressorBlocks < 0 {
		return errors.Wrapf(ErrConfig, "%s must be >= 0, got %d", ParamRegressorBlocks, c.RegressorBlocks)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Wrapf(ErrConfig, "%s must be in [0, 1), got %g", ParamDropout, c.Dropout)
	}
	if c.MinValue < 0 || c.MinValue >= 0.5 {
		return errors.Wrapf(ErrConfig, "%s must be in [0, 0.5), got %g", ParamMinValue, c.MinValue)
	}
	return nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("hidden=%d node_emb=%d edge_emb=%d goal=%v depth=%v scheme=%s convs=%d regressor=%dx%d dropout=%g min=%g",
		c.HiddenDim, c.NodeEmbDim, c.EdgeEmbDim, c.UseGoal, c.UseDepth, c.Scheme,
		c.NumConvLayers, c.RegressorBlocks, c.RegressorDim, c.Dropout, c.MinValue)
}

// Params returns the configuration as context hyperparameters.
func (c Config) Params() map[string]any {
	params := map[string]any{
		ParamHiddenDim:       c.HiddenDim,
		ParamNodeEmbDim:      c.NodeEmbDim,
		ParamEdgeEmbDim:      c.EdgeEmbDim,
		ParamUseGoal:         c.UseGoal,
		ParamUseDepth:        c.UseDepth,
		ParamEncodingScheme:  c.Scheme.Kind.String(),
		ParamNumConvLayers:   c.NumConvLayers,
		ParamRegressorDim:    c.RegressorDim,
		ParamRegressorBlocks: c.RegressorBlocks,
		ParamDropout:         c.Dropout,
		ParamMinValue:        c.MinValue,
	}
	if c.Scheme.Kind == labels.KindBitmask {
		params[ParamBitWidth] = c.Scheme.Width
	}
	return params
}

// ConfigKeys lists the hyperparameters that make up a Config. ParamBitWidth is only used with BITMASK.
var ConfigKeys = []string{
	ParamHiddenDim, ParamNodeEmbDim, ParamEdgeEmbDim, ParamUseGoal, ParamUseDepth,
	ParamEncodingScheme, ParamBitWidth, ParamNumConvLayers, ParamRegressorDim, ParamRegressorBlocks,
	ParamDropout, ParamMinValue,
}

// SetConfig stores the configuration in the root scope of ctx.
func SetConfig(ctx *context.Context, c Config) {
	ctx.InAbsPath(context.RootScope).SetParams(c.Params())
}

// ConfigFromContext reads the configuration from the root scope hyperparameters of ctx.
// Every missing key is listed in the returned ErrConfig.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	root := ctx.InAbsPath(context.RootScope)
	var missing []string
	for _, key := range ConfigKeys {
		if key == ParamBitWidth {
			continue
		}
		if v, found := root.GetParam(key); !found || v == nil {
			missing = append(missing, key)
		}
	}
	var c Config
	var schemeErr error
	err := exceptions.TryCatch[error](func() {
		if !slices.Contains(missing, ParamEncodingScheme) {
			kindName := context.MustGetParam[string](root, ParamEncodingScheme)
			kind, err := labels.KindString(strings.ToUpper(kindName))
			if err != nil {
				schemeErr = errors.Wrapf(ErrConfig, "%s=%q is not a valid scheme, valid values are %v",
					ParamEncodingScheme, kindName, labels.KindStrings())
				return
			}
			c.Scheme = labels.Scheme{Kind: kind}
			if kind == labels.KindBitmask {
				if v, found := root.GetParam(ParamBitWidth); !found || v == nil {
					missing = append(missing, ParamBitWidth)
				} else {
					c.Scheme.Width = context.MustGetParam[int](root, ParamBitWidth)
				}
			}
		}
		if len(missing) > 0 {
			return
		}
		c.HiddenDim = context.MustGetParam[int](root, ParamHiddenDim)
		c.NodeEmbDim = context.MustGetParam[int](root, ParamNodeEmbDim)
		c.EdgeEmbDim = context.MustGetParam[int](root, ParamEdgeEmbDim)
		c.UseGoal = context.MustGetParam[bool](root, ParamUseGoal)
		c.UseDepth = context.MustGetParam[bool](root, ParamUseDepth)
		c.NumConvLayers = context.MustGetParam[int](root, ParamNumConvLayers)
		c.RegressorDim = context.MustGetParam[int](root, ParamRegressorDim)
		c.RegressorBlocks = context.MustGetParam[int](root, ParamRegressorBlocks)
		c.Dropout = context.MustGetParam[float64](root, ParamDropout)
		c.MinValue = context.MustGetParam[float64](root, ParamMinValue)
	})
	if err != nil {
		return Config{}, errors.Wrapf(ErrConfig, "reading model configuration: %v", err)
	}
	if schemeErr != nil {
		return Config{}, schemeErr
	}
	if len(missing) > 0 {
		return Config{}, errors.Wrapf(ErrConfig, "missing required configuration keys %q", missing)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
