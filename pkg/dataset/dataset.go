// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads dataset manifests, loads their samples and serves them in batches.
//
// A manifest is a CSV file, named "<problem>_depth_<N>.csv", with one row per state:
//
//	Path Hash,Path Mapped,Depth,Distance From Goal,Goal
//
// See ReadManifest, LoadSamples and Dataset.
package dataset

import (
	"io"
	"iter"
	"math/rand/v2"

	"github.com/epiplan/epigraph/pkg/batch"
	"github.com/epiplan/epigraph/pkg/estimator"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Dataset serves batches of samples as model inputs and labels. It implements train.Dataset.
type Dataset struct {
	name      string
	cfg       estimator.Config
	samples   []*sample.Sample
	batchSize int

	// rng shuffles the samples at every Reset, if not nil.
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset over samples, for a model with configuration cfg.
// If rng is not nil, samples are shuffled at every epoch; otherwise they are served in order.
func New(name string, cfg estimator.Config, samples []*sample.Sample, batchSize int, rng *rand.Rand) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(estimator.ErrConfig, "dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(estimator.ErrConfig, "dataset %q has no samples", name)
	}
	ds := &Dataset{name: name, cfg: cfg, samples: samples, batchSize: batchSize, rng: rng}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.samples) }

// NumBatches returns the number of batches per epoch.
func (ds *Dataset) NumBatches() int { return (len(ds.samples) + ds.batchSize - 1) / ds.batchSize }

// Reset implements train.Dataset. It starts a new epoch.
func (ds *Dataset) Reset() {
	ds.next = 0
	if ds.order == nil {
		ds.order = make([]int, len(ds.samples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// nextBatch returns the next collated batch of the epoch, or io.EOF.
func (ds *Dataset) nextBatch() (*batch.Batch, error) {
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	selected := make([]*sample.Sample, 0, end-ds.next)
	for _, idx := range ds.order[ds.next:end] {
		selected = append(selected, ds.samples[idx])
	}
	ds.next = end
	b, err := batch.Collate(selected)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return b, nil
}

// Yield implements train.Dataset: inputs are estimator.InputsFromBatch and labels are
// estimator.LabelsFromBatch. Depth and targets are required.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, err = estimator.InputsFromBatch(ds.cfg, b, true)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	labels, err = estimator.LabelsFromBatch(b)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return nil, inputs, labels, nil
}

// Batches iterates over one epoch of collated batches, starting with a Reset.
// Iteration stops after the first error.
func (ds *Dataset) Batches() iter.Seq2[*batch.Batch, error] {
	return func(yield func(*batch.Batch, error) bool) {
		ds.Reset()
		for {
			b, err := ds.nextBatch()
			if err == io.EOF {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
