// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/epiplan/epigraph/pkg/dotgraph"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/sample"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// LoadOptions configures LoadSamples.
type LoadOptions struct {
	Scheme labels.Scheme
	Scaler targets.Scaler

	// Parallelism is the number of files loaded concurrently. 0 uses the number of CPUs.
	Parallelism int

	// Graphs loads graph files. If nil, dotgraph.Load is used.
	Graphs sample.GraphSource
}

// graphCache loads each shared graph file (typically goals) only once, even when requested
// concurrently. Files used by a single entry are not kept.
type graphCache struct {
	load   sample.GraphSource
	shared map[string]bool

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*dotgraph.Graph
}

func newGraphCache(load sample.GraphSource, entries []Entry) *graphCache {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.StatePath]++
		if e.GoalPath != "" {
			counts[e.GoalPath]++
		}
	}
	c := &graphCache{load: load, shared: make(map[string]bool), cache: make(map[string]*dotgraph.Graph)}
	for path, count := range counts {
		if count > 1 {
			c.shared[path] = true
		}
	}
	return c
}

// Load implements sample.GraphSource.
func (c *graphCache) Load(path string) (*dotgraph.Graph, error) {
	if !c.shared[path] {
		return c.load(path)
	}
	c.mu.Lock()
	g, found := c.cache[path]
	c.mu.Unlock()
	if found {
		return g, nil
	}
	v, err, _ := c.group.Do(path, func() (any, error) {
		g, err := c.load(path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[path] = g
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dotgraph.Graph), nil
}

// LoadSamples loads and encodes the samples of entries, in the same order.
// Targets are the scaled distances, see targets.Scaler.Forward.
//
// It stops at the first failure, and returns an error naming the manifest row.
func LoadSamples(ctx context.Context, entries []Entry, opts LoadOptions) ([]*sample.Sample, error) {
	if err := opts.Scheme.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Scaler.Validate(); err != nil {
		return nil, err
	}
	load := opts.Graphs
	if load == nil {
		load = dotgraph.Load
	}
	cache := newGraphCache(load, entries)
	eg, egCtx := errgroup.WithContext(ctx)
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	eg.SetLimit(parallelism)
	samples := make([]*sample.Sample, len(entries))
	for ii, entry := range entries {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			s, err := sample.Build(sample.Options{
				StatePath: entry.StatePath,
				GoalPath:  entry.GoalPath,
				Depth:     sample.Float32(float32(entry.Depth)),
				Target:    sample.Float32(float32(opts.Scaler.Forward(entry.Distance))),
				Scheme:    opts.Scheme,
				Graphs:    cache.Load,
			})
			if err != nil {
				return errors.WithMessagef(err, "%q row %d", entry.Manifest, entry.Row)
			}
			samples[ii] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %d samples (%d shared graphs)", len(samples), len(cache.cache))
	return samples, nil
}

// Split shuffles samples with rng and splits off a fraction of them for validation.
//
// When there are at least 2 samples and 0 < valFraction < 1, both parts get at least one sample.
func Split(samples []*sample.Sample, valFraction float64, rng *rand.Rand) (train, val []*sample.Sample, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, errors.Errorf("validation fraction must be in [0, 1), got %g", valFraction)
	}
	n := len(samples)
	numVal := int(valFraction*float64(n) + 0.5)
	if valFraction > 0 && n >= 2 {
		numVal = min(max(numVal, 1), n-1)
	}
	perm := rng.Perm(n)
	val = make([]*sample.Sample, 0, numVal)
	train = make([]*sample.Sample, 0, n-numVal)
	for ii, idx := range perm {
		if ii < numVal {
			val = append(val, samples[idx])
		} else {
			train = append(train, samples[idx])
		}
	}
	return train, val, nil
}
