// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/epiplan/epigraph/internal/fsutil"
	"github.com/epiplan/epigraph/pkg/labels"
	"github.com/epiplan/epigraph/pkg/targets"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrManifest is returned (wrapped) for malformed manifests.
var ErrManifest = errors.New("invalid dataset manifest")

// Manifest columns, as written by the planner.
const (
	ColPathHash   = "Path Hash"
	ColPathMapped = "Path Mapped"
	ColDepth      = "Depth"
	ColDistance   = "Distance From Goal"
	ColGoal       = "Goal"

	// NotCalculated is written by the planner in path columns it didn't generate.
	NotCalculated = "NOT CALCULATED"
)

// Entry is one row of a manifest.
type Entry struct {
	StatePath string

	// GoalPath is empty if the row has no goal.
	GoalPath string

	Depth    float64
	Distance float64

	// Manifest and Row (0-based, excluding the header) locate the entry.
	Manifest string
	Row      int
}

// PathColumn returns the manifest column holding the state graphs encoded for scheme:
// graphs with hashed (or bitmask) labels for HASHED and BITMASK, graphs with compact ids for SCALAR_ID.
func PathColumn(scheme labels.Scheme) string {
	if scheme.Kind == labels.KindScalarID {
		return ColPathMapped
	}
	return ColPathHash
}

// ManifestOptions configures ReadManifest.
type ManifestOptions struct {
	// Scheme selects the path column, see PathColumn.
	Scheme labels.Scheme

	// PathColumn overrides the column selected by Scheme, if set.
	PathColumn string

	// KeepUnreachable keeps entries whose goal is unreachable. They are otherwise dropped.
	KeepUnreachable bool
}

// ReadManifest reads the entries of a manifest CSV file.
// Relative paths are resolved against the directory of the manifest.
func ReadManifest(path string, opts ManifestOptions) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrManifest, "opening %q: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	pathCol := opts.PathColumn
	if pathCol == "" {
		pathCol = PathColumn(opts.Scheme)
	}
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		ColPathHash:   series.String,
		ColPathMapped: series.String,
		ColDepth:      series.Float,
		ColDistance:   series.Float,
		ColGoal:       series.String,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(ErrManifest, "parsing %q: %v", path, df.Err)
	}
	names := df.Names()
	var missing []string
	for _, col := range []string{pathCol, ColDepth, ColDistance} {
		if !slices.Contains(names, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrManifest, "%q is missing columns %q (has %q)", path, missing, names)
	}

	baseDir := filepath.Dir(path)
	states := df.Col(pathCol).Records()
	depths := df.Col(ColDepth).Float()
	distances := df.Col(ColDistance).Float()
	var goals []string
	if slices.Contains(names, ColGoal) {
		goals = df.Col(ColGoal).Records()
	}

	entries := make([]Entry, 0, df.Nrow())
	var numUnreachable int
	for row := range df.Nrow() {
		e := Entry{Manifest: path, Row: row, Depth: depths[row], Distance: distances[row]}
		if math.IsNaN(e.Depth) || math.IsNaN(e.Distance) {
			return nil, errors.Wrapf(ErrManifest, "%q row %d: invalid %q or %q", path, row, ColDepth, ColDistance)
		}
		if isMissing(states[row]) {
			return nil, errors.Wrapf(ErrManifest, "%q row %d: column %q has no graph (%q)", path, row, pathCol, states[row])
		}
		if e.StatePath, err = fsutil.Resolve(states[row], baseDir); err != nil {
			return nil, err
		}
		if goals != nil && !isMissing(goals[row]) {
			if e.GoalPath, err = fsutil.Resolve(goals[row], baseDir); err != nil {
				return nil, err
			}
		}
		if targets.IsUnreachable(e.Distance) {
			numUnreachable++
			if !opts.KeepUnreachable {
				continue
			}
		}
		entries = append(entries, e)
	}
	if numUnreachable > 0 {
		action := "dropped"
		if opts.KeepUnreachable {
			action = "kept"
		}
		klog.Warningf("%q: %s %d entries with unreachable goal", path, action, numUnreachable)
	}
	klog.V(2).Infof("%q: %d entries", path, len(entries))
	return entries, nil
}

// isMissing returns whether a path cell has no path. Gota reads empty cells as "NaN".
func isMissing(cell string) bool {
	return cell == "" || cell == "NaN" || cell == NotCalculated
}

var manifestNameRegexp = regexp.MustCompile(`^(.+)_depth_(\d+)\.csv$`)

// ManifestFile is a manifest found by FindManifests.
type ManifestFile struct {
	Path    string
	Problem string
	Depth   int
}

// FindManifests returns the manifests ("<problem>_depth_<N>.csv") under dir, sorted by path.
func FindManifests(dir string) ([]ManifestFile, error) {
	dir, err := fsutil.ReplaceTilde(dir)
	if err != nil {
		return nil, err
	}
	var found []ManifestFile
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		matches := manifestNameRegexp.FindStringSubmatch(d.Name())
		if matches == nil {
			return nil
		}
		depth, err := strconv.Atoi(matches[2])
		if err != nil {
			return errors.Wrapf(ErrManifest, "manifest %q: invalid depth", path)
		}
		found = append(found, ManifestFile{Path: path, Problem: matches[1], Depth: depth})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "searching manifests in %q", dir)
	}
	slices.SortFunc(found, func(a, b ManifestFile) int {
		if a.Path < b.Path {
			return -1
		} else if a.Path > b.Path {
			return 1
		}
		return 0
	})
	return found, nil
}
