// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to check whether %q exists", path)
}

// ReplaceTilde replaces a leading "~" or "~user" by the user's home directory.
// Paths not starting with "~" are returned unchanged.
func ReplaceTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	var userName string
	if path != "~" && !strings.HasPrefix(path, "~/") {
		if sepIdx := strings.IndexRune(path, '/'); sepIdx == -1 {
			userName = path[1:]
		} else {
			userName = path[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", path)
	}
	return filepath.Join(usr.HomeDir, path[1+len(userName):]), nil
}

// Resolve expands a leading "~" and makes relative paths relative to baseDir.
// An empty baseDir leaves relative paths unchanged.
func Resolve(path, baseDir string) (string, error) {
	path, err := ReplaceTilde(path)
	if err != nil {
		return "", err
	}
	if baseDir == "" || filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Join(baseDir, path), nil
}

// EnsureDir creates dir, and its parents, if they don't exist yet. It returns dir with "~" expanded.
func EnsureDir(dir string) (string, error) {
	dir, err := ReplaceTilde(dir)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return dir, nil
}
