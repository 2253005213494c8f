// Package fsutil holds the small path helpers shared by the module scanner
// and the file blob store.
package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/zerr"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", zerr.Wrap(err, "failed to resolve home directory")
	}
	if path == "~" {
		return home, nil
	}
	// ~/modules, ~\modules
	return filepath.Join(home, strings.TrimLeft(path[1:], `/\`)), nil
}

// AbsDir expands '~' and returns the cleaned absolute form of path.
func AbsDir(path string) (string, error) {
	p, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to resolve absolute path"), "path", path)
	}
	return abs, nil
}

// EnsureDir is AbsDir followed by MkdirAll.
func EnsureDir(path string, perm os.FileMode) (string, error) {
	abs, err := AbsDir(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, perm); err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to create directory"), "dir", abs)
	}
	return abs, nil
}

// PathExists reports whether path exists. Errors other than not-exist
// (permissions, for one) count as existing so callers surface them on open.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// IsHidden reports whether a base name is a dotfile.
func IsHidden(name string) bool { return strings.HasPrefix(name, ".") }
