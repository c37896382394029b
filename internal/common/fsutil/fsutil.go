package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/loras
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists reports whether anything (file, dir or symlink, even a dangling
// one) is present at path.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// LinkIfAbsent symlinks target -> source unless something already exists at
// target. It reports whether a link was created. Existing entries are never
// replaced or verified.
func LinkIfAbsent(source, target string) (bool, error) {
	if err := EnsureParent(target); err != nil {
		return false, err
	}
	if PathExists(target) {
		return false, nil
	}
	if err := os.Symlink(source, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("symlink %s -> %s: %w", target, source, err)
	}
	return true, nil
}
