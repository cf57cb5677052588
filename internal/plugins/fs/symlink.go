package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// realPath resolves symlinks in the longest existing prefix of path and
// appends the missing components unchanged. A dangling link anywhere in the
// path is rejected since its target cannot be checked.
func realPath(path string) (string, error) {
	existing := filepath.Clean(path)
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(existing); lerr == nil {
			return "", fmt.Errorf("%w: dangling symlink %s", ErrPathNotAllowed, existing)
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}
}

// realBases resolves the base directories that exist on disk.
func realBases(bases map[string]string) map[string]string {
	out := make(map[string]string, len(bases))
	for name, dir := range bases {
		if dir == "" {
			continue
		}
		if resolved, err := realPath(dir); err == nil {
			dir = resolved
		}
		out[name] = dir
	}
	return out
}
