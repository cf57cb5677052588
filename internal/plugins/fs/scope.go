package fs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Base directory names accepted in base_dir.
const (
	BaseHome    = "home"
	BaseTemp    = "temp"
	BaseAppData = "app_data"
)

var (
	// ErrPathNotAllowed is returned for paths outside the configured scope.
	ErrPathNotAllowed = errors.New("path not allowed")
	// ErrUnknownBaseDir is returned for base_dir values without a mapping.
	ErrUnknownBaseDir = errors.New("unknown base directory")
)

// Scope decides which paths the fs capability may touch. Patterns are
// doublestar globs over slash-separated absolute paths and may start with
// $HOME, $TEMP or $APP_DATA. Deny wins over allow; an empty allow list
// denies every path.
type Scope struct {
	allow []string
	deny  []string
	bases map[string]string
}

// NewScope validates the patterns and expands base directory variables.
func NewScope(allow, deny []string, bases map[string]string) (*Scope, error) {
	s := &Scope{bases: make(map[string]string, len(bases))}
	for name, dir := range bases {
		if dir != "" {
			s.bases[name] = filepath.Clean(dir)
		}
	}

	var err error
	if s.allow, err = s.compile(allow); err != nil {
		return nil, err
	}
	if s.deny, err = s.compile(deny); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scope) compile(patterns []string) ([]string, error) {
	vars := make([]string, 0, 2*len(s.bases))
	for name, dir := range s.bases {
		vars = append(vars, "$"+strings.ToUpper(name), filepath.ToSlash(dir))
	}
	replacer := strings.NewReplacer(vars...)

	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		expanded := replacer.Replace(filepath.ToSlash(p))
		if !doublestar.ValidatePattern(expanded) {
			return nil, fmt.Errorf("invalid scope pattern %q", p)
		}
		out = append(out, expanded)
	}
	return out, nil
}

// Resolve turns a request path into a cleaned absolute path. Relative paths
// need a base directory and must stay inside it.
func (s *Scope) Resolve(path, baseDir string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}

	if baseDir == "" {
		if !filepath.IsAbs(path) {
			return "", fmt.Errorf("relative path %q needs a base_dir", path)
		}
		return filepath.Clean(path), nil
	}

	base, ok := s.bases[baseDir]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBaseDir, baseDir)
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q must be relative to base_dir %q", path, baseDir)
	}

	resolved := filepath.Join(base, path)
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes base_dir %q", ErrPathNotAllowed, path, baseDir)
	}
	return resolved, nil
}

// Allowed reports whether the cleaned absolute path is in scope.
func (s *Scope) Allowed(path string) bool {
	name := filepath.ToSlash(path)
	if matchAny(s.deny, name) {
		return false
	}
	return matchAny(s.allow, name)
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matched, err := doublestar.Match(pat, name); err == nil && matched {
			return true
		}
	}
	return false
}
