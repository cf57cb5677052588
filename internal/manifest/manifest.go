// Package manifest describes the generated application manifest and the
// runtime context that carries it into the host.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/jsonc"
)

const (
	// DefaultFrontendDist is the asset directory used when build.frontendDist is unset.
	DefaultFrontendDist = "ui"
	// DefaultWindowURL is the entry page used when a window sets no url.
	DefaultWindowURL = "index.html"

	defaultWidth  = 800
	defaultHeight = 600
)

var (
	// ErrInvalidManifest is wrapped by every parse or validation failure.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrContextConsumed is returned when a Context is read a second time.
	ErrContextConsumed = errors.New("runtime context already consumed")
)

type (
	// Manifest is the parsed application manifest.
	Manifest struct {
		ProductName string `json:"productName"`
		Version     string `json:"version"`
		Identifier  string `json:"identifier"`
		Build       Build  `json:"build"`
		App         App    `json:"app"`
	}

	// Build holds build metadata.
	Build struct {
		FrontendDist string `json:"frontendDist"`
	}

	// App holds the application surface definition.
	App struct {
		Windows []Window `json:"windows"`
	}

	// Window is a single window definition.
	Window struct {
		Label      string  `json:"label"`
		Title      string  `json:"title"`
		URL        string  `json:"url"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		Resizable  bool    `json:"resizable"`
		Fullscreen bool    `json:"fullscreen"`
	}

	// Issue is a single schema violation.
	Issue struct {
		Path    string
		Keyword string
		Message string
	}

	// InvalidError reports why a manifest was rejected.
	InvalidError struct {
		Reason string
		Issues []Issue
		Err    error
	}

	// Context is the opaque, generated runtime input: the manifest source
	// and the frontend assets. It can be consumed exactly once.
	Context struct {
		source   []byte
		assets   fs.FS
		consumed atomic.Bool
	}
)

// Error implements the error interface.
func (e *InvalidError) Error() string {
	msg := "invalid manifest: " + e.Reason
	for _, issue := range e.Issues {
		msg += fmt.Sprintf("; %s: %s", displayPath(issue.Path), issue.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrInvalidManifest and the underlying cause.
func (e *InvalidError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidManifest}
	}
	return []error{ErrInvalidManifest, e.Err}
}

func displayPath(p string) string {
	if p == "" {
		return "(root)"
	}
	return p
}

// Generate wraps externally produced manifest source and assets.
func Generate(source []byte, assets fs.FS) *Context {
	return &Context{source: source, assets: assets}
}

// Consume hands out the manifest source and assets. Every call after the
// first fails with ErrContextConsumed.
func (c *Context) Consume() ([]byte, fs.FS, error) {
	if !c.consumed.CompareAndSwap(false, true) {
		return nil, nil, ErrContextConsumed
	}
	return c.source, c.assets, nil
}

// Parse decodes JSON-with-comments manifest source, validates it against the
// embedded schema and applies defaults.
func Parse(source []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(source)) == 0 {
		return nil, &InvalidError{Reason: "empty source"}
	}

	data := jsonc.ToJSON(source)

	result, err := validate(data)
	if err != nil {
		return nil, &InvalidError{Reason: "unreadable", Err: err}
	}
	if !result.Valid {
		return nil, &InvalidError{Reason: "schema violation", Issues: result.Issues}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &InvalidError{Reason: "decode failed", Err: err}
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("version %q is not semver", m.Version), Err: err}
	}

	seen := make(map[string]bool, len(m.App.Windows))
	for _, w := range m.App.Windows {
		if seen[w.Label] {
			return nil, &InvalidError{Reason: fmt.Sprintf("duplicate window label %q", w.Label)}
		}
		seen[w.Label] = true
	}

	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Build.FrontendDist == "" {
		m.Build.FrontendDist = DefaultFrontendDist
	}
	for i := range m.App.Windows {
		w := &m.App.Windows[i]
		if w.Title == "" {
			w.Title = m.ProductName
		}
		if w.URL == "" {
			w.URL = DefaultWindowURL
		}
		if w.Width == 0 {
			w.Width = defaultWidth
		}
		if w.Height == 0 {
			w.Height = defaultHeight
		}
	}
}
