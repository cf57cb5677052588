// Package surface serves the frontend and creates the manifest windows.
package surface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"path"
	"strings"

	"github.com/charmbracelet/log"

	"compass-desktop/internal/ipc"
	"compass-desktop/internal/manifest"
	httpserver "compass-desktop/internal/transport/http"
)

// ErrMissingEntry is returned when a window's entry page is not part of the
// frontend assets.
var ErrMissingEntry = errors.New("window entry not found in frontend assets")

// WindowError reports a window that could not be created.
type WindowError struct {
	Label string
	Err   error
}

// Error implements the error interface.
func (e *WindowError) Error() string {
	return fmt.Sprintf("window %q: %v", e.Label, e.Err)
}

// Unwrap returns the underlying error.
func (e *WindowError) Unwrap() error {
	return e.Err
}

// Config configures a Surface.
type Config struct {
	Addr       string
	Assets     fs.FS
	Dispatcher *ipc.Dispatcher
	Opener     Opener
	Logger     *log.Logger
}

// Surface owns the UI server and the windows opened against it.
type Surface struct {
	cfg     Config
	server  *httpserver.BridgeServer
	windows []manifest.Window
}

// New returns an unstarted surface.
func New(cfg Config) *Surface {
	return &Surface{cfg: cfg}
}

// Start checks that every window entry exists under frontendDist and starts
// serving it.
func (s *Surface) Start(frontendDist string, windows []manifest.Window) error {
	if s.cfg.Assets == nil {
		return errors.New("no frontend assets")
	}
	dist, err := fs.Sub(s.cfg.Assets, path.Clean(frontendDist))
	if err != nil {
		return fmt.Errorf("frontend dist %q: %w", frontendDist, err)
	}

	for _, w := range windows {
		entry, external, err := entryPath(w.URL)
		if err != nil {
			return fmt.Errorf("window %q url: %w", w.Label, err)
		}
		if external {
			continue
		}
		if _, err := fs.Stat(dist, entry); err != nil {
			return fmt.Errorf("%w: %s/%s (window %q)", ErrMissingEntry, frontendDist, entry, w.Label)
		}
	}

	server, err := httpserver.NewBridgeServer(s.cfg.Addr, dist, s.cfg.Dispatcher, s.cfg.Logger)
	if err != nil {
		return err
	}
	s.server = server
	if err := s.server.Start(); err != nil {
		s.server = nil
		return err
	}
	s.windows = windows
	return nil
}

// URL is the base URL the frontend is served from.
func (s *Surface) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Err reports fatal serve errors. It is nil before Start.
func (s *Surface) Err() <-chan error {
	if s.server == nil {
		return nil
	}
	return s.server.Err()
}

// OpenWindows creates every window in manifest order and stops at the first
// failure.
func (s *Surface) OpenWindows(ctx context.Context) error {
	for _, w := range s.windows {
		resolved, err := s.Resolve(w)
		if err != nil {
			return &WindowError{Label: w.Label, Err: err}
		}
		if err := s.cfg.Opener.Open(ctx, resolved); err != nil {
			return &WindowError{Label: w.Label, Err: err}
		}
	}
	return nil
}

// Resolve turns a manifest window into an openable window. Relative URLs
// are served by the surface and tagged with the window label and the
// bridge token.
func (s *Surface) Resolve(w manifest.Window) (Window, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return Window{}, err
	}
	if !u.IsAbs() {
		base, err := url.Parse(s.URL() + "/")
		if err != nil {
			return Window{}, err
		}
		u = base.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery, Fragment: u.Fragment})
		q := u.Query()
		q.Set("window", w.Label)
		q.Set(httpserver.TokenParam, s.server.Token())
		u.RawQuery = q.Encode()
	}

	return Window{
		Label:      w.Label,
		Title:      w.Title,
		URL:        u.String(),
		Width:      int(math.Round(w.Width)),
		Height:     int(math.Round(w.Height)),
		Resizable:  w.Resizable,
		Fullscreen: w.Fullscreen,
	}, nil
}

// Close stops serving and closes every bridge connection.
func (s *Surface) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// entryPath returns the asset path of a window URL, or external=true for
// absolute URLs served elsewhere.
func entryPath(raw string) (entry string, external bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.IsAbs() {
		return "", true, nil
	}
	entry = strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if entry == "" {
		entry = manifest.DefaultWindowURL
	}
	return entry, false, nil
}
