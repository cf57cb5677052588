package host

import (
	"errors"
	"fmt"
)

// Stage names the startup step that failed.
type Stage string

// Startup stages.
const (
	StageLifecycle Stage = "lifecycle"
	StageManifest  Stage = "manifest"
	StageSurface   Stage = "surface"
	StageWindow    Stage = "window"
)

// ErrStartup is wrapped by every StartupError.
var ErrStartup = errors.New("host startup failed")

// StartupError is returned by Run when the runtime cannot be brought up.
type StartupError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("host startup failed at %s stage: %v", e.Stage, e.Err)
}

// Unwrap returns ErrStartup and the underlying cause.
func (e *StartupError) Unwrap() []error {
	return []error{ErrStartup, e.Err}
}
