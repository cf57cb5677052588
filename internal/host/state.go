package host

// State is a lifecycle position of the host. Transitions only move forward.
type State int32

const (
	// StateUninitialized is the state of a freshly created Builder.
	StateUninitialized State = iota
	// StateEnvironmentConfigured follows ConfigureEnvironment.
	StateEnvironmentConfigured
	// StatePluginsRegistered follows Registry with a built registry.
	StatePluginsRegistered
	// StateRunning is held while Run blocks on the event loop.
	StateRunning
	// StateTerminated is final.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEnvironmentConfigured:
		return "environment-configured"
	case StatePluginsRegistered:
		return "plugins-registered"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
