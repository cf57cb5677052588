// Package host bootstraps the desktop runtime: environment first, then the
// plugin registry, then the blocking event loop.
package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"compass-desktop/internal/hostenv"
	"compass-desktop/internal/ipc"
	"compass-desktop/internal/logging"
	"compass-desktop/internal/manifest"
	"compass-desktop/internal/plugin"
	"compass-desktop/internal/surface"
)

const defaultAddr = "127.0.0.1:0"

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *log.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithAddr sets the listen address of the UI server.
func WithAddr(addr string) Option {
	return func(b *Builder) { b.addr = addr }
}

// WithOpener sets how windows are shown. The default opens a browser window.
func WithOpener(opener surface.Opener) Option {
	return func(b *Builder) { b.opener = opener }
}

// WithReadyHook registers fn to be called with the UI base URL once the
// runtime is running.
func WithReadyHook(fn func(url string)) Option {
	return func(b *Builder) { b.readyHook = fn }
}

// Builder drives the host through its lifecycle. Steps must be called in
// order: ConfigureEnvironment, Registry, Run.
type Builder struct {
	logger    *log.Logger
	addr      string
	opener    surface.Opener
	readyHook func(url string)

	configureEnv func(*log.Logger)

	mu       sync.Mutex
	state    State
	registry *plugin.Registry
	misuse   error
}

// Runtime is the live host: the validated manifest and the surface serving
// its windows.
type Runtime struct {
	manifest *manifest.Manifest
	surface  *surface.Surface
}

// NewBuilder returns a Builder in StateUninitialized.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		logger:       logging.Discard(),
		addr:         defaultAddr,
		configureEnv: hostenv.Configure,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.opener == nil {
		b.opener = surface.BrowserOpener{Logger: b.logger}
	}
	return b
}

// State returns the current lifecycle state.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConfigureEnvironment applies the process environment overrides. It must
// be the first step.
func (b *Builder) ConfigureEnvironment() *Builder {
	if !b.advance(StateUninitialized, StateEnvironmentConfigured) {
		return b
	}
	b.configureEnv(b.logger)
	return b
}

// Registry hands the finalized plugin registry to the host.
func (b *Builder) Registry(reg *plugin.Registry) *Builder {
	if reg == nil {
		b.fail(errors.New("nil plugin registry"))
		return b
	}
	if !b.advance(StateEnvironmentConfigured, StatePluginsRegistered) {
		return b
	}
	b.mu.Lock()
	b.registry = reg
	b.mu.Unlock()
	return b
}

// Run consumes appCtx, brings the runtime up and blocks until ctx is
// cancelled or the surface fails. It returns nil after a graceful shutdown
// and a *StartupError when the runtime never reached StateRunning.
func (b *Builder) Run(ctx context.Context, appCtx *manifest.Context) error {
	b.mu.Lock()
	misuse, state, reg := b.misuse, b.state, b.registry
	b.mu.Unlock()

	if misuse != nil {
		return b.terminate(&StartupError{Stage: StageLifecycle, Err: misuse})
	}
	if state != StatePluginsRegistered {
		return b.terminate(&StartupError{
			Stage: StageLifecycle,
			Err:   fmt.Errorf("run called in state %s", state),
		})
	}
	if appCtx == nil {
		return b.terminate(&StartupError{Stage: StageManifest, Err: errors.New("nil runtime context")})
	}

	source, assets, err := appCtx.Consume()
	if err != nil {
		return b.terminate(&StartupError{Stage: StageManifest, Err: err})
	}
	m, err := manifest.Parse(source)
	if err != nil {
		return b.terminate(&StartupError{Stage: StageManifest, Err: err})
	}

	rt := b.newRuntime(m, reg, assets)

	if err := rt.surface.Start(m.Build.FrontendDist, m.App.Windows); err != nil {
		return b.terminate(&StartupError{Stage: StageSurface, Err: err})
	}
	if err := rt.surface.OpenWindows(ctx); err != nil {
		_ = rt.surface.Close()
		return b.terminate(&StartupError{Stage: StageWindow, Err: err})
	}

	b.setState(StateRunning)
	b.logger.Info("runtime running",
		"product", m.ProductName,
		"version", m.Version,
		"url", rt.surface.URL(),
		"capabilities", reg.Names(),
	)
	if b.readyHook != nil {
		b.readyHook(rt.surface.URL())
	}

	err = rt.loop(ctx, b.logger)
	b.setState(StateTerminated)
	b.logger.Info("runtime terminated")
	return err
}

func (b *Builder) newRuntime(m *manifest.Manifest, reg *plugin.Registry, assets fs.FS) *Runtime {
	dispatcher := ipc.NewDispatcher(reg, b.logger.WithPrefix("ipc"))
	return &Runtime{
		manifest: m,
		surface: surface.New(surface.Config{
			Addr:       b.addr,
			Assets:     assets,
			Dispatcher: dispatcher,
			Opener:     b.opener,
			Logger:     b.logger.WithPrefix("surface"),
		}),
	}
}

// loop blocks until ctx is done or the surface reports a fatal error, then
// closes the surface.
func (rt *Runtime) loop(ctx context.Context, logger *log.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-rt.surface.Err():
			return fmt.Errorf("surface: %w", err)
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("closing windows",
			"product", rt.manifest.ProductName,
			"windows", len(rt.manifest.App.Windows),
		)
		if err := rt.surface.Close(); err != nil {
			logger.Warn("surface shutdown", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// advance moves from one state to the next, recording misuse when the
// builder is not in from.
func (b *Builder) advance(from, to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.misuse != nil {
		return false
	}
	if b.state != from {
		b.misuse = fmt.Errorf("cannot move to %s from %s", to, b.state)
		return false
	}
	b.state = to
	return true
}

func (b *Builder) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.misuse == nil {
		b.misuse = err
	}
}

func (b *Builder) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *Builder) terminate(err *StartupError) error {
	b.setState(StateTerminated)
	b.logger.Debug("startup aborted", "stage", err.Stage)
	return err
}
