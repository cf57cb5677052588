package host

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"compass-desktop/internal/contracts"
	"compass-desktop/internal/manifest"
	"compass-desktop/internal/plugin"
	"compass-desktop/internal/surface"
)

const validManifest = `{
  "productName": "Compass",
  "version": "1.0.0",
  "identifier": "ai.compass.desktop",
  "app": { "windows": [ { "label": "main" } ] }
}`

// Scenario C: no window definition.
const windowlessManifest = `{
  "productName": "Compass",
  "version": "1.0.0",
  "identifier": "ai.compass.desktop",
  "app": { "windows": [] }
}`

type countingPlugin struct {
	name string

	mu    sync.Mutex
	paths []string
}

func (c *countingPlugin) Name() string { return c.name }

func (c *countingPlugin) Operations() map[string]plugin.Operation {
	return map[string]plugin.Operation{
		"read": func(_ context.Context, args plugin.Args) (any, error) {
			var req struct {
				Path string `mapstructure:"path"`
			}
			if err := args.Decode(&req); err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.paths = append(c.paths, req.Path)
			c.mu.Unlock()
			return map[string]any{"handledBy": c.name, "path": req.Path}, nil
		},
	}
}

func (c *countingPlugin) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

type recordingOpener struct {
	mu      sync.Mutex
	windows []surface.Window
	err     error
}

func (r *recordingOpener) Open(_ context.Context, w surface.Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.windows = append(r.windows, w)
	return nil
}

func (r *recordingOpener) Windows() []surface.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]surface.Window(nil), r.windows...)
}

func testAssets() fstest.MapFS {
	return fstest.MapFS{
		"ui/index.html": &fstest.MapFile{Data: []byte("<html></html>")},
	}
}

func newTestBuilder(opts ...Option) *Builder {
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	b := NewBuilder(opts...)
	b.configureEnv = func(*log.Logger) {}
	return b
}

func buildRegistry(t *testing.T, plugins ...plugin.Plugin) *plugin.Registry {
	t.Helper()

	b := plugin.NewBuilder()
	for _, p := range plugins {
		b.Register(p)
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func TestStateString(t *testing.T) {
	t.Parallel()

	want := []string{"uninitialized", "environment-configured", "plugins-registered", "running", "terminated"}
	for i, s := range []State{StateUninitialized, StateEnvironmentConfigured, StatePluginsRegistered, StateRunning, StateTerminated} {
		if s.String() != want[i] {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want[i])
		}
	}
	if State(42).String() != "unknown" {
		t.Error("out of range state should be unknown")
	}
}

func TestConfigureEnvironmentRunsFirst(t *testing.T) {
	t.Parallel()

	var configured bool
	b := newTestBuilder()
	b.configureEnv = func(*log.Logger) { configured = true }

	b.ConfigureEnvironment()
	if !configured {
		t.Fatal("environment configurator was not called")
	}
	if b.State() != StateEnvironmentConfigured {
		t.Errorf("state = %s", b.State())
	}

	b.Registry(buildRegistry(t))
	if b.State() != StatePluginsRegistered {
		t.Errorf("state = %s", b.State())
	}
}

func TestRunRejectsOutOfOrderLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, b *Builder)
	}{
		{name: "nothing configured", setup: func(*testing.T, *Builder) {}},
		{name: "registry before environment", setup: func(t *testing.T, b *Builder) {
			b.Registry(buildRegistry(t)).ConfigureEnvironment()
		}},
		{name: "environment twice", setup: func(t *testing.T, b *Builder) {
			b.ConfigureEnvironment().ConfigureEnvironment().Registry(buildRegistry(t))
		}},
		{name: "nil registry", setup: func(_ *testing.T, b *Builder) {
			b.ConfigureEnvironment().Registry(nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newTestBuilder()
			tt.setup(t, b)

			err := b.Run(context.Background(), manifest.Generate([]byte(validManifest), testAssets()))

			var serr *StartupError
			if !errors.As(err, &serr) || serr.Stage != StageLifecycle {
				t.Fatalf("expected lifecycle StartupError, got %v", err)
			}
			if !errors.Is(err, ErrStartup) {
				t.Error("StartupError must wrap ErrStartup")
			}
			if b.State() != StateTerminated {
				t.Errorf("state = %s, want terminated", b.State())
			}
		})
	}
}

func TestRunStartupFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		source    string
		assets    fstest.MapFS
		openerErr error
		stage     Stage
	}{
		{name: "malformed manifest", source: `{"productName": `, assets: testAssets(), stage: StageManifest},
		{name: "missing window definition", source: windowlessManifest, assets: testAssets(), stage: StageManifest},
		{name: "missing entry page", source: validManifest, assets: fstest.MapFS{}, stage: StageSurface},
		{name: "window creation failure", source: validManifest, assets: testAssets(), openerErr: errors.New("no display"), stage: StageWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opener := &recordingOpener{err: tt.openerErr}
			var reached bool
			b := newTestBuilder(WithOpener(opener), WithReadyHook(func(string) { reached = true }))
			b.ConfigureEnvironment().Registry(buildRegistry(t, &countingPlugin{name: "fs"}))

			err := b.Run(context.Background(), manifest.Generate([]byte(tt.source), tt.assets))

			var serr *StartupError
			if !errors.As(err, &serr) {
				t.Fatalf("expected StartupError, got %v", err)
			}
			if serr.Stage != tt.stage {
				t.Errorf("stage = %s, want %s", serr.Stage, tt.stage)
			}
			if reached {
				t.Error("runtime must never reach running on startup failure")
			}
			if len(opener.Windows()) != 0 {
				t.Errorf("no window may be created, got %v", opener.Windows())
			}
			if b.State() != StateTerminated {
				t.Errorf("state = %s, want terminated", b.State())
			}
		})
	}
}

func TestRunConsumesContextOnce(t *testing.T) {
	t.Parallel()

	appCtx := manifest.Generate([]byte(validManifest), testAssets())
	if _, _, err := appCtx.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	b := newTestBuilder(WithOpener(&recordingOpener{}))
	b.ConfigureEnvironment().Registry(buildRegistry(t))

	err := b.Run(context.Background(), appCtx)
	if !errors.Is(err, manifest.ErrContextConsumed) {
		t.Fatalf("expected ErrContextConsumed, got %v", err)
	}
}

// Scenario B: an fs invocation reaches fs and never shell.
func TestRunRoutesInvocationsWhileRunning(t *testing.T) {
	t.Parallel()

	shell := &countingPlugin{name: "shell"}
	fs := &countingPlugin{name: "fs"}
	opener := &recordingOpener{}
	ready := make(chan string, 1)

	b := newTestBuilder(WithOpener(opener), WithReadyHook(func(base string) { ready <- base }))
	b.ConfigureEnvironment().Registry(buildRegistry(t, shell, fs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, manifest.Generate([]byte(validManifest), testAssets()))
	}()

	var baseURL string
	select {
	case baseURL = <-ready:
	case err := <-done:
		t.Fatalf("Run returned before running: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not become ready")
	}

	if b.State() != StateRunning {
		t.Fatalf("state = %s, want running", b.State())
	}
	if windows := opener.Windows(); len(windows) != 1 || windows[0].Label != "main" {
		t.Fatalf("opened windows = %+v", windows)
	}

	opened, err := url.Parse(opener.Windows()[0].URL)
	if err != nil {
		t.Fatalf("parse window url: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ipc?window=main&token=" + opened.Query().Get("token")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var readyMsg contracts.ReadyMessage
	if err := conn.ReadJSON(&readyMsg); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if len(readyMsg.Capabilities) != 2 || readyMsg.Capabilities[0].Name != "shell" {
		t.Errorf("capabilities = %+v", readyMsg.Capabilities)
	}

	if err := conn.WriteJSON(contracts.InvokeMessage{
		Type:       contracts.MessageTypeInvoke,
		ID:         "1",
		Capability: "fs",
		Operation:  "read",
		Payload:    map[string]any{"path": "/tmp/x"},
	}); err != nil {
		t.Fatalf("write invoke: %v", err)
	}

	var res struct {
		ID   string         `json:"id"`
		OK   bool           `json:"ok"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if res.ID != "1" || !res.OK || res.Data["handledBy"] != "fs" {
		t.Errorf("result = %+v", res)
	}
	if got := fs.Paths(); len(got) != 1 || got[0] != "/tmp/x" {
		t.Errorf("fs received %v", got)
	}
	if got := shell.Paths(); len(got) != 0 {
		t.Errorf("shell must not be invoked, received %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after graceful shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if b.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", b.State())
	}
}
