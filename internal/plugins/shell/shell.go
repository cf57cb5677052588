// Package shell exposes process execution to the UI: external programs,
// POSIX scripts run by an embedded interpreter, and opening URLs or paths
// with the platform handler.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"compass-desktop/internal/logging"
	"compass-desktop/internal/platform"
	"compass-desktop/internal/plugin"
)

// Name is the capability name.
const Name = "shell"

// ErrProgramNotAllowed is returned when a program is outside the allow-list.
var ErrProgramNotAllowed = errors.New("program not allowed")

type (
	// Config scopes the plugin.
	Config struct {
		// Allow lists program names or absolute paths. Names are resolved
		// against the host PATH once, at New. "*" allows every program and
		// an empty list allows none.
		Allow  []string
		Logger *log.Logger
		// Open launches a URL or path. Defaults to platform.Open.
		Open func(ctx context.Context, target string) error
	}

	// Plugin is the shell capability.
	Plugin struct {
		allowAll bool
		allow    map[string]bool
		logger   *log.Logger
		open   func(ctx context.Context, target string) error
	}

	// ExecuteRequest runs an external program.
	ExecuteRequest struct {
		Program string            `mapstructure:"program"`
		Args    []string          `mapstructure:"args"`
		Cwd     string            `mapstructure:"cwd"`
		Env     map[string]string `mapstructure:"env"`
		Stdin   string            `mapstructure:"stdin"`
	}

	// ScriptRequest runs a POSIX shell script in-process.
	ScriptRequest struct {
		Script string            `mapstructure:"script"`
		Args   []string          `mapstructure:"args"`
		Cwd    string            `mapstructure:"cwd"`
		Env    map[string]string `mapstructure:"env"`
		Stdin  string            `mapstructure:"stdin"`
	}

	// OpenRequest opens a URL or path.
	OpenRequest struct {
		Target string `mapstructure:"target"`
	}

	// Output is the captured result of a process or script.
	Output struct {
		Stdout   string `json:"stdout" msgpack:"stdout"`
		Stderr   string `json:"stderr" msgpack:"stderr"`
		ExitCode int    `json:"exit_code" msgpack:"exit_code"`
	}
)

// New returns the shell plugin.
func New(cfg Config) *Plugin {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	open := cfg.Open
	if open == nil {
		open = platform.Open
	}

	p := &Plugin{allow: make(map[string]bool, len(cfg.Allow)), logger: logger, open: open}
	for _, entry := range cfg.Allow {
		switch {
		case entry == "*":
			p.allowAll = true
		case filepath.IsAbs(entry):
			p.allow[filepath.Clean(entry)] = true
		case strings.ContainsRune(entry, filepath.Separator):
			logger.Warn("ignoring relative allow-list entry", "entry", entry)
		default:
			path, err := exec.LookPath(entry)
			if err != nil {
				logger.Debug("allow-list entry not on PATH", "entry", entry, "err", err)
				continue
			}
			if abs, err := filepath.Abs(path); err == nil {
				p.allow[abs] = true
			}
		}
	}
	return p
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Operations implements plugin.Plugin.
func (p *Plugin) Operations() map[string]plugin.Operation {
	return map[string]plugin.Operation{
		"execute":    p.execute,
		"run_script": p.runScript,
		"open":       p.openTarget,
	}
}

// Allowed reports whether program, resolved against the host PATH, may run.
func (p *Plugin) Allowed(program string) bool {
	if p.allowAll {
		return true
	}
	path, err := lookPath("", hostEnv(), program)
	if err != nil {
		return false
	}
	return p.allow[path]
}

// permits checks an already resolved absolute path.
func (p *Plugin) permits(path string) bool {
	return p.allowAll || p.allow[path]
}

// lookPath resolves program the way the interpreter does and returns an
// absolute, clean path.
func lookPath(dir string, env expand.Environ, program string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	path, err := interp.LookPathDir(dir, env, program)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return filepath.Clean(path), nil
}

func hostEnv() expand.Environ {
	return expand.ListEnviron(os.Environ()...)
}

func (p *Plugin) execute(ctx context.Context, args plugin.Args) (any, error) {
	var req ExecuteRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	if req.Program == "" {
		return nil, fmt.Errorf("%w: program is required", plugin.ErrInvalidArguments)
	}
	// The request env never takes part in resolution.
	path, err := lookPath(req.Cwd, hostEnv(), req.Program)
	if err != nil {
		if p.allowAll {
			return nil, fmt.Errorf("run %s: %w", req.Program, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrProgramNotAllowed, req.Program)
	}
	if !p.permits(path) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotAllowed, req.Program)
	}

	cmd := exec.CommandContext(ctx, path, req.Args...)
	cmd.Args[0] = req.Program
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), envSlice(req.Env)...)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("executing program", "program", path, "args", req.Args)

	out := Output{}
	err = cmd.Run()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", req.Program, err)
		}
		out.ExitCode = exitErr.ExitCode()
	}
	return out, nil
}

func (p *Plugin) runScript(ctx context.Context, args plugin.Args) (any, error) {
	var req ScriptRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}

	prog, err := syntax.NewParser().Parse(strings.NewReader(req.Script), "script")
	if err != nil {
		return nil, fmt.Errorf("%w: script syntax error: %w", plugin.ErrInvalidArguments, err)
	}

	var stdout, stderr bytes.Buffer
	var stdin io.Reader
	if req.Stdin != "" {
		stdin = strings.NewReader(req.Stdin)
	}

	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(append(os.Environ(), envSlice(req.Env)...)...)),
		interp.StdIO(stdin, &stdout, &stderr),
		interp.ExecHandlers(p.execHandler),
	}
	if req.Cwd != "" {
		opts = append(opts, interp.Dir(req.Cwd))
	}
	if len(req.Args) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, req.Args...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	out := Output{}
	err = runner.Run(ctx, prog)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if err != nil {
		var exitStatus interp.ExitStatus
		if !errors.As(err, &exitStatus) {
			return nil, fmt.Errorf("script execution failed: %w", err)
		}
		out.ExitCode = int(exitStatus)
	}
	return out, nil
}

// execHandler applies the allow-list to every external command a script
// starts. Commands are resolved with the script's own PATH and directory, and
// the resolved path is what gets checked and run. Builtins are not affected.
func (p *Plugin) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}
		hc := interp.HandlerCtx(ctx)
		path, err := lookPath(hc.Dir, hc.Env, args[0])
		if err != nil {
			// Unresolvable commands fail the same way in the default handler.
			return next(ctx, args)
		}
		if !p.permits(path) {
			p.logger.Debug("script command denied", "command", args[0], "path", path)
			fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], ErrProgramNotAllowed)
			return interp.ExitStatus(126)
		}
		resolved := append([]string{path}, args[1:]...)
		return next(ctx, resolved)
	}
}

func (p *Plugin) openTarget(ctx context.Context, args plugin.Args) (any, error) {
	var req OpenRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", plugin.ErrInvalidArguments)
	}
	if err := p.open(ctx, req.Target); err != nil {
		return nil, err
	}
	return nil, nil
}

// envSlice renders env as sorted KEY=VALUE pairs.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
