// Package platform wraps host-OS specific launching of URLs and browsers.
package platform

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Command is a resolved program invocation.
type Command struct {
	Program string
	Args    []string
}

// OpenCommand returns the command that opens target (URL or path) with the
// user's default handler.
func OpenCommand(goos, target string) (Command, error) {
	switch goos {
	case "windows":
		return Command{Program: "rundll32", Args: []string{"url.dll,FileProtocolHandler", target}}, nil
	case "darwin":
		return Command{Program: "open", Args: []string{target}}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return Command{Program: "xdg-open", Args: []string{target}}, nil
	default:
		return Command{}, fmt.Errorf("opening %q is not supported on %s", target, goos)
	}
}

// Open launches target with the default handler and returns once the
// handler process has started.
func Open(ctx context.Context, target string) error {
	c, err := OpenCommand(runtime.GOOS, target)
	if err != nil {
		return err
	}
	return Start(ctx, c)
}

// Start launches c without waiting for it to exit. The process is reaped in
// the background.
func Start(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Program, err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// appBrowsers are Chromium-based browsers that support --app windows, in
// order of preference.
var appBrowsers = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"microsoft-edge",
	"msedge",
}

// LookAppBrowser returns the first Chromium-based browser on PATH.
func LookAppBrowser() (string, bool) {
	for _, name := range appBrowsers {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}
