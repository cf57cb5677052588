package surface

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"

	"compass-desktop/internal/platform"
)

// Window is a manifest window resolved against the running surface.
type Window struct {
	Label      string
	Title      string
	URL        string
	Width      int
	Height     int
	Resizable  bool
	Fullscreen bool
}

// Opener materializes a window on screen.
type Opener interface {
	Open(ctx context.Context, w Window) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, w Window) error

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, w Window) error {
	return f(ctx, w)
}

// BrowserOpener shows windows in a Chromium app window when one is
// installed and in the default browser otherwise.
type BrowserOpener struct {
	Logger *log.Logger
}

// Open implements Opener.
func (o BrowserOpener) Open(ctx context.Context, w Window) error {
	if browser, ok := platform.LookAppBrowser(); ok {
		o.Logger.Debug("opening app window", "window", w.Label, "browser", browser)
		return platform.Start(ctx, appWindowCommand(browser, w))
	}
	o.Logger.Debug("opening window in default browser", "window", w.Label)
	if err := platform.Open(ctx, w.URL); err != nil {
		return fmt.Errorf("open %s: %w", w.URL, err)
	}
	return nil
}

func appWindowCommand(browser string, w Window) platform.Command {
	args := []string{
		"--app=" + w.URL,
		"--window-size=" + strconv.Itoa(w.Width) + "," + strconv.Itoa(w.Height),
	}
	if w.Fullscreen {
		args = append(args, "--start-fullscreen")
	}
	return platform.Command{Program: browser, Args: args}
}

// HeadlessOpener only logs where each window can be reached.
type HeadlessOpener struct {
	Logger *log.Logger
}

// Open implements Opener.
func (o HeadlessOpener) Open(_ context.Context, w Window) error {
	o.Logger.Info("window available", "window", w.Label, "title", w.Title, "url", w.URL)
	return nil
}
