package main

import (
	"context"
	"embed"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"compass-desktop/internal/config"
	"compass-desktop/internal/host"
	"compass-desktop/internal/logging"
	"compass-desktop/internal/manifest"
	"compass-desktop/internal/plugin"
	"compass-desktop/internal/plugins/app"
	"compass-desktop/internal/plugins/fs"
	"compass-desktop/internal/plugins/markdown"
	"compass-desktop/internal/plugins/shell"
	"compass-desktop/internal/surface"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
)

//go:embed compass.conf.jsonc
var manifestSource []byte

//go:embed all:ui
var uiAssets embed.FS

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func versionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "compass",
		Short:         "Compass desktop host",
		Long:          "Starts the Compass desktop application: serves the UI, opens its windows and\nbrokers native capabilities (shell, fs, markdown, app) to the UI.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("addr", config.DefaultAddr, "listen address of the UI server")
	flags.Bool("headless", false, "serve the UI without opening windows")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("compass " + versionString())
		},
	})

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	var opener surface.Opener = surface.BrowserOpener{Logger: logger.WithPrefix("window")}
	if cfg.Headless {
		opener = surface.HeadlessOpener{Logger: logger.WithPrefix("window")}
	}

	b := host.NewBuilder(
		host.WithLogger(logger),
		host.WithAddr(cfg.Addr),
		host.WithOpener(opener),
	)

	// Environment overrides go in before any plugin is constructed.
	b.ConfigureEnvironment()

	registry, err := buildRegistry(cfg, logger, quit)
	if err != nil {
		logger.Error("plugin registration failed", "err", err)
		return &exitError{code: 1, err: err}
	}

	if err := b.Registry(registry).Run(ctx, manifest.Generate(manifestSource, uiAssets)); err != nil {
		logger.Error("runtime failed", "err", err)
		return &exitError{code: 1, err: err}
	}
	return nil
}

func buildRegistry(cfg *config.Config, logger *log.Logger, quit func()) (*plugin.Registry, error) {
	bases := map[string]string{
		fs.BaseTemp:    os.TempDir(),
		fs.BaseAppData: cfg.FS.AppData,
	}
	if home, err := os.UserHomeDir(); err == nil {
		bases[fs.BaseHome] = home
	}

	fsPlugin, err := fs.New(fs.Config{
		Allow:  cfg.FS.Allow,
		Deny:   cfg.FS.Deny,
		Bases:  bases,
		Logger: logger.WithPrefix(fs.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("fs plugin: %w", err)
	}

	return plugin.NewBuilder().
		Register(shell.New(shell.Config{Allow: cfg.Shell.Allow, Logger: logger.WithPrefix(shell.Name)})).
		Register(fsPlugin).
		Register(markdown.New()).
		Register(app.New(app.Info{Name: "Compass", Version: Version, Commit: Commit}, quit)).
		Build()
}
