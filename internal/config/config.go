// Package config loads the entrypoint configuration for the desktop host.
//
// Values come from, in order of precedence: command-line flags, COMPASS_*
// environment variables, an optional YAML file, and built-in defaults. The
// bootstrap core itself reads none of these; they only parameterize the
// plugins and surface the entrypoint constructs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable the config layer reads.
const EnvPrefix = "COMPASS"

// DefaultAddr binds the UI server to an ephemeral loopback port.
const DefaultAddr = "127.0.0.1:0"

// DefaultFSAllow confines the fs capability to the app data directory.
const DefaultFSAllow = "$APP_DATA/**"

// Config is the resolved entrypoint configuration.
type Config struct {
	LogLevel string      `mapstructure:"log_level"`
	Addr     string      `mapstructure:"addr"`
	Headless bool        `mapstructure:"headless"`
	Shell    ShellConfig `mapstructure:"shell"`
	FS       FSConfig    `mapstructure:"fs"`
}

// ShellConfig scopes the shell capability.
type ShellConfig struct {
	// Allow lists program names or paths that may be executed. "*" allows
	// every program; empty allows none.
	Allow []string `mapstructure:"allow"`
}

// FSConfig scopes the filesystem capability.
type FSConfig struct {
	// Allow and Deny are doublestar globs matched against cleaned absolute
	// paths. An empty Allow denies everything.
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
	// AppData is the directory behind the "app_data" base dir.
	AppData string `mapstructure:"app_data"`
}

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFile forces loading from a specific YAML file when set.
	ConfigFile string
	// Flags are bound over file and environment values when set.
	Flags *pflag.FlagSet
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"addr":      "addr",
	"headless":  "headless",
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", opts.ConfigFile, err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("binding flag %q: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}

	if cfg.FS.AppData == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.FS.AppData = filepath.Join(dir, "compass")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("headless", false)
	v.SetDefault("shell.allow", []string{})
	v.SetDefault("fs.allow", []string{DefaultFSAllow})
	v.SetDefault("fs.deny", []string{})
	v.SetDefault("fs.app_data", "")
}
