// Package app exposes application metadata and lifecycle control.
package app

import (
	"context"

	"compass-desktop/internal/plugin"
)

// Name is the capability name.
const Name = "app"

// Info identifies the running application.
type Info struct {
	Name    string `json:"name" msgpack:"name"`
	Version string `json:"version" msgpack:"version"`
	Commit  string `json:"commit" msgpack:"commit"`
}

// Plugin is the app capability.
type Plugin struct {
	info Info
	quit func()
}

// New returns the app plugin. quit is called by the quit operation and
// should start a graceful shutdown.
func New(info Info, quit func()) *Plugin {
	return &Plugin{info: info, quit: quit}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Operations implements plugin.Plugin.
func (p *Plugin) Operations() map[string]plugin.Operation {
	return map[string]plugin.Operation{
		"info": func(context.Context, plugin.Args) (any, error) {
			return p.info, nil
		},
		"quit": func(context.Context, plugin.Args) (any, error) {
			if p.quit != nil {
				p.quit()
			}
			return nil, nil
		},
	}
}
