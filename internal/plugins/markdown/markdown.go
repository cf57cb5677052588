// Package markdown exposes the markdown renderer as a capability.
package markdown

import (
	"context"

	"compass-desktop/internal/plugin"
	"compass-desktop/internal/render"
)

// Name is the capability name.
const Name = "markdown"

// Plugin renders markdown sources for the UI.
type Plugin struct {
	renderer *render.Renderer
}

// RenderRequest is the payload of the render operation.
type RenderRequest struct {
	Source string `mapstructure:"source"`
	// Path locates the source on disk so relative images can be resolved.
	Path string `mapstructure:"path"`
}

// New returns the markdown plugin.
func New() *Plugin {
	return &Plugin{renderer: render.NewRenderer()}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Operations implements plugin.Plugin.
func (p *Plugin) Operations() map[string]plugin.Operation {
	return map[string]plugin.Operation{
		"render": p.render,
	}
}

func (p *Plugin) render(_ context.Context, args plugin.Args) (any, error) {
	var req RenderRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	return p.renderer.Render([]byte(req.Source), req.Path)
}
