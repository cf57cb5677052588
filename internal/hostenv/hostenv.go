// Package hostenv applies the process environment overrides the embedded
// rendering engine needs before it initializes.
package hostenv

import (
	"os"

	"github.com/charmbracelet/log"
)

const (
	// DisableCompositingMode turns off accelerated compositing in WebKitGTK.
	DisableCompositingMode = "WEBKIT_DISABLE_COMPOSITING_MODE"
	// DisableDMABufRenderer turns off the DMA-BUF renderer in WebKitGTK.
	DisableDMABufRenderer = "WEBKIT_DISABLE_DMABUF_RENDERER"
)

// Variable is a single environment override.
type Variable struct {
	Name  string
	Value string
}

// Variables returns the fixed set of overrides applied by Configure.
func Variables() []Variable {
	return []Variable{
		{Name: DisableCompositingMode, Value: "1"},
		{Name: DisableDMABufRenderer, Value: "1"},
	}
}

// Configure sets every override in Variables. It must run before the
// runtime starts since the rendering engine only reads them at init.
//
// A variable that cannot be set is logged and skipped; startup continues.
func Configure(logger *log.Logger) {
	apply(os.Setenv, logger)
}

func apply(setenv func(key, value string) error, logger *log.Logger) {
	for _, v := range Variables() {
		if err := setenv(v.Name, v.Value); err != nil {
			// TODO: decide whether this should become fatal once we know how
			// often platforms reject it; rendering defects may reappear.
			if logger != nil {
				logger.Warn("environment override not applied", "name", v.Name, "err", err)
			}
			continue
		}
		if logger != nil {
			logger.Debug("environment override applied", "name", v.Name, "value", v.Value)
		}
	}
}
