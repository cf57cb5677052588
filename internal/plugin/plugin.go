// Package plugin defines the capability plugin contract and the registry the
// host dispatches UI invocations through.
//
// A plugin exposes a capability name and a set of named operations. Plugins
// are composed once with a Builder; the built Registry is read-only, so
// lookups from concurrent invocations need no locking.
package plugin

import (
	"context"
	"encoding/base64"
	"fmt"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
)

// Plugin is a capability the UI can invoke.
type Plugin interface {
	// Name is the capability name; unique within a registry.
	Name() string
	// Operations maps operation names to their implementations.
	Operations() map[string]Operation
}

// Operation runs one invocation. The returned value is encoded back to the
// UI with the connection's codec.
type Operation func(ctx context.Context, args Args) (any, error)

// Args is the codec-neutral payload of an invocation.
type Args struct {
	raw any
}

// NewArgs wraps a decoded payload.
func NewArgs(raw any) Args {
	return Args{raw: raw}
}

// Raw returns the payload as decoded by the codec.
func (a Args) Raw() any {
	return a.raw
}

// Decode fills out from the payload. Fields are matched by their
// `mapstructure` tag; base64 strings decode into []byte fields.
func (a Args) Decode(out any) error {
	if a.raw == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  base64ToBytesHook,
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if err := dec.Decode(a.raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

var bytesType = reflect.TypeOf([]byte(nil))

func base64ToBytesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != bytesType {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(data.(string))
}

// Capability describes a plugin for the UI.
type Capability struct {
	Name       string   `json:"name" msgpack:"name"`
	Operations []string `json:"operations" msgpack:"operations"`
}

// Describe returns the capability name and its sorted operation names.
func Describe(p Plugin) Capability {
	ops := p.Operations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return Capability{Name: p.Name(), Operations: names}
}
