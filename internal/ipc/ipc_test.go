package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"compass-desktop/internal/contracts"
	"compass-desktop/internal/plugin"
)

type recordingPlugin struct {
	name string

	mu    sync.Mutex
	calls []string
	ops   map[string]plugin.Operation
}

func (r *recordingPlugin) Name() string { return r.name }

func (r *recordingPlugin) Operations() map[string]plugin.Operation {
	return r.ops
}

func (r *recordingPlugin) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op)
}

func (r *recordingPlugin) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newRecording(name string) *recordingPlugin {
	p := &recordingPlugin{name: name}
	p.ops = map[string]plugin.Operation{
		"read": func(_ context.Context, args plugin.Args) (any, error) {
			p.record("read")
			var req struct {
				Path string `mapstructure:"path"`
			}
			if err := args.Decode(&req); err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path}, nil
		},
		"fail": func(context.Context, plugin.Args) (any, error) {
			p.record("fail")
			return nil, errors.New("disk on fire")
		},
		"panic": func(context.Context, plugin.Args) (any, error) {
			panic("boom")
		},
		"sleep": func(ctx context.Context, args plugin.Args) (any, error) {
			var req struct {
				Millis int `mapstructure:"ms"`
			}
			if err := args.Decode(&req); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(req.Millis) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return req.Millis, nil
		},
	}
	return p
}

func newTestDispatcher(t *testing.T, plugins ...plugin.Plugin) *Dispatcher {
	t.Helper()

	b := plugin.NewBuilder()
	for _, p := range plugins {
		b.Register(p)
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return NewDispatcher(reg, log.New(io.Discard))
}

func TestInvokeRoutesByCapability(t *testing.T) {
	t.Parallel()

	shell := newRecording("shell")
	fs := newRecording("fs")
	d := newTestDispatcher(t, shell, fs)

	res := d.Invoke(context.Background(), contracts.InvokeMessage{
		ID:         "1",
		Capability: "fs",
		Operation:  "read",
		Payload:    map[string]any{"path": "/tmp/x"},
	})

	if !res.OK || res.ID != "1" || res.Type != contracts.MessageTypeResult {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := res.Data.(map[string]any)["path"]; got != "/tmp/x" {
		t.Errorf("data path = %v", got)
	}
	if len(fs.Calls()) != 1 {
		t.Errorf("fs calls = %v", fs.Calls())
	}
	if len(shell.Calls()) != 0 {
		t.Errorf("shell must not be called, got %v", shell.Calls())
	}
}

func TestInvokeErrors(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newRecording("fs"))

	tests := []struct {
		name     string
		msg      contracts.InvokeMessage
		wantCode string
	}{
		{
			name:     "missing id",
			msg:      contracts.InvokeMessage{Capability: "fs", Operation: "read"},
			wantCode: contracts.CodeBadRequest,
		},
		{
			name:     "unknown capability",
			msg:      contracts.InvokeMessage{ID: "a", Capability: "net", Operation: "get"},
			wantCode: contracts.CodeUnknownCapability,
		},
		{
			name:     "unknown operation",
			msg:      contracts.InvokeMessage{ID: "b", Capability: "fs", Operation: "format"},
			wantCode: contracts.CodeUnknownOperation,
		},
		{
			name:     "bad payload",
			msg:      contracts.InvokeMessage{ID: "c", Capability: "fs", Operation: "read", Payload: map[string]any{"pth": 1}},
			wantCode: contracts.CodeBadRequest,
		},
		{
			name:     "operation error",
			msg:      contracts.InvokeMessage{ID: "d", Capability: "fs", Operation: "fail"},
			wantCode: contracts.CodeOperationFailed,
		},
		{
			name:     "operation panic",
			msg:      contracts.InvokeMessage{ID: "e", Capability: "fs", Operation: "panic"},
			wantCode: contracts.CodeOperationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := d.Invoke(context.Background(), tt.msg)
			if res.OK {
				t.Fatal("expected failure")
			}
			if res.Error == nil || res.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", res.Error, tt.wantCode)
			}
			if res.ID != tt.msg.ID {
				t.Errorf("result id = %q, want %q", res.ID, tt.msg.ID)
			}
		})
	}
}

func TestDispatchCorrelatesOutOfOrderResults(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newRecording("fs"))

	results := make(chan contracts.ResultMessage, 3)
	for i, ms := range []int{60, 5, 30} {
		d.Dispatch(context.Background(), contracts.InvokeMessage{
			ID:         fmt.Sprintf("req-%d", i),
			Capability: "fs",
			Operation:  "sleep",
			Payload:    map[string]any{"ms": ms},
		}, func(res contracts.ResultMessage) { results <- res })
	}
	d.Drain()
	close(results)

	want := map[string]int{"req-0": 60, "req-1": 5, "req-2": 30}
	var order []string
	for res := range results {
		order = append(order, res.ID)
		if !res.OK {
			t.Fatalf("result %s failed: %+v", res.ID, res.Error)
		}
		if res.Data != want[res.ID] {
			t.Errorf("result %s carried %v, want %d", res.ID, res.Data, want[res.ID])
		}
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 results, got %v", order)
	}
	if order[0] != "req-1" {
		t.Errorf("fastest invocation should reply first, got order %v", order)
	}
}

func TestCodecsDecodeInvoke(t *testing.T) {
	t.Parallel()

	for _, codec := range Codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()

			frame, err := codec.Marshal(contracts.InvokeMessage{
				Type:       contracts.MessageTypeInvoke,
				ID:         "42",
				Capability: "fs",
				Operation:  "read",
				Payload:    map[string]any{"path": "/tmp/x", "opts": map[string]any{"follow": true}},
			})
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			msg, err := codec.DecodeInvoke(frame)
			if err != nil {
				t.Fatalf("DecodeInvoke: %v", err)
			}
			if msg.ID != "42" || msg.Capability != "fs" || msg.Operation != "read" {
				t.Errorf("decoded envelope %+v", msg)
			}

			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				t.Fatalf("payload type %T, want map[string]any", msg.Payload)
			}
			if payload["path"] != "/tmp/x" {
				t.Errorf("payload path = %v", payload["path"])
			}
			if _, ok := payload["opts"].(map[string]any); !ok {
				t.Errorf("nested payload type %T, want map[string]any", payload["opts"])
			}
		})
	}
}

func TestCodecFor(t *testing.T) {
	t.Parallel()

	c, err := CodecFor("")
	if err != nil || c.Name() != SubprotocolJSON {
		t.Errorf("empty subprotocol should select JSON, got %v, %v", c, err)
	}
	c, err = CodecFor(SubprotocolCBOR)
	if err != nil || !c.Binary() {
		t.Errorf("CBOR codec lookup = %v, %v", c, err)
	}
	if _, err := CodecFor("compass.xml"); err == nil {
		t.Error("expected error for unsupported subprotocol")
	}
}
