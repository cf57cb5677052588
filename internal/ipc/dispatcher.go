package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"compass-desktop/internal/contracts"
	"compass-desktop/internal/plugin"
)

// Dispatcher routes invocations to plugins by capability name. The registry
// is read-only, so concurrent dispatches share it without locking.
type Dispatcher struct {
	registry *plugin.Registry
	logger   *log.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewDispatcher returns a dispatcher over a finalized registry.
func NewDispatcher(registry *plugin.Registry, logger *log.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Capabilities describes what the UI may invoke.
func (d *Dispatcher) Capabilities() []plugin.Capability {
	return d.registry.Capabilities()
}

// Dispatch runs msg on its own goroutine and delivers exactly one result
// through reply. Results of concurrent dispatches arrive in completion
// order, not request order. After Drain, reply is called immediately with
// a failed result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg contracts.InvokeMessage, reply func(contracts.ResultMessage)) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		reply(contracts.ResultMessage{
			Type:  contracts.MessageTypeResult,
			ID:    msg.ID,
			Error: &contracts.ErrorBody{Code: contracts.CodeOperationFailed, Message: "host is shutting down"},
		})
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		reply(d.Invoke(ctx, msg))
	}()
}

// Drain stops accepting dispatches and blocks until every in-flight
// invocation has replied.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.inflight.Wait()
}

// Invoke runs msg synchronously.
func (d *Dispatcher) Invoke(ctx context.Context, msg contracts.InvokeMessage) (res contracts.ResultMessage) {
	res = contracts.ResultMessage{Type: contracts.MessageTypeResult, ID: msg.ID}

	if msg.ID == "" {
		res.Error = &contracts.ErrorBody{Code: contracts.CodeBadRequest, Message: "invoke without id"}
		return res
	}

	p, ok := d.registry.Lookup(msg.Capability)
	if !ok {
		res.Error = &contracts.ErrorBody{
			Code:    contracts.CodeUnknownCapability,
			Message: fmt.Sprintf("capability %q is not registered", msg.Capability),
		}
		return res
	}

	op, ok := p.Operations()[msg.Operation]
	if !ok || op == nil {
		res.Error = &contracts.ErrorBody{
			Code:    contracts.CodeUnknownOperation,
			Message: fmt.Sprintf("capability %q has no operation %q", msg.Capability, msg.Operation),
		}
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operation panicked", "capability", msg.Capability, "operation", msg.Operation, "panic", r)
			res.OK = false
			res.Data = nil
			res.Error = &contracts.ErrorBody{Code: contracts.CodeOperationFailed, Message: fmt.Sprint(r)}
		}
	}()

	data, err := op(ctx, plugin.NewArgs(msg.Payload))
	if err != nil {
		code := contracts.CodeOperationFailed
		if errors.Is(err, plugin.ErrInvalidArguments) {
			code = contracts.CodeBadRequest
		}
		d.logger.Debug("operation failed", "capability", msg.Capability, "operation", msg.Operation, "id", msg.ID, "err", err)
		res.Error = &contracts.ErrorBody{Code: code, Message: err.Error()}
		return res
	}

	res.OK = true
	res.Data = data
	return res
}
