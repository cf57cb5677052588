// Package contracts defines the messages exchanged between the UI and the
// native host over the bridge.
package contracts

import "compass-desktop/internal/plugin"

const (
	// MessageTypeInvoke asks the host to run a capability operation.
	MessageTypeInvoke = "invoke"
	// MessageTypeResult answers an invoke, correlated by ID.
	MessageTypeResult = "result"
	// MessageTypeReady is sent once per connection with the capability list.
	MessageTypeReady = "ready"
)

// Error codes carried in ResultMessage.Error.
const (
	CodeUnknownCapability = "unknown_capability"
	CodeUnknownOperation  = "unknown_operation"
	CodeBadRequest        = "bad_request"
	CodeOperationFailed   = "operation_failed"
)

// InvokeMessage requests a capability operation.
type InvokeMessage struct {
	Type       string `json:"type" msgpack:"type"`
	ID         string `json:"id" msgpack:"id"`
	Capability string `json:"capability" msgpack:"capability"`
	Operation  string `json:"operation" msgpack:"operation"`
	Payload    any    `json:"payload,omitempty" msgpack:"payload"`
}

// ResultMessage carries an operation's outcome back to the UI.
type ResultMessage struct {
	Type  string     `json:"type" msgpack:"type"`
	ID    string     `json:"id" msgpack:"id"`
	OK    bool       `json:"ok" msgpack:"ok"`
	Data  any        `json:"data,omitempty" msgpack:"data"`
	Error *ErrorBody `json:"error,omitempty" msgpack:"error"`
}

// ErrorBody describes a failed invocation.
type ErrorBody struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ReadyMessage tells a freshly connected window what it may invoke.
type ReadyMessage struct {
	Type         string              `json:"type" msgpack:"type"`
	Window       string              `json:"window" msgpack:"window"`
	Capabilities []plugin.Capability `json:"capabilities" msgpack:"capabilities"`
}
