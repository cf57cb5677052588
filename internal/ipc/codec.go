// Package ipc carries capability invocations across the UI/native boundary:
// frame codecs and the dispatcher that routes invocations to plugins.
package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/neovim/go-client/msgpack"

	"compass-desktop/internal/contracts"
)

// Subprotocol names negotiated on the bridge WebSocket.
const (
	SubprotocolJSON    = "compass.json"
	SubprotocolMsgpack = "compass.msgpack"
	SubprotocolCBOR    = "compass.cbor"
)

// Codec encodes bridge frames.
type Codec interface {
	// Name is the WebSocket subprotocol that selects this codec.
	Name() string
	// Binary reports whether frames are sent as binary messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	// DecodeInvoke decodes an invoke frame. Payload maps are normalized to
	// map[string]any regardless of codec.
	DecodeInvoke(data []byte) (contracts.InvokeMessage, error)
	// DecodeMap decodes any frame into a generic map.
	DecodeMap(data []byte) (map[string]any, error)
}

// Codecs returns every supported codec, preferred first.
func Codecs() []Codec {
	return []Codec{jsonCodec{}, msgpackCodec{}, newCBORCodec()}
}

// Subprotocols returns the codec names in preference order.
func Subprotocols() []string {
	codecs := Codecs()
	names := make([]string, len(codecs))
	for i, c := range codecs {
		names[i] = c.Name()
	}
	return names
}

// CodecFor returns the codec negotiated for subprotocol. An empty
// subprotocol selects JSON.
func CodecFor(subprotocol string) (Codec, error) {
	if subprotocol == "" {
		return jsonCodec{}, nil
	}
	for _, c := range Codecs() {
		if c.Name() == subprotocol {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported bridge subprotocol %q", subprotocol)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) DecodeInvoke(data []byte) (contracts.InvokeMessage, error) {
	var msg contracts.InvokeMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func (jsonCodec) DecodeMap(data []byte) (map[string]any, error) {
	var m map[string]any
	err := json.Unmarshal(data, &m)
	return m, err
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return SubprotocolMsgpack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) DecodeInvoke(data []byte) (contracts.InvokeMessage, error) {
	var msg contracts.InvokeMessage
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return msg, err
	}
	msg.Payload = normalize(msg.Payload)
	return msg, nil
}

func (msgpackCodec) DecodeMap(data []byte) (map[string]any, error) {
	var v any
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return asMap(normalize(v))
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) DecodeInvoke(data []byte) (contracts.InvokeMessage, error) {
	var msg contracts.InvokeMessage
	err := c.dec.Unmarshal(data, &msg)
	return msg, err
}

func (c cborCodec) DecodeMap(data []byte) (map[string]any, error) {
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return asMap(normalize(v))
}

func asMap(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("frame decoded to %T, want a map", v)
	}
	return m, nil
}

// normalize converts generic maps to map[string]any so payload decoding does
// not depend on how a codec represents map keys.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = normalize(v)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case []any:
		a := make([]any, len(val))
		for i, v := range val {
			a[i] = normalize(v)
		}
		return a
	default:
		return val
	}
}
