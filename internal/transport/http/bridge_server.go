// Package httpserver serves the UI content and carries bridge traffic
// between the UI and the native host.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"compass-desktop/internal/contracts"
	"compass-desktop/internal/ipc"
)

const (
	// BridgePath is the WebSocket endpoint the UI connects to.
	BridgePath = "/ipc"
	// BridgeScriptPath serves the UI-side bridge shim.
	BridgeScriptPath = "/__compass/bridge.js"
	// TokenParam is the query parameter carrying the per-run bridge token.
	TokenParam = "token"

	outboundBuffer = 32
	shutdownGrace  = 2 * time.Second
)

//go:embed bridge.js
var bridgeScript []byte

// BridgeServer coordinates HTTP serving and WebSocket bridge connections.
type BridgeServer struct {
	addr       string
	assets     fs.FS
	dispatcher *ipc.Dispatcher
	logger     *log.Logger

	server   *http.Server
	listener net.Listener
	errCh    chan error
	token    string

	// base is cancelled on Stop so in-flight invocations observe shutdown.
	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*connection]struct{}

	upgrader websocket.Upgrader
}

// NewBridgeServer creates a server bound to addr once Start is called. Every
// server gets a fresh random token that bridge clients must present.
func NewBridgeServer(addr string, assets fs.FS, dispatcher *ipc.Dispatcher, logger *log.Logger) (*BridgeServer, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &BridgeServer{
		addr:       addr,
		assets:     assets,
		dispatcher: dispatcher,
		logger:     logger,
		errCh:      make(chan error, 1),
		token:      token,
		base:       base,
		cancel:     cancel,
		conns:      make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: ipc.Subprotocols(),
		},
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating bridge token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Token returns the secret bridge clients pass as the token query parameter.
func (s *BridgeServer) Token() string {
	return s.token
}

// Start binds the listener and serves in the background. Errors after a
// successful Start are reported on Err.
func (s *BridgeServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(BridgePath, s.handleBridge)
	mux.HandleFunc(BridgeScriptPath, s.handleBridgeScript)
	mux.Handle("/", http.FileServer(http.FS(s.assets)))

	s.server = &http.Server{Handler: s.loopbackOnly(mux), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	s.logger.Debug("bridge server listening", "addr", ln.Addr().String())
	return nil
}

// URL returns the base URL of the server. Only valid after Start.
func (s *BridgeServer) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Err reports fatal serve errors.
func (s *BridgeServer) Err() <-chan error {
	return s.errCh
}

// Stop closes every bridge connection and shuts the HTTP server down.
func (s *BridgeServer) Stop() error {
	if s.server == nil {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.dispatcher.Drain()
	s.server = nil
	return err
}

// loopbackOnly rejects requests whose Host is not the listener address, so a
// rebound DNS name cannot reach the server.
func (s *BridgeServer) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.trustedHost(r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *BridgeServer) trustedHost(host string) bool {
	addr := s.listener.Addr().String()
	if host == addr {
		return true
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return host == net.JoinHostPort("localhost", port)
}

func (s *BridgeServer) validToken(r *http.Request) bool {
	got := r.URL.Query().Get(TokenParam)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *BridgeServer) handleBridgeScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(bridgeScript)
}

// handleBridge upgrades the connection, announces the capabilities and
// forwards every invoke frame to the dispatcher.
func (s *BridgeServer) handleBridge(w http.ResponseWriter, r *http.Request) {
	if !s.trustedHost(r.Host) || !s.validToken(r) {
		s.logger.Warn("rejected bridge connection", "host", r.Host, "origin", r.Header.Get("Origin"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	codec, err := ipc.CodecFor(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return
	}

	window := r.URL.Query().Get("window")
	c := newConnection(ws, codec, s.logger)
	if !s.track(c) {
		c.close()
		return
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	go c.writeLoop()

	c.send(contracts.ReadyMessage{
		Type:         contracts.MessageTypeReady,
		Window:       window,
		Capabilities: s.dispatcher.Capabilities(),
	})

	// Block here until the connection closes / errors out
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.close()
			return
		}

		msg, err := codec.DecodeInvoke(frame)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", "window", window, "err", err)
			continue
		}
		if msg.Type != contracts.MessageTypeInvoke {
			s.logger.Debug("ignoring bridge message", "window", window, "type", msg.Type)
			continue
		}

		s.dispatcher.Dispatch(ctx, msg, func(res contracts.ResultMessage) {
			c.send(res)
		})
	}
}

func (s *BridgeServer) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *BridgeServer) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// connection serializes writes to one WebSocket on a single goroutine.
type connection struct {
	ws     *websocket.Conn
	codec  ipc.Codec
	logger *log.Logger

	out  chan any
	done chan struct{}
	once sync.Once
}

func newConnection(ws *websocket.Conn, codec ipc.Codec, logger *log.Logger) *connection {
	return &connection{
		ws:     ws,
		codec:  codec,
		logger: logger,
		out:    make(chan any, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// send queues v for writing. It drops v once the connection is closed.
func (c *connection) send(v any) {
	select {
	case c.out <- v:
	case <-c.done:
	}
}

func (c *connection) writeLoop() {
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case v := <-c.out:
			frame, err := c.encode(v)
			if err != nil {
				c.logger.Error("encoding bridge message", "codec", c.codec.Name(), "err", err)
				continue
			}
			if err := c.ws.WriteMessage(messageType, frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// encode marshals v. A result whose data cannot be encoded is replaced by
// a failed result so the UI still receives a reply for that id.
func (c *connection) encode(v any) ([]byte, error) {
	frame, err := c.codec.Marshal(v)
	if err == nil {
		return frame, nil
	}
	res, ok := v.(contracts.ResultMessage)
	if !ok {
		return nil, err
	}
	return c.codec.Marshal(contracts.ResultMessage{
		Type:  contracts.MessageTypeResult,
		ID:    res.ID,
		Error: &contracts.ErrorBody{Code: contracts.CodeOperationFailed, Message: "unencodable result: " + err.Error()},
	})
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
