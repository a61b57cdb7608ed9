// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peer implements the extension-side client role: it connects
// to the bridge, executes incoming operations through a Handler, and
// reconnects automatically when the bridge goes away. The browser
// extension implements the same state machine; this client serves
// Go-based agents and tests.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the supervisor connection state.
type State int

const (
	// StateDisconnected means no socket and no dial in progress.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in flight.
	StateConnecting
	// StateConnected means the bridge socket is live.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultRetryInterval matches the extension's 3-second reconnect loop.
const DefaultRetryInterval = 3 * time.Second

// ErrSupervisorClosed is returned by Connect after Close.
var ErrSupervisorClosed = errors.New("peer: supervisor closed")

// Handler executes one in-page operation. Implementations live outside
// this package; element lookup, scrolling and DOM serialization are the
// browser's business. The returned fields are merged into the reply.
type Handler interface {
	Handle(ctx context.Context, op string, request json.RawMessage) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, op string, request json.RawMessage) (map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, op string, request json.RawMessage) (map[string]any, error) {
	return f(ctx, op, request)
}

// replyTypes maps operation kinds to their noun-based reply type names.
var replyTypes = map[string]string{
	"read_content":            "content",
	"execute_script":          "script_result",
	"scroll_page":             "scroll_result",
	"click_element":           "click_result",
	"wait_for_element":        "wait_result",
	"extract_structured_data": "extracted_data",
	"get_current_url":         "current_url",
	"get_dom_snapshot":        "dom_snapshot",
	"navigate_to":             "navigation_result",
}

// ReplyTypeFor returns the reply type name for an operation kind.
func ReplyTypeFor(op string) string {
	if t, ok := replyTypes[op]; ok {
		return t
	}
	return op + "_result"
}

// Supervisor drives the Disconnected → Connecting → Connected state
// machine with a single armed retry timer. A manual reconnect request
// is idempotent with the automatic loop: both funnel into Connect,
// which cancels any armed timer and refuses to stack dial attempts.
type Supervisor struct {
	url      string
	interval time.Duration
	dialer   *websocket.Dialer
	handler  Handler
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	retryTimer *time.Timer
	closed     bool

	writeMu sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRetryInterval overrides the reconnect interval.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Supervisor) { s.dialer = d }
}

// New creates a supervisor for the bridge at url (e.g.
// "ws://127.0.0.1:8765/ws").
func New(url string, handler Handler, opts ...Option) *Supervisor {
	s := &Supervisor{
		url:      url,
		interval: DefaultRetryInterval,
		dialer:   websocket.DefaultDialer,
		handler:  handler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryArmed reports whether a reconnect timer is pending.
func (s *Supervisor) RetryArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryTimer != nil
}

// Connect dials the bridge. It is a no-op when already connecting or
// connected, so "reconnect now" can never stack a second attempt.
// On failure it arms the retry timer and returns the dial error.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.disarmRetryLocked()
	s.mu.Unlock()

	conn, _, err := s.dialer.Dial(s.url, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return ErrSupervisorClosed
	}

	if err != nil {
		s.state = StateDisconnected
		s.armRetryLocked()
		s.logger.Debug("bridge dial failed", slog.Any("error", err))
		return err
	}

	s.state = StateConnected
	s.conn = conn
	s.disarmRetryLocked()
	s.logger.Info("connected to bridge", slog.String("url", s.url))

	go s.readLoop(conn)
	return nil
}

// ReconnectNow requests an immediate connection attempt. Idempotent
// with the automatic retry loop.
func (s *Supervisor) ReconnectNow() error {
	return s.Connect()
}

// Close tears down the supervisor, cancelling any armed timer.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.disarmRetryLocked()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// armRetryLocked arms the reconnect timer unless one is already armed.
// The armed flag is the timer pointer itself.
func (s *Supervisor) armRetryLocked() {
	if s.retryTimer != nil || s.closed {
		return
	}
	s.retryTimer = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		if err := s.Connect(); err != nil && !errors.Is(err, ErrSupervisorClosed) {
			s.logger.Debug("reconnect attempt failed", slog.Any("error", err))
		}
	})
}

// disarmRetryLocked cancels a pending reconnect timer.
func (s *Supervisor) disarmRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// onClose transitions to Disconnected and arms the retry timer.
func (s *Supervisor) onClose(conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return // A newer connection took over
	}
	s.conn = nil
	s.state = StateDisconnected
	if !s.closed {
		s.armRetryLocked()
		s.logger.Info("disconnected from bridge, reconnect armed")
	}
}

// readLoop consumes bridge messages until the socket closes.
func (s *Supervisor) readLoop(conn *websocket.Conn) {
	defer s.onClose(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(conn, data)
	}
}

// inbound is the envelope of a bridge message.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// handleMessage routes one bridge message.
func (s *Supervisor) handleMessage(conn *websocket.Conn, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("unusable bridge message", slog.Any("error", err))
		return
	}

	switch msg.Type {
	case "hello":
		s.logger.Info("bridge handshake complete", slog.String("message", msg.Message))
	case "ping":
		s.send(conn, map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
	default:
		go s.dispatch(conn, msg.Type, msg.RequestID, data)
	}
}

// dispatch runs the handler for one operation and replies with its
// outcome, echoing the correlation identifier.
func (s *Supervisor) dispatch(conn *websocket.Conn, op, requestID string, raw []byte) {
	reply := map[string]any{
		"type":      ReplyTypeFor(op),
		"requestId": requestID,
	}

	fields, err := s.handler.Handle(context.Background(), op, raw)
	if err != nil {
		reply["success"] = false
		reply["error"] = err.Error()
	} else {
		reply["success"] = true
		for k, v := range fields {
			reply[k] = v
		}
	}

	s.send(conn, reply)
}

// send writes one JSON message, serializing concurrent writers.
func (s *Supervisor) send(conn *websocket.Conn, v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("reply send failed", slog.Any("error", err))
	}
}
