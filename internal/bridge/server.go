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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browsehand/browsehand/internal/log"
)

// ErrServerClosed is returned when operations are attempted on a closed
// server.
var ErrServerClosed = errors.New("bridge: server closed")

// ServerConfig configures the extension-facing WebSocket server.
type ServerConfig struct {
	// Addr is the listen address for the extension endpoint.
	// Default: 127.0.0.1:8765
	Addr string

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown. Default: 5 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger for server events.
	Logger *slog.Logger

	// Metrics receives bridge health gauges. May be nil.
	Metrics *Metrics

	// PromRegistry backs the /metrics endpoint. May be nil to disable.
	PromRegistry *prometheus.Registry
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            "127.0.0.1:8765",
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server accepts the single long-lived extension connection and feeds
// its replies to the correlator. A second inbound connection silently
// supersedes the first; the old socket is left to close on its own.
type Server struct {
	config     *ServerConfig
	logger     *slog.Logger
	registry   *Registry
	correlator *Correlator
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	pongMu   sync.Mutex
	lastPong time.Time

	shutdownOnce sync.Once
}

// NewServer creates the WebSocket transport listener.
func NewServer(config *ServerConfig, registry *Registry, correlator *Correlator) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8765"
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	return &Server{
		config:     config,
		logger:     config.Logger,
		registry:   registry,
		correlator: correlator,
		upgrader: websocket.Upgrader{
			// The extension connects from a chrome-extension:// origin;
			// the listener is bound to loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving. A bind failure is the
// one unrecoverable startup error; callers treat it as fatal.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil // Already started
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.config.PromRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.config.PromRegistry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout intentionally omitted to support the long-lived
		// WebSocket connection
	}

	go func() {
		s.logger.Info("extension listener starting", slog.String("addr", s.config.Addr))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("extension listener error", slog.Any("error", err))
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// LastPong returns the time of the most recent pong from the extension.
func (s *Server) LastPong() time.Time {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return s.lastPong
}

// handleHealth reports bridge and extension status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	status := "ready"
	httpStatus := http.StatusOK
	if closed {
		status = "error"
		httpStatus = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":             status,
		"extensionConnected": s.registry.Connected(),
		"pendingCalls":       s.correlator.PendingCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}

// handleWebSocket upgrades an extension connection and installs it as
// the authoritative peer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			log.Error(err), slog.String(log.RemoteKey, r.RemoteAddr))
		return
	}

	peer := NewPeer(conn)
	if old := s.registry.Replace(peer); old != nil {
		s.logger.Info("extension connection superseded",
			slog.String("old", old.Remote()), slog.String("new", peer.Remote()))
	} else {
		s.logger.Info("extension connected", slog.String(log.RemoteKey, peer.Remote()))
	}
	if s.config.Metrics != nil {
		s.config.Metrics.PeerConnected.Set(1)
	}

	// Greeting so the extension can confirm handshake completion.
	if err := peer.Send(NewHello()); err != nil {
		s.logger.Warn("hello send failed", slog.Any("error", err))
	}

	go s.readLoop(peer, conn)
}

// readLoop consumes extension messages until the socket closes.
// Outstanding calls are left to their own timeouts on disconnect.
func (s *Server) readLoop(peer *Peer, conn *websocket.Conn) {
	defer func() {
		if s.registry.ClearIf(peer) {
			if s.config.Metrics != nil {
				s.config.Metrics.PeerConnected.Set(0)
			}
			s.logger.Info("extension disconnected", slog.String(log.RemoteKey, peer.Remote()))
		}
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", slog.Any("error", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		s.handleMessage(data)
	}
}

// handleMessage routes one inbound extension message. Malformed replies
// and replies without a requestId are logged and dropped; the affected
// call, if any, continues waiting until its own timeout.
func (s *Server) handleMessage(data []byte) {
	reply, err := ParseReply(data)
	if err != nil {
		s.logger.Warn("dropping unusable extension message",
			slog.Any("error", err), slog.Int("size", len(data)))
		return
	}

	if reply.Type == TypePong {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		s.logger.Debug("pong received")
		return
	}

	s.correlator.Resolve(reply)
}

// Shutdown gracefully stops the server. Does not fail pending calls;
// the caller closes the correlator separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Info("extension listener shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if peer := s.registry.Current(); peer != nil {
			peer.writeMu.Lock()
			peer.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			peer.writeMu.Unlock()
		}

		if s.httpServer != nil {
			shutdownErr = s.httpServer.Shutdown(shutdownCtx)
		}
	})

	return shutdownErr
}
