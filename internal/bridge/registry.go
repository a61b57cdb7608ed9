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
	"sync"

	"github.com/gorilla/websocket"
)

// Peer is one live WebSocket connection to the browser extension.
// Writes are serialized: gorilla/websocket permits at most one
// concurrent writer per connection.
type Peer struct {
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex
	stale   bool
}

// NewPeer wraps an accepted WebSocket connection.
func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{conn: conn, remote: conn.RemoteAddr().String()}
}

// Remote returns the peer's remote address, for logging.
func (p *Peer) Remote() string {
	return p.remote
}

// Send writes a JSON text message to the peer. It fails with ErrPeerGone
// once the handle has been superseded or closed, so a call dispatched
// before a reconnect can never write to the wrong socket.
func (p *Peer) Send(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stale {
		return ErrPeerGone
	}
	if err := p.conn.WriteJSON(v); err != nil {
		return err
	}
	return nil
}

// SendRaw writes a pre-encoded text message to the peer.
func (p *Peer) SendRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stale {
		return ErrPeerGone
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// invalidate marks the handle stale. The underlying socket is left to
// close on its own; no explicit eviction.
func (p *Peer) invalidate() {
	p.writeMu.Lock()
	p.stale = true
	p.writeMu.Unlock()
}

// Registry holds the current authoritative peer, if any. At most one
// peer is authoritative at any instant; replacing invalidates the
// previous handle even if its socket is still technically open.
//
// Replacing does not touch in-flight pending calls: a slow true reply
// from the old peer may still race a reconnect, and each call remains
// governed by its own timeout.
type Registry struct {
	mu      sync.RWMutex
	current *Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the authoritative peer, or nil if none is connected.
func (r *Registry) Current() *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Connected reports whether a peer is currently registered.
func (r *Registry) Connected() bool {
	return r.Current() != nil
}

// Replace installs a new authoritative peer, invalidating the previous
// handle. It returns the superseded peer, if any.
func (r *Registry) Replace(peer *Peer) *Peer {
	r.mu.Lock()
	old := r.current
	r.current = peer
	r.mu.Unlock()

	if old != nil {
		old.invalidate()
	}
	return old
}

// ClearIf removes the given peer if it is still the authoritative one.
// A peer that was already superseded must not clear its replacement.
func (r *Registry) ClearIf(peer *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != peer {
		return false
	}
	r.current = nil
	peer.invalidate()
	return true
}
