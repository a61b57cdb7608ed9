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

// Package bridge is the broker between MCP tool calls and the browser
// extension: a single authoritative WebSocket peer, a pending-call
// table correlating replies by requestId, and per-operation timeouts.
package bridge

import (
	"context"
	"time"
)

// Bridge bundles the session registry and correlator behind the surface
// the tool layer consumes.
type Bridge struct {
	Registry   *Registry
	Correlator *Correlator
}

// NewBridge creates a wired registry + correlator pair.
func NewBridge(correlator *Correlator, registry *Registry) *Bridge {
	return &Bridge{Registry: registry, Correlator: correlator}
}

// Connected reports whether an extension is currently connected.
func (b *Bridge) Connected() bool {
	return b.Registry.Connected()
}

// Dispatch forwards to the correlator.
func (b *Bridge) Dispatch(ctx context.Context, op string, args map[string]any, timeout time.Duration) (*Reply, error) {
	return b.Correlator.Dispatch(ctx, op, args, timeout)
}

// Ping sends a liveness probe to the current peer, outside the
// correlation scheme. The pong, if any, is recorded by the server.
func (b *Bridge) Ping() error {
	peer := b.Registry.Current()
	if peer == nil {
		return ErrNotConnected
	}
	return peer.Send(NewPing())
}
