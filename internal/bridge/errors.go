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
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a peer-requiring operation is
	// invoked with no current peer. The operation is never dispatched.
	ErrNotConnected = errors.New("bridge: no connected browser extension")

	// ErrTimeout is returned when a dispatched call's deadline elapses
	// with no matching reply.
	ErrTimeout = errors.New("bridge: request timeout")

	// ErrPeerGone is returned by Peer.Send when the handle has been
	// superseded or its socket has closed.
	ErrPeerGone = errors.New("bridge: peer connection is stale")

	// ErrClosed is returned when dispatching through a correlator that
	// has been shut down.
	ErrClosed = errors.New("bridge: correlator closed")
)

// PeerError represents an explicit failure reported by the browser
// extension in a reply, e.g. "element not found".
type PeerError struct {
	// Op is the operation kind that failed.
	Op string

	// Reason is the error string supplied by the peer, surfaced verbatim.
	Reason string
}

// Error implements the error interface.
func (e *PeerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s failed: unknown error", e.Op)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}
