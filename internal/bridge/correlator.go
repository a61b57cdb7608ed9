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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/browsehand/browsehand/internal/log"
)

// outcome is the settled result of a pending call: a reply or an error,
// never both.
type outcome struct {
	reply *Reply
	err   error
}

// pendingCall is one outstanding request awaiting a reply from the
// extension. Exactly one of {matching reply, timeout} delivers to done;
// whichever loses the race finds the call already unregistered and is a
// no-op.
type pendingCall struct {
	op    string
	done  chan outcome
	timer *time.Timer
}

// Correlator maps outbound calls to their eventual inbound replies.
// All bookkeeping is serialized behind a single mutex so reply matching,
// timeout firing, and dispatch never race.
//
// Peer disconnect does not fail outstanding calls; each rides out to its
// own timeout. A slow true reply racing a reconnect therefore still
// resolves its call if it arrives in time.
type Correlator struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewCorrelator creates a correlator dispatching through the given
// registry. Metrics may be nil.
func NewCorrelator(registry *Registry, logger *slog.Logger, metrics *Metrics) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[string]*pendingCall),
	}
}

// PendingCount returns the number of outstanding calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dispatch sends an operation to the current peer and blocks until the
// call settles: a matching reply arrives, the timeout fires, or ctx is
// cancelled. It fails immediately with ErrNotConnected when no peer is
// registered; nothing is ever enqueued for an absent peer.
//
// The returned Reply may itself carry a peer-reported failure; callers
// inspect Reply.OK.
func (c *Correlator) Dispatch(ctx context.Context, op string, args map[string]any, timeout time.Duration) (*Reply, error) {
	peer := c.registry.Current()
	if peer == nil {
		return nil, ErrNotConnected
	}

	req := NewRequest(op, args)
	data, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	call := &pendingCall{op: op, done: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// Armed before the call is published: any goroutine that reaches the
	// call through the map also observes its timer.
	call.timer = time.AfterFunc(timeout, func() {
		c.onTimeout(req.RequestID)
	})
	c.pending[req.RequestID] = call
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PendingCalls.Inc()
		c.metrics.Dispatches.WithLabelValues(op).Inc()
	}

	// Send through the registry's handle captured above. If the peer was
	// superseded between the Current read and the write, Send fails with
	// ErrPeerGone rather than writing to the wrong socket.
	if err := peer.SendRaw(data); err != nil {
		if removed := c.remove(req.RequestID); removed != nil {
			removed.timer.Stop()
		}
		return nil, fmt.Errorf("send %s to extension: %w", op, err)
	}

	c.logger.Debug("dispatched call",
		slog.String(log.OpKey, op),
		slog.String(log.RequestIDKey, req.RequestID),
		slog.Duration("timeout", timeout))

	select {
	case out := <-call.done:
		if out.err != nil {
			if c.metrics != nil {
				label := resultClosed
				if errors.Is(out.err, ErrTimeout) {
					label = resultTimeout
				}
				c.metrics.Outcomes.WithLabelValues(op, label).Inc()
			}
			return nil, out.err
		}
		if !out.reply.OK() {
			c.logger.Debug("peer reported failure",
				log.Error(&PeerError{Op: op, Reason: out.reply.Error}))
			if c.metrics != nil {
				c.metrics.Outcomes.WithLabelValues(op, resultPeerError).Inc()
			}
		} else if c.metrics != nil {
			c.metrics.Outcomes.WithLabelValues(op, resultSuccess).Inc()
		}
		return out.reply, nil
	case <-ctx.Done():
		if call := c.remove(req.RequestID); call != nil && call.timer != nil {
			call.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// Resolve matches a parsed reply to its pending call by requestId and
// settles it. It reports false for replies with no outstanding call:
// late replies after a timeout, or cross-talk from a superseded peer.
// Either way the reply is a no-op beyond a log line.
func (c *Correlator) Resolve(reply *Reply) bool {
	call := c.remove(reply.RequestID)
	if call == nil {
		c.logger.Warn("reply with no pending call",
			slog.String("type", reply.Type),
			slog.String(log.RequestIDKey, reply.RequestID))
		return false
	}

	if call.timer != nil {
		call.timer.Stop()
	}
	call.done <- outcome{reply: reply}
	return true
}

// onTimeout settles a still-outstanding call with ErrTimeout. If the
// call already resolved, this is a no-op.
func (c *Correlator) onTimeout(id string) {
	call := c.remove(id)
	if call == nil {
		return
	}

	c.logger.Warn("call timed out",
		slog.String(log.OpKey, call.op),
		slog.String(log.RequestIDKey, id))
	call.done <- outcome{err: ErrTimeout}
}

// remove unregisters and returns the pending call, or nil if it was
// already resolved. Removal under the mutex is the exactly-once gate:
// only the winner of the reply/timeout race observes the entry.
func (c *Correlator) remove(id string) *pendingCall {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && c.metrics != nil {
		c.metrics.PendingCalls.Dec()
	}
	if !ok {
		return nil
	}
	return call
}

// Close fails all outstanding calls and rejects further dispatches.
// Used only at process shutdown; peer disconnects do not call this.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.done <- outcome{err: ErrClosed}
		if c.metrics != nil {
			c.metrics.PendingCalls.Dec()
		}
	}
}
