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
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// harness runs a real listener with a real extension-side WebSocket
// client, so dispatch, supersede and disconnect behavior are exercised
// over actual sockets.
type harness struct {
	t          *testing.T
	registry   *Registry
	correlator *Correlator
	server     *Server
	metrics    *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewMetrics(prometheus.NewRegistry())
	registry := NewRegistry()
	correlator := NewCorrelator(registry, logger, metrics)
	server := NewServer(&ServerConfig{
		Addr:    "127.0.0.1:0",
		Logger:  logger,
		Metrics: metrics,
	}, registry, correlator)

	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		correlator.Close()
		server.Shutdown(context.Background())
	})

	return &harness{t: t, registry: registry, correlator: correlator, server: server, metrics: metrics}
}

// dialExtension connects a fake extension and consumes the greeting.
func (h *harness) dialExtension() *websocket.Conn {
	h.t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.server.Addr()+"/ws", nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	h.t.Cleanup(func() { conn.Close() })

	var hello map[string]any
	require.NoError(h.t, conn.ReadJSON(&hello))
	require.Equal(h.t, "hello", hello["type"])

	return conn
}

// readRequest reads one operation message from the bridge.
func readRequest(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDispatchNotConnected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(NewRegistry(), logger, nil)

	_, err := correlator.Dispatch(context.Background(), OpScrollPage,
		map[string]any{"direction": "down", "amount": 500}, time.Second)

	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, correlator.PendingCount(), "nothing may be enqueued for an absent peer")
}

func TestDispatchRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	type result struct {
		reply *Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h.correlator.Dispatch(context.Background(), OpReadContent,
			map[string]any{"selector": "body"}, 2*time.Second)
		done <- result{reply, err}
	}()

	req := readRequest(t, conn)
	require.Equal(t, OpReadContent, req["type"])
	require.Equal(t, "body", req["selector"])
	requestID := req["requestId"].(string)
	require.NotEmpty(t, requestID)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "content",
		"requestId": requestID,
		"data":      "hello world",
	}))

	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.reply.OK())
	// The payload must reach the caller unmodified.
	require.Equal(t, "hello world", res.reply.StringField("data"))
	require.Equal(t, 0, h.correlator.PendingCount())
}

// TestRepeatedRoundTrips drives back-to-back calls so reply resolution
// races timer bookkeeping repeatedly; the race detector verifies both
// sides stay behind the mutex.
func TestRepeatedRoundTrips(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	for i := 0; i < 50; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := h.correlator.Dispatch(context.Background(), OpReadContent,
				map[string]any{"selector": "body"}, 2*time.Second)
			done <- err
		}()

		req := readRequest(t, conn)
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":      "content",
			"requestId": req["requestId"],
			"data":      "ok",
		}))
		require.NoError(t, <-done)
	}

	require.Equal(t, 0, h.correlator.PendingCount())
}

func TestDispatchTimeoutAndLateReply(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), OpWaitForElement,
			map[string]any{"selector": "#never", "timeout": 100}, 100*time.Millisecond)
		errCh <- err
	}()

	req := readRequest(t, conn)
	requestID := req["requestId"].(string)

	start := time.Now()
	err := <-errCh
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second, "timeout must fire, not hang")
	require.Equal(t, 0, h.correlator.PendingCount())

	// A reply arriving after the timeout is a guaranteed no-op.
	late := &Reply{Type: "wait_result", RequestID: requestID}
	require.False(t, h.correlator.Resolve(late))
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	slowDone := make(chan *Reply, 1)
	fastDone := make(chan *Reply, 1)

	go func() {
		reply, err := h.correlator.Dispatch(context.Background(), OpWaitForElement,
			map[string]any{"selector": ".slow"}, 3*time.Second)
		require.NoError(t, err)
		slowDone <- reply
	}()

	slowReq := readRequest(t, conn)

	go func() {
		reply, err := h.correlator.Dispatch(context.Background(), OpGetCurrentURL,
			map[string]any{}, 3*time.Second)
		require.NoError(t, err)
		fastDone <- reply
	}()

	fastReq := readRequest(t, conn)

	// Answer the later call first: replies match by requestId, not by
	// arrival order.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "current_url",
		"requestId": fastReq["requestId"],
		"url":       "https://example.com",
	}))
	fast := <-fastDone
	require.Equal(t, "https://example.com", fast.StringField("url"))
	require.Equal(t, 1, h.correlator.PendingCount(), "slow call still outstanding")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "wait_result",
		"requestId": slowReq["requestId"],
		"success":   true,
	}))
	slow := <-slowDone
	require.True(t, slow.OK())
}

func TestSecondConnectionSupersedes(t *testing.T) {
	h := newHarness(t)
	first := h.dialExtension()
	oldPeer := h.registry.Current()

	second := h.dialExtension()
	require.NotEqual(t, oldPeer, h.registry.Current())

	// Dispatches now reach the new extension only.
	go func() {
		h.correlator.Dispatch(context.Background(), OpGetCurrentURL, map[string]any{}, time.Second)
	}()
	req := readRequest(t, second)
	require.Equal(t, OpGetCurrentURL, req["type"])

	// The superseded socket sees nothing further.
	first.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg map[string]any
	require.Error(t, first.ReadJSON(&msg))
}

func TestDisconnectMidFlightRidesOutTimeout(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), OpNavigateTo,
			map[string]any{"url": "https://example.com"}, 300*time.Millisecond)
		errCh <- err
	}()

	readRequest(t, conn)
	start := time.Now()
	conn.Close()

	// The call is not failed on disconnect; it resolves via its own
	// timeout.
	err := <-errCh
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	// Garbage, a reply without a requestId, and an unknown id: all
	// logged and dropped without disturbing the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "content", "data": "x"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "content", "requestId": "unknown"}))

	// The bridge still serves calls afterwards.
	done := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), OpGetCurrentURL,
			map[string]any{}, 2*time.Second)
		done <- err
	}()

	req := readRequest(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "current_url",
		"requestId": req["requestId"],
		"url":       "https://ok",
	}))
	require.NoError(t, <-done)
}

func TestOutcomeMetricLabels(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	// An unanswered call settles under the timeout label.
	timeoutCh := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), OpGetCurrentURL,
			map[string]any{}, 50*time.Millisecond)
		timeoutCh <- err
	}()
	readRequest(t, conn)
	require.ErrorIs(t, <-timeoutCh, ErrTimeout)

	// A call failed by shutdown settles under the closed label, not
	// timeout.
	closedCh := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), OpNavigateTo,
			map[string]any{"url": "https://example.com"}, time.Minute)
		closedCh <- err
	}()
	readRequest(t, conn)
	h.correlator.Close()
	require.ErrorIs(t, <-closedCh, ErrClosed)

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(OpGetCurrentURL, resultTimeout)))
	require.Equal(t, float64(0), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(OpGetCurrentURL, resultClosed)))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(OpNavigateTo, resultClosed)))
	require.Equal(t, float64(0), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(OpNavigateTo, resultTimeout)))
}

func TestPongRecorded(t *testing.T) {
	h := newHarness(t)
	conn := h.dialExtension()

	require.True(t, h.server.LastPong().IsZero())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()}))

	require.Eventually(t, func() bool {
		return !h.server.LastPong().IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	h.dialExtension()

	resp, err := http.Get("http://" + h.server.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ready", body["status"])
	require.Equal(t, true, body["extensionConnected"])
}
