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

package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/browsehand/browsehand/internal/bridge"
	"github.com/browsehand/browsehand/internal/config"
	"github.com/browsehand/browsehand/internal/export"
)

// dispatchCall records one dispatch through the fake.
type dispatchCall struct {
	op      string
	args    map[string]any
	timeout time.Duration
}

// fakeDispatcher scripts the bridge side of a tool call.
type fakeDispatcher struct {
	connected bool
	reply     *bridge.Reply
	err       error
	pingErr   error
	calls     []dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, op string, args map[string]any, timeout time.Duration) (*bridge.Reply, error) {
	f.calls = append(f.calls, dispatchCall{op: op, args: args, timeout: timeout})
	return f.reply, f.err
}

func (f *fakeDispatcher) Connected() bool { return f.connected }
func (f *fakeDispatcher) Ping() error     { return f.pingErr }

// replyFrom builds a Reply the same way the read loop does.
func replyFrom(t *testing.T, fields map[string]any) *bridge.Reply {
	t.Helper()
	if _, ok := fields["requestId"]; !ok {
		fields["requestId"] = "test"
	}
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	reply, err := bridge.ParseReply(data)
	require.NoError(t, err)
	return reply
}

func newTestServer(t *testing.T, d *fakeDispatcher) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{
		Dispatcher: d,
		Writer:     export.NewWriter(t.TempDir()),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "content[0] is not text")
	return tc.Text
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(ServerConfig{Writer: export.NewWriter(".")}); err == nil {
		t.Error("expected error without a dispatcher")
	}
	if _, err := NewServer(ServerConfig{Dispatcher: &fakeDispatcher{}}); err == nil {
		t.Error("expected error without a writer")
	}
}

func TestPeerToolsRequireConnection(t *testing.T) {
	d := &fakeDispatcher{connected: false}
	s := newTestServer(t, d)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() (*mcp.CallToolResult, error)
	}{
		{ToolScrollPage, func() (*mcp.CallToolResult, error) {
			return s.handleScrollPage(ctx, toolRequest(ToolScrollPage, map[string]any{"direction": "down"}))
		}},
		{ToolReadContent, func() (*mcp.CallToolResult, error) {
			return s.handleReadContent(ctx, toolRequest(ToolReadContent, nil))
		}},
		{ToolNavigateTo, func() (*mcp.CallToolResult, error) {
			return s.handleNavigateTo(ctx, toolRequest(ToolNavigateTo, map[string]any{"url": "https://x"}))
		}},
		{ToolWaitForEl, func() (*mcp.CallToolResult, error) {
			return s.handleWaitForElement(ctx, toolRequest(ToolWaitForEl, map[string]any{"selector": "#a"}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.run()
			require.NoError(t, err)
			require.True(t, result.IsError)
			require.Equal(t, notConnectedText, textOf(t, result))
		})
	}
	// The pre-check means no call ever reached the bridge.
	require.Empty(t, d.calls)
}

func TestReadContentDefaultsAndRendersPayload(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "content", "data": "Example Domain"}),
	}
	s := newTestServer(t, d)

	result, err := s.handleReadContent(context.Background(), toolRequest(ToolReadContent, nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "Content from selector \"body\":\n\nExample Domain", textOf(t, result))

	require.Len(t, d.calls, 1)
	require.Equal(t, bridge.OpReadContent, d.calls[0].op)
	require.Equal(t, "body", d.calls[0].args["selector"], "selector defaults to body")
	require.Equal(t, 10*time.Second, d.calls[0].timeout)
}

func TestScrollPage(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "scroll_result", "success": true}),
	}
	s := newTestServer(t, d)

	result, err := s.handleScrollPage(context.Background(),
		toolRequest(ToolScrollPage, map[string]any{"direction": "down"}))
	require.NoError(t, err)
	require.Equal(t, "✅ Scrolled page down by 500px", textOf(t, result))

	require.Len(t, d.calls, 1)
	require.Equal(t, 5*time.Second, d.calls[0].timeout)
	require.Equal(t, float64(500), d.calls[0].args["amount"], "amount defaults to 500")
	_, hasSelector := d.calls[0].args["selector"]
	require.False(t, hasSelector, "selector omitted when scrolling the page")
}

func TestScrollPageInvalidDirection(t *testing.T) {
	d := &fakeDispatcher{connected: true}
	s := newTestServer(t, d)

	result, err := s.handleScrollPage(context.Background(),
		toolRequest(ToolScrollPage, map[string]any{"direction": "sideways"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Empty(t, d.calls, "invalid input must not dispatch")
}

func TestClickElementDefaultWait(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "click_result", "success": true}),
	}
	s := newTestServer(t, d)

	result, err := s.handleClickElement(context.Background(),
		toolRequest(ToolClickElement, map[string]any{"selector": ".btn"}))
	require.NoError(t, err)
	require.Equal(t, "✅ Clicked element: .btn", textOf(t, result))
	require.Equal(t, float64(1000), d.calls[0].args["waitAfter"])
}

func TestWaitForElementBudget(t *testing.T) {
	tests := []struct {
		name       string
		args       map[string]any
		wantBudget time.Duration
	}{
		{"explicit timeout", map[string]any{"selector": "#a", "timeout": float64(100)}, 100*time.Millisecond + time.Second},
		{"default timeout", map[string]any{"selector": "#a"}, 10*time.Second + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{
				connected: true,
				reply:     replyFrom(t, map[string]any{"type": "wait_result", "success": true}),
			}
			s := newTestServer(t, d)

			_, err := s.handleWaitForElement(context.Background(), toolRequest(ToolWaitForEl, tt.args))
			require.NoError(t, err)
			require.Len(t, d.calls, 1)
			// The dispatch budget is the in-page wait plus reply grace.
			require.Equal(t, tt.wantBudget, d.calls[0].timeout)
		})
	}
}

func TestWaitForElementNotFound(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "wait_result", "success": false, "error": "timed out"}),
	}
	s := newTestServer(t, d)

	result, err := s.handleWaitForElement(context.Background(),
		toolRequest(ToolWaitForEl, map[string]any{"selector": "#missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, "❌ Element not found: #missing", textOf(t, result))
}

func TestExtractDataCountsItems(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply: replyFrom(t, map[string]any{
			"type": "extracted_data",
			"data": []any{
				map[string]any{"name": "Alpha", "price": "$10"},
				map[string]any{"name": "Beta", "price": "$20"},
			},
		}),
	}
	s := newTestServer(t, d)

	result, err := s.handleExtractData(context.Background(), toolRequest(ToolExtractData, map[string]any{
		"containerSelector": ".item",
		"fields":            map[string]any{"name": ".name", "price": ".price"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := textOf(t, result)
	require.Contains(t, text, "✅ Extracted 2 items:")
	require.Contains(t, text, `"name": "Alpha"`)
	require.Equal(t, 15*time.Second, d.calls[0].timeout)
}

func TestExtractDataRequiresFields(t *testing.T) {
	d := &fakeDispatcher{connected: true}
	s := newTestServer(t, d)

	result, err := s.handleExtractData(context.Background(),
		toolRequest(ToolExtractData, map[string]any{"containerSelector": ".item"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Empty(t, d.calls)
}

func TestExecuteScript(t *testing.T) {
	tests := []struct {
		name  string
		reply map[string]any
		want  string
	}{
		{
			"object result",
			map[string]any{"type": "script_result", "result": map[string]any{"n": float64(3)}},
			"Script executed. Result:\n{\n  \"n\": 3\n}",
		},
		{
			"undefined renders as null",
			map[string]any{"type": "script_result"},
			"Script executed. Result:\nnull",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{connected: true, reply: replyFrom(t, tt.reply)}
			s := newTestServer(t, d)

			result, err := s.handleExecuteScript(context.Background(),
				toolRequest(ToolExecuteScript, map[string]any{"code": "1+2"}))
			require.NoError(t, err)
			require.Equal(t, tt.want, textOf(t, result))
		})
	}
}

func TestDOMSnapshotTruncated(t *testing.T) {
	big := make([]byte, 50001)
	for i := range big {
		big[i] = 'x'
	}
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "dom_snapshot", "html": string(big)}),
	}
	s := newTestServer(t, d)

	result, err := s.handleDOMSnapshot(context.Background(), toolRequest(ToolDOMSnapshot, nil))
	require.NoError(t, err)

	text := textOf(t, result)
	require.Contains(t, text, "... (truncated)")
	require.Less(t, len(text), 50001+100)
}

func TestCurrentURL(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "current_url", "url": "https://example.com/page"}),
	}
	s := newTestServer(t, d)

	result, err := s.handleCurrentURL(context.Background(), toolRequest(ToolCurrentURL, nil))
	require.NoError(t, err)
	require.Equal(t, "Current URL: https://example.com/page", textOf(t, result))
}

func TestNavigateTo(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "navigation_result", "success": true}),
	}
	s := newTestServer(t, d)

	result, err := s.handleNavigateTo(context.Background(),
		toolRequest(ToolNavigateTo, map[string]any{"url": "https://example.com"}))
	require.NoError(t, err)
	require.Equal(t, "✅ Navigated to: https://example.com", textOf(t, result))
	require.Equal(t, 30*time.Second, d.calls[0].timeout)
}

func TestDispatchTimeoutRendered(t *testing.T) {
	d := &fakeDispatcher{connected: true, err: bridge.ErrTimeout}
	s := newTestServer(t, d)

	result, err := s.handleScrollPage(context.Background(),
		toolRequest(ToolScrollPage, map[string]any{"direction": "down"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, "Timeout: no response received from browser for scroll_page", textOf(t, result))
}

func TestPingExtension(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{connected: false})
	result, err := s.handlePingExtension(context.Background(), toolRequest(ToolPingExtension, nil))
	require.NoError(t, err)
	require.Equal(t, "❌ Chrome Extension is not connected.", textOf(t, result))

	s = newTestServer(t, &fakeDispatcher{connected: true})
	result, err = s.handlePingExtension(context.Background(), toolRequest(ToolPingExtension, nil))
	require.NoError(t, err)
	require.Equal(t, "✅ Chrome Extension is connected. Ping sent.", textOf(t, result))
}

func TestSaveCSVTool(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	result, err := s.handleSaveCSV(context.Background(), toolRequest(ToolSaveCSV, map[string]any{
		"filename": "leads.csv",
		"data": []any{
			map[string]any{"name": "Alpha"},
			map[string]any{"name": "Beta"},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, textOf(t, result), "✅ Successfully saved 2 rows to ")
	require.Contains(t, textOf(t, result), "leads.csv")
}

func TestSaveCSVToolRejectsBadData(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})
	ctx := context.Background()

	result, err := s.handleSaveCSV(ctx, toolRequest(ToolSaveCSV, map[string]any{
		"filename": "x.csv",
		"data":     []any{},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	result, err = s.handleSaveCSV(ctx, toolRequest(ToolSaveCSV, map[string]any{
		"filename": "x.csv",
		"data":     []any{"not an object"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestSaveJSONTool(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	result, err := s.handleSaveJSON(context.Background(), toolRequest(ToolSaveJSON, map[string]any{
		"filename": "data.json",
		"data":     map[string]any{"k": "v"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, textOf(t, result), "✅ Successfully saved data to ")
}

func TestTimeoutForConfigOverride(t *testing.T) {
	d := &fakeDispatcher{
		connected: true,
		reply:     replyFrom(t, map[string]any{"type": "navigation_result", "success": true}),
	}
	cfg := config.Default()
	cfg.TimeoutsMs = map[string]int{bridge.OpNavigateTo: 45000}

	s, err := NewServer(ServerConfig{
		Dispatcher: d,
		Writer:     export.NewWriter(t.TempDir()),
		Config:     cfg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, err = s.handleNavigateTo(context.Background(),
		toolRequest(ToolNavigateTo, map[string]any{"url": "https://x"}))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d.calls[0].timeout)
}
