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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/browsehand/browsehand/internal/bridge"
	"github.com/browsehand/browsehand/internal/log"
	"github.com/browsehand/browsehand/internal/truncate"
)

// call dispatches one operation to the extension and renders transport
// failures. It returns a nil reply with a settled result when the call
// cannot be (or was not) answered. The connectivity pre-check means a
// tool invoked with no extension never reaches the correlator.
func (s *Server) call(ctx context.Context, entry CatalogEntry, args map[string]any, timeout time.Duration) (*bridge.Reply, *mcp.CallToolResult) {
	if !s.dispatch.Connected() {
		return nil, errorResponse(notConnectedText)
	}

	if timeout <= 0 {
		timeout = s.timeoutFor(entry)
	}

	start := time.Now()
	reply, err := s.dispatch.Dispatch(ctx, entry.Op, args, timeout)
	s.logger.Debug("tool dispatch settled",
		slog.String(log.ToolKey, entry.Name),
		slog.String(log.OpKey, entry.Op),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrNotConnected):
			return nil, errorResponse(notConnectedText)
		case errors.Is(err, bridge.ErrTimeout):
			return nil, errorResponse(fmt.Sprintf("Timeout: no response received from browser for %s", entry.Op))
		default:
			return nil, errorResponse(fmt.Sprintf("Error: %v", err))
		}
	}

	return reply, nil
}

// numberArg extracts a numeric argument, falling back when absent or
// not a number. JSON numbers arrive as float64.
func numberArg(request mcp.CallToolRequest, key string, fallback float64) float64 {
	args := request.GetArguments()
	if args == nil {
		return fallback
	}
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

func (s *Server) handleReadContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selector := request.GetString("selector", "body")

	reply, res := s.call(ctx, Catalog[ToolReadContent], map[string]any{"selector": selector}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("Error reading content: %s", reply.Error)), nil
	}

	return textResponse(fmt.Sprintf("Content from selector %q:\n\n%s", selector, reply.StringField("data"))), nil
}

func (s *Server) handleExecuteScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errorResponse("Missing or invalid 'code' argument"), nil
	}

	reply, res := s.call(ctx, Catalog[ToolExecuteScript], map[string]any{"code": code}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("Script failed: %s", reply.Error)), nil
	}

	// A result of undefined serializes as null on the extension side.
	rendered := "null"
	if raw, ok := reply.Field("result"); ok {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				rendered = string(pretty)
			}
		}
	}

	return textResponse(fmt.Sprintf("Script executed. Result:\n%s", rendered)), nil
}

func (s *Server) handlePingExtension(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.dispatch.Connected() {
		return textResponse("❌ Chrome Extension is not connected."), nil
	}

	if err := s.dispatch.Ping(); err != nil {
		return errorResponse(fmt.Sprintf("Ping failed: %v", err)), nil
	}
	return textResponse("✅ Chrome Extension is connected. Ping sent."), nil
}

func (s *Server) handleScrollPage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	direction, err := request.RequireString("direction")
	if err != nil {
		return errorResponse("Missing or invalid 'direction' argument"), nil
	}
	switch direction {
	case "down", "up", "bottom", "top":
	default:
		return errorResponse(fmt.Sprintf("Invalid direction %q: must be one of down, up, bottom, top", direction)), nil
	}

	amount := numberArg(request, "amount", 500)
	args := map[string]any{"direction": direction, "amount": amount}
	selector := request.GetString("selector", "")
	if selector != "" {
		args["selector"] = selector
	}

	reply, res := s.call(ctx, Catalog[ToolScrollPage], args, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("❌ Scroll failed: %s", reply.Error)), nil
	}

	target := "page"
	if selector != "" {
		target = fmt.Sprintf("element '%s'", selector)
	}
	suffix := ""
	if direction == "down" || direction == "up" {
		suffix = fmt.Sprintf(" by %dpx", int(amount))
	}
	return textResponse(fmt.Sprintf("✅ Scrolled %s %s%s", target, direction, suffix)), nil
}

func (s *Server) handleClickElement(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selector, err := request.RequireString("selector")
	if err != nil {
		return errorResponse("Missing or invalid 'selector' argument"), nil
	}
	waitAfter := numberArg(request, "waitAfter", 1000)

	reply, res := s.call(ctx, Catalog[ToolClickElement], map[string]any{
		"selector":  selector,
		"waitAfter": waitAfter,
	}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("❌ Failed to click: %s", reply.Error)), nil
	}

	return textResponse(fmt.Sprintf("✅ Clicked element: %s", selector)), nil
}

func (s *Server) handleWaitForElement(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selector, err := request.RequireString("selector")
	if err != nil {
		return errorResponse("Missing or invalid 'selector' argument"), nil
	}
	timeoutMs := numberArg(request, "timeout", 10000)

	// Budget: the in-page wait plus one second of grace for the reply
	// to travel back.
	budget := time.Duration(timeoutMs)*time.Millisecond + time.Second

	reply, res := s.call(ctx, Catalog[ToolWaitForEl], map[string]any{
		"selector": selector,
		"timeout":  timeoutMs,
	}, budget)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("❌ Element not found: %s", selector)), nil
	}

	return textResponse(fmt.Sprintf("✅ Element found: %s", selector)), nil
}

func (s *Server) handleExtractData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containerSelector, err := request.RequireString("containerSelector")
	if err != nil {
		return errorResponse("Missing or invalid 'containerSelector' argument"), nil
	}

	args := request.GetArguments()
	fields, ok := args["fields"].(map[string]interface{})
	if !ok || len(fields) == 0 {
		return errorResponse("Missing or invalid 'fields' argument: expected an object of field-name to selector"), nil
	}

	payload := map[string]any{
		"containerSelector": containerSelector,
		"fields":            fields,
	}
	if limit, ok := args["limit"].(float64); ok {
		payload["limit"] = limit
	}

	reply, res := s.call(ctx, Catalog[ToolExtractData], payload, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("❌ Extraction failed: %s", reply.Error)), nil
	}

	var items []any
	if raw, ok := reply.Field("data"); ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return errorResponse(fmt.Sprintf("Error: unreadable extraction payload: %v", err)), nil
		}
	}

	pretty, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("Error: %v", err)), nil
	}
	return textResponse(fmt.Sprintf("✅ Extracted %d items:\n%s", len(items), pretty)), nil
}

func (s *Server) handleCurrentURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reply, res := s.call(ctx, Catalog[ToolCurrentURL], map[string]any{}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("Error: %s", reply.Error)), nil
	}

	return textResponse(fmt.Sprintf("Current URL: %s", reply.StringField("url"))), nil
}

func (s *Server) handleDOMSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reply, res := s.call(ctx, Catalog[ToolDOMSnapshot], map[string]any{}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("Error taking snapshot: %s", reply.Error)), nil
	}

	html := truncate.Snapshot(reply.StringField("html"))
	return textResponse(fmt.Sprintf("DOM Snapshot:\n%s", html)), nil
}

func (s *Server) handleNavigateTo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return errorResponse("Missing or invalid 'url' argument"), nil
	}

	reply, res := s.call(ctx, Catalog[ToolNavigateTo], map[string]any{"url": url}, 0)
	if res != nil {
		return res, nil
	}
	if !reply.OK() {
		return errorResponse(fmt.Sprintf("❌ Navigation failed: %s", reply.Error)), nil
	}

	return textResponse(fmt.Sprintf("✅ Navigated to: %s", url)), nil
}
