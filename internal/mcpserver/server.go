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

// Package mcpserver exposes browser control and local persistence tools
// over MCP stdio. It is a thin front end: peer-backed tools go through
// the bridge correlator with a fixed per-operation budget; persistence
// tools run locally. No tool ever retries; retry is the caller's
// responsibility.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/browsehand/browsehand/internal/bridge"
	"github.com/browsehand/browsehand/internal/config"
	"github.com/browsehand/browsehand/internal/export"
)

// notConnectedText is the user-facing failure for peer-requiring tools
// invoked with no connected extension.
const notConnectedText = "Error: Chrome Extension is not connected. Please install and enable the extension."

// Dispatcher is the bridge surface the tool handlers consume.
type Dispatcher interface {
	Dispatch(ctx context.Context, op string, args map[string]any, timeout time.Duration) (*bridge.Reply, error)
	Connected() bool
	Ping() error
}

// Server wraps the MCP server and registers the BrowseHand tool set.
type Server struct {
	mcpServer *server.MCPServer
	dispatch  Dispatcher
	writer    *export.Writer
	config    *config.Config
	logger    *slog.Logger
	name      string
	version   string
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	// Name is the server name (default: "browsehand").
	Name string

	// Version is the BrowseHand version.
	Version string

	// Dispatcher routes peer-backed tools to the extension.
	Dispatcher Dispatcher

	// Writer performs local CSV/JSON persistence.
	Writer *export.Writer

	// Config supplies per-operation timeout overrides. May be nil.
	Config *config.Config

	// Logger is the structured logger. Must write to stderr.
	Logger *slog.Logger
}

// NewServer creates an MCP server instance with all tools registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "browsehand"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("mcpserver: dispatcher is required")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("mcpserver: export writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		dispatch:  cfg.Dispatcher,
		writer:    cfg.Writer,
		config:    cfg.Config,
		logger:    cfg.Logger,
		name:      cfg.Name,
		version:   cfg.Version,
	}

	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until the transport closes.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("version", s.version))
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// registerTools declares the full tool catalog with input schemas.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolReadContent,
		Description: "Reads text content from the currently active browser tab.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"selector": map[string]interface{}{
					"type":        "string",
					"description": "DOM selector to extract (optional, default: body)",
				},
			},
		},
	}, s.handleReadContent)

	s.mcpServer.AddTool(mcp.Tool{
		Name: ToolExecuteScript,
		// Arbitrary page-context evaluation is exposed deliberately and
		// without sandboxing; treat input as fully trusted by the caller.
		Description: "Executes arbitrary JavaScript in the page context and returns the JSON-serializable result (or null).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "JavaScript code to execute",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleExecuteScript)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolPingExtension,
		Description: "Checks the connection status with the Chrome Extension.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handlePingExtension)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSaveCSV,
		Description: "Saves an array of objects to a CSV file. Saves to the default output directory unless the filename contains a path.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"filename": map[string]interface{}{
					"type":        "string",
					"description": "Filename to save (e.g., leads.csv)",
				},
				"data": map[string]interface{}{
					"type":        "array",
					"description": "Array of data to save. Each item must be an object.",
					"items":       map[string]interface{}{"type": "object"},
				},
				"append": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, appends to an existing file. If false, overwrites (default: false).",
				},
			},
			Required: []string{"filename", "data"},
		},
	}, s.handleSaveCSV)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSaveJSON,
		Description: "Saves structured data to a pretty-printed JSON file.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"filename": map[string]interface{}{
					"type":        "string",
					"description": "Filename to save (e.g., data.json)",
				},
				"data": map[string]interface{}{
					"description": "Data to save (object or array)",
				},
			},
			Required: []string{"filename", "data"},
		},
	}, s.handleSaveJSON)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolScrollPage,
		Description: "Scrolls the browser page or a specific element.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"direction": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"down", "up", "bottom", "top"},
					"description": "Scroll direction",
				},
				"amount": map[string]interface{}{
					"type":        "number",
					"description": "Number of pixels to scroll (only used when direction is down/up, default: 500)",
				},
				"selector": map[string]interface{}{
					"type":        "string",
					"description": "CSS selector of the element to scroll (scrolls the page if not specified)",
				},
			},
			Required: []string{"direction"},
		},
	}, s.handleScrollPage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolClickElement,
		Description: "Clicks an element specified by CSS selector.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"selector": map[string]interface{}{
					"type":        "string",
					"description": "CSS selector of the element to click",
				},
				"waitAfter": map[string]interface{}{
					"type":        "number",
					"description": "Milliseconds to wait after clicking (default: 1000)",
				},
			},
			Required: []string{"selector"},
		},
	}, s.handleClickElement)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolWaitForEl,
		Description: "Waits until a specific element appears.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"selector": map[string]interface{}{
					"type":        "string",
					"description": "CSS selector of the element to wait for",
				},
				"timeout": map[string]interface{}{
					"type":        "number",
					"description": "Maximum wait time in milliseconds (default: 10000)",
				},
			},
			Required: []string{"selector"},
		},
	}, s.handleWaitForElement)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolExtractData,
		Description: "Extracts structured data from repeating elements, e.g. name and price from a product list.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"containerSelector": map[string]interface{}{
					"type":        "string",
					"description": "Container selector for each repeating item (e.g., '.business-item')",
				},
				"fields": map[string]interface{}{
					"type":                 "object",
					"description":          "Field definitions: key is the field name, value is the relative selector within the container",
					"additionalProperties": map[string]interface{}{"type": "string"},
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of items to extract (default: all)",
				},
			},
			Required: []string{"containerSelector", "fields"},
		},
	}, s.handleExtractData)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolCurrentURL,
		Description: "Gets the URL of the current browser tab.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleCurrentURL)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolDOMSnapshot,
		Description: "Gets a simplified DOM snapshot of the current page for analysis. Scripts, styles and most attributes are stripped; long payloads are truncated.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleDOMSnapshot)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolNavigateTo,
		Description: "Navigates the browser to a specific URL.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "URL to navigate to",
				},
			},
			Required: []string{"url"},
		},
	}, s.handleNavigateTo)
}

// errorResponse creates a tool-level error result.
func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// textResponse creates a plain text success result.
func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
