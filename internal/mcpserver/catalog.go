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
	"time"

	"github.com/browsehand/browsehand/internal/bridge"
)

// CatalogEntry describes one callable tool: its wire operation kind,
// whether it needs a connected extension, and its dispatch budget.
// Budgets are fixed per operation but overridable via configuration;
// the longest are reserved for navigation and bulk extraction, the
// shortest for simple status queries.
type CatalogEntry struct {
	// Name is the MCP tool name.
	Name string

	// Op is the wire operation kind sent to the extension. Empty for
	// local tools.
	Op string

	// NeedsPeer marks tools that dispatch to the extension. Local
	// persistence tools run without touching the correlator.
	NeedsPeer bool

	// Timeout is the default dispatch budget.
	Timeout time.Duration
}

// Tool names.
const (
	ToolReadContent   = "read_browser_content"
	ToolExecuteScript = "execute_script"
	ToolPingExtension = "ping_extension"
	ToolSaveCSV       = "save_to_csv"
	ToolSaveJSON      = "save_to_json"
	ToolScrollPage    = "scroll_page"
	ToolClickElement  = "click_element"
	ToolWaitForEl     = "wait_for_element"
	ToolExtractData   = "extract_structured_data"
	ToolCurrentURL    = "get_current_url"
	ToolDOMSnapshot   = "get_dom_snapshot"
	ToolNavigateTo    = "navigate_to"
)

// Catalog is the full tool set, indexed by tool name.
var Catalog = map[string]CatalogEntry{
	ToolReadContent:   {Name: ToolReadContent, Op: bridge.OpReadContent, NeedsPeer: true, Timeout: 10 * time.Second},
	ToolExecuteScript: {Name: ToolExecuteScript, Op: bridge.OpExecuteScript, NeedsPeer: true, Timeout: 10 * time.Second},
	ToolPingExtension: {Name: ToolPingExtension, Op: bridge.TypePing, NeedsPeer: true, Timeout: 5 * time.Second},
	ToolSaveCSV:       {Name: ToolSaveCSV},
	ToolSaveJSON:      {Name: ToolSaveJSON},
	ToolScrollPage:    {Name: ToolScrollPage, Op: bridge.OpScrollPage, NeedsPeer: true, Timeout: 5 * time.Second},
	ToolClickElement:  {Name: ToolClickElement, Op: bridge.OpClickElement, NeedsPeer: true, Timeout: 10 * time.Second},
	ToolWaitForEl:     {Name: ToolWaitForEl, Op: bridge.OpWaitForElement, NeedsPeer: true, Timeout: 10 * time.Second},
	ToolExtractData:   {Name: ToolExtractData, Op: bridge.OpExtractData, NeedsPeer: true, Timeout: 15 * time.Second},
	ToolCurrentURL:    {Name: ToolCurrentURL, Op: bridge.OpGetCurrentURL, NeedsPeer: true, Timeout: 5 * time.Second},
	ToolDOMSnapshot:   {Name: ToolDOMSnapshot, Op: bridge.OpGetDOMSnapshot, NeedsPeer: true, Timeout: 10 * time.Second},
	ToolNavigateTo:    {Name: ToolNavigateTo, Op: bridge.OpNavigateTo, NeedsPeer: true, Timeout: 30 * time.Second},
}

// timeoutFor returns the dispatch budget for a tool, honoring any
// configured per-operation override.
func (s *Server) timeoutFor(entry CatalogEntry) time.Duration {
	if s.config == nil {
		return entry.Timeout
	}
	return s.config.Timeout(entry.Op, entry.Timeout)
}
