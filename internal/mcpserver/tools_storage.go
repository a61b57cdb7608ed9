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
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Local persistence tools. These run without a connected extension and
// never touch the correlator.

func (s *Server) handleSaveCSV(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename, err := request.RequireString("filename")
	if err != nil {
		return errorResponse("Missing or invalid 'filename' argument"), nil
	}

	args := request.GetArguments()
	rawRows, ok := args["data"].([]interface{})
	if !ok || len(rawRows) == 0 {
		return errorResponse("Error: data must be a non-empty array"), nil
	}

	rows := make([]map[string]any, 0, len(rawRows))
	for i, item := range rawRows {
		row, ok := item.(map[string]interface{})
		if !ok {
			return errorResponse(fmt.Sprintf("Error: data[%d] is not an object", i)), nil
		}
		rows = append(rows, row)
	}

	appendMode := request.GetBool("append", false)

	path, n, err := s.writer.SaveCSV(filename, rows, appendMode)
	if err != nil {
		return errorResponse(fmt.Sprintf("Error saving CSV: %v", err)), nil
	}

	return textResponse(fmt.Sprintf("✅ Successfully saved %d rows to %s", n, path)), nil
}

func (s *Server) handleSaveJSON(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename, err := request.RequireString("filename")
	if err != nil {
		return errorResponse("Missing or invalid 'filename' argument"), nil
	}

	args := request.GetArguments()
	data, ok := args["data"]
	if !ok {
		return errorResponse("Missing 'data' argument"), nil
	}

	path, err := s.writer.SaveJSON(filename, data)
	if err != nil {
		return errorResponse(fmt.Sprintf("Error saving JSON: %v", err)), nil
	}

	return textResponse(fmt.Sprintf("✅ Successfully saved data to %s", path)), nil
}
