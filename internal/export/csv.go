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

// Package export writes extracted browser data to local files.
// These operations never touch the extension connection.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptyData is returned when a CSV export receives no rows.
var ErrEmptyData = errors.New("export: data must be a non-empty array of objects")

// Writer resolves filenames against a default output directory and
// writes CSV/JSON exports.
type Writer struct {
	// OutputDir receives files whose name carries no path separator.
	OutputDir string
}

// NewWriter creates a Writer targeting dir.
func NewWriter(dir string) *Writer {
	return &Writer{OutputDir: dir}
}

// ResolvePath places filename in the output directory unless it already
// contains a path separator, in which case it is used as given.
func (w *Writer) ResolvePath(filename string) string {
	if strings.ContainsRune(filename, os.PathSeparator) || strings.ContainsRune(filename, '/') {
		return filename
	}
	return filepath.Join(w.OutputDir, filename)
}

// SaveCSV writes rows as delimited text. Column order follows the first
// row's keys (sorted for stability). The header line is written when
// starting a fresh file, or when appending to a file that does not
// exist yet. Values containing quotes, commas or newlines are quoted
// with embedded quote characters doubled.
//
// It returns the resolved path and the number of data rows written.
func (w *Writer) SaveCSV(filename string, rows []map[string]any, appendMode bool) (string, int, error) {
	if len(rows) == 0 {
		return "", 0, ErrEmptyData
	}

	path := w.ResolvePath(filename)

	headers := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	writeHeader := true
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if _, err := os.Stat(path); err == nil {
			writeHeader = false
		}
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if writeHeader {
		if err := cw.Write(headers); err != nil {
			return "", 0, fmt.Errorf("write header: %w", err)
		}
	}

	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = stringify(row[h])
		}
		if err := cw.Write(record); err != nil {
			return "", 0, fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", 0, fmt.Errorf("flush %s: %w", path, err)
	}

	return path, len(rows), nil
}

// stringify renders a cell value. Missing and nil values become "".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integral values
		// without a trailing ".000000".
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
