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

// Package truncate bounds large payloads returned to the tool caller.
package truncate

import "unicode/utf8"

// SnapshotCeiling is the maximum DOM snapshot length in characters.
// Snapshots at exactly the ceiling pass through untouched.
const SnapshotCeiling = 50000

// Marker is appended to any payload cut at the ceiling.
const Marker = "... (truncated)"

// Snapshot enforces the ceiling on a DOM snapshot. The extension
// truncates in-page as well; this is the bridge-side guarantee for
// peers that do not.
func Snapshot(html string) string {
	return AtCeiling(html, SnapshotCeiling)
}

// AtCeiling cuts s at ceiling bytes and appends the marker. The cut
// backs off to the nearest rune boundary so the output is always valid
// UTF-8. Strings within the ceiling are returned unchanged.
func AtCeiling(s string, ceiling int) string {
	if len(s) <= ceiling {
		return s
	}
	cut := ceiling
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + Marker
}
