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

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Lines can carry many truncated 500-char values; allow generous room.
const maxLineSize = 4 * 1024 * 1024

// ReadRecent returns up to limit entries from the newest audit files under
// dir, oldest first. Malformed lines are skipped. A missing directory yields
// no entries and no error.
func ReadRecent(dir string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if err != nil {
		return nil, err
	}
	// Day-stamped names sort chronologically.
	sort.Strings(files)

	var collected []Entry // newest first while collecting
	for i := len(files) - 1; i >= 0 && len(collected) < limit; i-- {
		entries, err := readEntries(files[i])
		if err != nil {
			return nil, err
		}
		for j := len(entries) - 1; j >= 0 && len(collected) < limit; j-- {
			collected = append(collected, entries[j])
		}
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
