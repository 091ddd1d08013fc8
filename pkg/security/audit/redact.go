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

import "strings"

// RedactionMarker replaces every value stored under a sensitive key.
const RedactionMarker = "[REDACTED]"

// maxValueLen caps logged string values; longer values are truncated, never
// dropped.
const maxValueLen = 500

// Keys containing any of these substrings (case-insensitive) are redacted.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"key", "credential", "auth", "authorization",
}

// Redact returns a copy of params safe to serialize: values under sensitive
// keys are replaced with the redaction marker, oversized strings are
// truncated, and nested maps and slices are walked recursively. The input is
// never mutated.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxValueLen {
			return t[:maxValueLen] + "...[truncated]"
		}
		return t
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
