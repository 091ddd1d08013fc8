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

// Package audit provides append-only JSON Lines logging for security events.
//
// One file per UTC day, one complete line per record. Parameters are
// redacted before serialization. When the underlying storage becomes
// unwritable the logger degrades to a bounded in-memory ring buffer instead
// of failing the caller's request path, and flushes the buffer once writes
// succeed again.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindToolCall      Kind = "tool_call"
	KindAccessDenied  Kind = "access_denied"
	KindRateLimited   Kind = "rate_limited"
	KindSecurityEvent Kind = "security_event"
)

// Actor identifies who triggered an event. All fields are optional; system
// events carry an empty actor.
type Actor struct {
	UserID     string `json:"user_id,omitempty"`
	Channel    string `json:"channel,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// Outcome records how an event concluded. Entries written before execution
// (tool call intent) carry no outcome.
type Outcome struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Entry is a single write-once audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"event_kind"`
	Actor     Actor          `json:"actor"`
	Subject   string         `json:"subject,omitempty"`
	Params    map[string]any `json:"parameters,omitempty"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
}

// ToolCall returns an intent entry for a tool invocation about to execute.
func ToolCall(actor Actor, tool string, params map[string]any) Entry {
	return Entry{Kind: KindToolCall, Actor: actor, Subject: tool, Params: params}
}

// ToolResult returns the completion entry paired with a prior ToolCall.
func ToolResult(actor Actor, tool string, success bool, detail string) Entry {
	return Entry{Kind: KindToolCall, Actor: actor, Subject: tool, Outcome: &Outcome{Success: success, Detail: detail}}
}

// AccessDenied returns an entry for a request rejected before execution.
func AccessDenied(actor Actor, subject, reason string) Entry {
	return Entry{Kind: KindAccessDenied, Actor: actor, Subject: subject, Outcome: &Outcome{Detail: reason}}
}

// RateLimited returns an entry for an admission denial.
func RateLimited(actor Actor, limitType string) Entry {
	return Entry{Kind: KindRateLimited, Actor: actor, Outcome: &Outcome{Detail: limitType}}
}

// SecurityEvent returns an entry for a system-origin security event such as
// an integrity violation.
func SecurityEvent(subject string, details map[string]any) Entry {
	return Entry{Kind: KindSecurityEvent, Subject: subject, Params: details}
}

const (
	// RingCapacity bounds the in-memory fallback buffer in degraded mode.
	// The oldest entry is dropped once the buffer is full.
	RingCapacity = 1000

	dayLayout = "2006-01-02"
	dirPerm   = 0o700
	filePerm  = 0o600
)

// Logger appends entries to per-day JSONL files under a single directory.
// Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	day      string
	degraded bool
	ring     []Entry
	dropped  uint64
}

// New returns a logger writing under dir. The directory and the day file are
// created lazily on first record.
func New(dir string) *Logger {
	return &Logger{dir: dir}
}

// Dir returns the directory the logger writes to.
func (l *Logger) Dir() string {
	return l.dir
}

// Record redacts, serializes and appends one entry. A zero timestamp is
// stamped with the current time; timestamps are normalized to UTC and select
// the day file. Storage failures never propagate: the entry is buffered and
// the logger marks itself degraded until a later write succeeds.
func (l *Logger) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Params = Redact(entry.Params)

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: dropping unserializable entry: %v\n", err)
		return
	}
	line = append(line, '\n')

	if err := l.ensureFile(entry.Timestamp); err != nil {
		l.buffer(entry)
		return
	}
	// Buffered entries land before the current one so order is preserved.
	if err := l.flushLocked(); err != nil {
		l.buffer(entry)
		return
	}
	if _, err := l.file.Write(line); err != nil {
		l.buffer(entry)
		return
	}
	l.degraded = false
}

// Health reports whether the logger is degraded and how many entries are
// waiting in the fallback buffer.
func (l *Logger) Health() (degraded bool, buffered int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded, len(l.ring)
}

// Dropped returns how many entries were lost to ring overflow while degraded.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes what it can and closes the current file. Buffered entries
// that still cannot be written are lost.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.file == nil && len(l.ring) > 0 {
		// Last attempt to land buffered entries.
		if err := l.ensureFile(time.Now().UTC()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.flushLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.file = nil
		l.day = ""
	}
	return firstErr
}

// ensureFile opens the append handle for the entry's UTC day, rolling over
// when the day changes. Files from past days are never reopened for writing
// by rollover; they are complete once the boundary passes.
func (l *Logger) ensureFile(ts time.Time) error {
	day := ts.Format(dayLayout)
	if l.file != nil && l.day == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.day = ""
	}
	if err := os.MkdirAll(l.dir, dirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, "audit-"+day+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	l.file = f
	l.day = day
	return nil
}

// flushLocked drains the ring buffer to the open file. Buffered entries are
// written to the file current at recovery time regardless of their original
// day.
func (l *Logger) flushLocked() error {
	for len(l.ring) > 0 {
		line, err := json.Marshal(l.ring[0])
		if err != nil {
			l.ring = l.ring[1:]
			continue
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return err
		}
		l.ring = l.ring[1:]
	}
	l.ring = nil
	l.degraded = false
	return nil
}

func (l *Logger) buffer(entry Entry) {
	l.degraded = true
	if len(l.ring) >= RingCapacity {
		copy(l.ring, l.ring[1:])
		l.ring[len(l.ring)-1] = entry
		l.dropped++
		return
	}
	l.ring = append(l.ring, entry)
}
