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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DaemonStatus is the heartbeat record the daemon rewrites on every beat.
// CLI commands read it to report daemon state without talking to the
// process directly.
type DaemonStatus struct {
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Version        string    `json:"version"`
	ActiveChannels []string  `json:"active_channels"`
	ActiveSessions int       `json:"active_sessions"`
}

// HeartbeatAge returns how long ago the last heartbeat was written.
func (s *DaemonStatus) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat)
}

// Stale reports whether the daemon missed enough heartbeats to be presumed
// dead or hung. A heartbeat older than twice the beat interval is stale.
func (s *DaemonStatus) Stale(now time.Time, interval time.Duration) bool {
	return s.HeartbeatAge(now) > 2*interval
}

// StatusFile persists DaemonStatus atomically so readers never observe a
// partially written record.
type StatusFile struct {
	path string
}

// NewStatusFile creates a status file handle for the given path.
func NewStatusFile(path string) *StatusFile {
	return &StatusFile{
		path: path,
	}
}

// Path returns the status file location.
func (f *StatusFile) Path() string {
	return f.path
}

// Write replaces the status file contents via a temp file and rename.
func (f *StatusFile) Write(status DaemonStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp status file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set status file permissions: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// Read loads the current status. Callers should check os.IsNotExist on the
// returned error to distinguish "daemon never started" from a corrupt file.
func (f *StatusFile) Read() (*DaemonStatus, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &status, nil
}

// Remove deletes the status file. Missing files are not an error.
func (f *StatusFile) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove status file: %w", err)
	}
	return nil
}
