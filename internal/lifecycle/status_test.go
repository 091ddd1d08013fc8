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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStatusFile_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")
	f := NewStatusFile(path)

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	status := DaemonStatus{
		PID:            4321,
		StartedAt:      started,
		LastHeartbeat:  started.Add(5 * time.Minute),
		Version:        "0.3.0",
		ActiveChannels: []string{"telegram", "cli"},
		ActiveSessions: 2,
	}

	if err := f.Write(status); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode() & os.ModePerm; mode != 0600 {
		t.Errorf("Status file mode = %04o, want 0600", mode)
	}

	got, err := f.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.PID != 4321 {
		t.Errorf("PID = %d, want 4321", got.PID)
	}
	if !got.LastHeartbeat.Equal(status.LastHeartbeat) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, status.LastHeartbeat)
	}
	if len(got.ActiveChannels) != 2 || got.ActiveChannels[0] != "telegram" {
		t.Errorf("ActiveChannels = %v, want [telegram cli]", got.ActiveChannels)
	}
	if got.ActiveSessions != 2 {
		t.Errorf("ActiveSessions = %d, want 2", got.ActiveSessions)
	}
}

func TestStatusFile_ReadMissing(t *testing.T) {
	f := NewStatusFile(filepath.Join(t.TempDir(), "status.json"))

	_, err := f.Read()
	if !os.IsNotExist(err) {
		t.Errorf("Read() error = %v, want os.IsNotExist", err)
	}
}

func TestStatusFile_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewStatusFile(filepath.Join(dir, "status.json"))

	status := DaemonStatus{PID: 1, LastHeartbeat: time.Now()}
	for i := 0; i < 3; i++ {
		status.ActiveSessions = i
		if err := f.Write(status); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, ".status-*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	got, err := f.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.ActiveSessions != 2 {
		t.Errorf("ActiveSessions = %d, want 2 (last write wins)", got.ActiveSessions)
	}
}

func TestStatusFile_Remove(t *testing.T) {
	f := NewStatusFile(filepath.Join(t.TempDir(), "status.json"))

	if err := f.Write(DaemonStatus{PID: 1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	// Removing again is not an error
	if err := f.Remove(); err != nil {
		t.Errorf("Remove() of missing file error = %v, want nil", err)
	}
}

func TestDaemonStatus_Stale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := time.Minute

	tests := []struct {
		name      string
		heartbeat time.Time
		want      bool
	}{
		{"fresh heartbeat", now.Add(-30 * time.Second), false},
		{"exactly two intervals", now.Add(-2 * time.Minute), false},
		{"just past two intervals", now.Add(-2*time.Minute - time.Second), true},
		{"long dead", now.Add(-time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &DaemonStatus{LastHeartbeat: tt.heartbeat}
			if got := s.Stale(now, interval); got != tt.want {
				t.Errorf("Stale() = %v, want %v", got, tt.want)
			}
		})
	}
}
