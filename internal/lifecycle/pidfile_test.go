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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
)

func TestPIDFile_Create(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	t.Run("creates PID file with correct content", func(t *testing.T) {
		p := NewPIDFile(pidPath)
		defer p.Remove()

		if err := p.Create(1234); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if !p.Exists() {
			t.Error("PID file does not exist after Create()")
		}

		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}

		info, err := os.Stat(pidPath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0600 {
			t.Errorf("PID file mode = %04o, want 0600", mode)
		}
	})

	t.Run("returns error if file already exists", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "duplicate.pid")
		p1 := NewPIDFile(pidPath)
		p2 := NewPIDFile(pidPath)

		defer p1.Remove()

		if err := p1.Create(1234); err != nil {
			t.Fatalf("First Create() error = %v", err)
		}

		err := p2.Create(5678)
		if !errors.Is(err, ErrPIDFileExists) {
			t.Errorf("Second Create() error = %v, want ErrPIDFileExists", err)
		}
	})

	t.Run("creates parent directory if missing", func(t *testing.T) {
		deepPath := filepath.Join(tmpDir, "nested", "dir", "test.pid")
		p := NewPIDFile(deepPath)
		defer p.Remove()

		if err := p.Create(1234); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		parentDir := filepath.Dir(deepPath)
		info, err := os.Stat(parentDir)
		if err != nil {
			t.Fatalf("Parent directory not created: %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0700 {
			t.Errorf("Parent directory mode = %04o, want 0700", mode)
		}
	})
}

func TestPIDFile_Acquire(t *testing.T) {
	t.Run("claims fresh PID file", func(t *testing.T) {
		pidPath := filepath.Join(t.TempDir(), "warden.pid")
		p := NewPIDFile(pidPath)
		defer p.Remove()

		stale, err := p.Acquire(4321)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if stale != 0 {
			t.Errorf("Acquire() stale = %d, want 0", stale)
		}

		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 4321 {
			t.Errorf("Read() = %d, want 4321", pid)
		}
	})

	t.Run("clears stale file after process death", func(t *testing.T) {
		pidPath := filepath.Join(t.TempDir(), "warden.pid")
		// Simulate a daemon that was killed without cleanup
		if err := os.WriteFile(pidPath, []byte("999999\n"), 0600); err != nil {
			t.Fatalf("Failed to write stale PID file: %v", err)
		}

		p := NewPIDFile(pidPath)
		defer p.Remove()

		stale, err := p.Acquire(4321)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if stale != 999999 {
			t.Errorf("Acquire() stale = %d, want 999999", stale)
		}

		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 4321 {
			t.Errorf("Read() = %d, want 4321", pid)
		}
	})

	t.Run("clears file owned by unrelated live process", func(t *testing.T) {
		pidPath := filepath.Join(t.TempDir(), "warden.pid")
		// The test binary is alive but is not a warden daemon, so its PID
		// must be treated as stale
		if err := os.WriteFile(pidPath, fmt.Appendf(nil, "%d\n", os.Getpid()), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		p := NewPIDFile(pidPath)
		defer p.Remove()

		stale, err := p.Acquire(4321)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if stale != os.Getpid() {
			t.Errorf("Acquire() stale = %d, want %d", stale, os.Getpid())
		}
	})

	t.Run("clears corrupted file", func(t *testing.T) {
		pidPath := filepath.Join(t.TempDir(), "warden.pid")
		if err := os.WriteFile(pidPath, []byte("not-a-pid\n"), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		p := NewPIDFile(pidPath)
		defer p.Remove()

		stale, err := p.Acquire(4321)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if stale != 0 {
			t.Errorf("Acquire() stale = %d, want 0 for corrupted file", stale)
		}

		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 4321 {
			t.Errorf("Read() = %d, want 4321", pid)
		}
	})

	t.Run("returns ErrAlreadyRunning when a live warden owns the file", func(t *testing.T) {
		if os.Getenv("SKIP_SPAWN_TESTS") != "" {
			t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
		}

		// Rename argv[0] so process validation sees a warden daemon
		cmd := exec.Command("sleep", "60")
		cmd.Args = []string{"warden-test-daemon", "60"}
		err := cmd.Start()
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatalf("Failed to start fake daemon: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()

		pidPath := filepath.Join(t.TempDir(), "warden.pid")
		if err := os.WriteFile(pidPath, fmt.Appendf(nil, "%d\n", cmd.Process.Pid), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		p := NewPIDFile(pidPath)
		_, err = p.Acquire(os.Getpid())
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("Acquire() error = %v, want ErrAlreadyRunning", err)
		}

		// The live daemon's PID file must be left alone
		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != cmd.Process.Pid {
			t.Errorf("Read() = %d, want %d", pid, cmd.Process.Pid)
		}
	})
}

func TestPIDFile_Read(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("reads valid PID", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "valid.pid")
		if err := os.WriteFile(pidPath, []byte("9999\n"), 0600); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}

		p := NewPIDFile(pidPath)
		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 9999 {
			t.Errorf("Read() = %d, want 9999", pid)
		}
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "nonexistent.pid")
		p := NewPIDFile(pidPath)

		_, err := p.Read()
		if !os.IsNotExist(err) {
			t.Errorf("Read() error = %v, want os.IsNotExist", err)
		}
	})

	t.Run("returns error for invalid PID", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"non-numeric", "not-a-number\n"},
			{"negative", "-123\n"},
			{"zero", "0\n"},
			{"float", "123.45\n"},
			{"empty", ""},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				pidPath := filepath.Join(tmpDir, tt.name+".pid")
				if err := os.WriteFile(pidPath, []byte(tt.content), 0600); err != nil {
					t.Fatalf("Failed to create test file: %v", err)
				}

				p := NewPIDFile(pidPath)
				_, err := p.Read()
				if !errors.Is(err, ErrInvalidPID) {
					t.Errorf("Read() error = %v, want ErrInvalidPID", err)
				}
			})
		}
	})

	t.Run("handles whitespace", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "whitespace.pid")
		if err := os.WriteFile(pidPath, []byte("  1234  \n"), 0600); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}

		p := NewPIDFile(pidPath)
		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}
	})
}

func TestPIDFile_Remove(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("removes PID file and releases lock", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "remove.pid")
		p := NewPIDFile(pidPath)

		if err := p.Create(1234); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if err := p.Remove(); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		if p.Exists() {
			t.Error("PID file still exists after Remove()")
		}

		// Verify we can create a new one (lock was released)
		p2 := NewPIDFile(pidPath)
		defer p2.Remove()
		if err := p2.Create(5678); err != nil {
			t.Errorf("Failed to create new PID file after Remove(): %v", err)
		}
	})

	t.Run("succeeds if file already removed", func(t *testing.T) {
		pidPath := filepath.Join(tmpDir, "already-removed.pid")
		p := NewPIDFile(pidPath)

		if err := p.Remove(); err != nil {
			t.Errorf("Remove() error = %v, want nil", err)
		}
	})
}

func TestPIDFile_Locking(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "flock.pid")

	t.Run("holds exclusive lock while file is open", func(t *testing.T) {
		p := NewPIDFile(pidPath)
		defer p.Remove()

		if err := p.Create(1234); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// Try to acquire lock from another file descriptor
		f, err := os.OpenFile(pidPath, os.O_RDWR, 0600)
		if err != nil {
			t.Fatalf("Failed to open PID file: %v", err)
		}
		defer f.Close()

		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			t.Error("Acquired lock on already-locked file")
			syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		}
		if err != syscall.EWOULDBLOCK {
			t.Errorf("Flock error = %v, want EWOULDBLOCK", err)
		}
	})
}

func TestPIDFile_DirectorySafety(t *testing.T) {
	t.Run("rejects world-writable directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		unsafeDir := filepath.Join(tmpDir, "unsafe")
		if err := os.Mkdir(unsafeDir, 0777); err != nil {
			t.Fatalf("Failed to create unsafe directory: %v", err)
		}

		info, err := os.Stat(unsafeDir)
		if err != nil {
			t.Fatalf("Failed to stat unsafe directory: %v", err)
		}
		if info.Mode()&0002 == 0 {
			t.Skip("Platform doesn't support world-writable directories in this context")
		}

		pidPath := filepath.Join(unsafeDir, "test.pid")
		p := NewPIDFile(pidPath)

		err = p.Create(1234)
		if err == nil {
			p.Remove()
			t.Fatal("Create() in world-writable directory succeeded, want error")
		}
		if !errors.Is(err, ErrUnsafeDirectory) {
			t.Errorf("Create() error = %v, want ErrUnsafeDirectory", err)
		}
	})
}
