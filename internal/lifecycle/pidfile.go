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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileExists is returned when trying to create a PID file that already exists.
	ErrPIDFileExists = errors.New("PID file already exists")

	// ErrPIDFileLocked is returned when another process holds the PID file lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")

	// ErrAlreadyRunning is returned by Acquire when a live warden daemon
	// already owns the PID file.
	ErrAlreadyRunning = errors.New("daemon already running")
)

// PIDFile manages secure PID file operations for the warden daemon.
// It uses exclusive file locking (flock) and atomic creation (O_EXCL)
// to prevent race conditions and symlink attacks.
type PIDFile struct {
	path     string
	lockFile *os.File
}

// NewPIDFile creates a PID file handle for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{
		path: path,
	}
}

// Path returns the PID file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Create writes the given PID to the file with exclusive locking.
// It creates the parent directory if needed and sets restrictive permissions.
// Returns ErrPIDFileExists if the file already exists and is locked.
func (p *PIDFile) Create(pid int) error {
	// Verify parent directory is safe
	parentDir := filepath.Dir(p.path)
	if err := p.verifyDirectorySafety(parentDir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}

	// Create parent directory if needed with restrictive permissions
	if err := os.MkdirAll(parentDir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// Open file with O_EXCL to prevent symlink attacks and race conditions
	// O_RDWR is needed for flock
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrPIDFileExists
		}
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	// Acquire exclusive lock
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(p.path) // Clean up the file we created
		if err == syscall.EWOULDBLOCK {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	// Write PID
	if _, err := f.WriteString(fmt.Sprintf("%d\n", pid)); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to write PID: %w", err)
	}

	// Sync to disk
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	// Keep file open to maintain lock
	p.lockFile = f
	return nil
}

// Acquire claims the PID file for the given PID, clearing a stale file left
// behind by a killed daemon. If the recorded process is still alive and is a
// warden daemon, Acquire returns ErrAlreadyRunning wrapping the live PID.
// On success the returned stalePID is the PID that was cleared, or zero if
// the file did not exist.
func (p *PIDFile) Acquire(pid int) (stalePID int, err error) {
	err = p.Create(pid)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, ErrPIDFileExists) && !errors.Is(err, ErrPIDFileLocked) {
		return 0, err
	}

	// The lock dies with its holder, so a locked file means a live daemon.
	if errors.Is(err, ErrPIDFileLocked) {
		old, readErr := p.Read()
		if readErr != nil {
			return 0, ErrAlreadyRunning
		}
		return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, old)
	}

	old, readErr := p.Read()
	switch {
	case readErr == nil:
		if IsProcessRunning(old) && IsWardenProcess(old) {
			return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, old)
		}
		// Recorded process is gone or is not ours: the file is stale.
		stalePID = old
	case os.IsNotExist(readErr):
		// Lost a race with the previous owner's cleanup; retry below.
	case errors.Is(readErr, ErrInvalidPID):
		// Corrupted file, treat as stale.
	default:
		return 0, readErr
	}

	if rmErr := os.Remove(p.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return 0, fmt.Errorf("failed to clear stale PID file: %w", rmErr)
	}
	if err := p.Create(pid); err != nil {
		if errors.Is(err, ErrPIDFileExists) || errors.Is(err, ErrPIDFileLocked) {
			return 0, ErrAlreadyRunning
		}
		return 0, err
	}
	return stalePID, nil
}

// Read reads the PID from the file.
// Returns ErrInvalidPID if the file contains non-numeric data.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	// Parse PID (trim whitespace and newlines)
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, pidStr)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}

	return pid, nil
}

// Remove deletes the PID file and releases the lock.
func (p *PIDFile) Remove() error {
	// Release lock if held
	if p.lockFile != nil {
		syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN)
		p.lockFile.Close()
		p.lockFile = nil
	}

	// Remove file (ignore errors if already removed)
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	return nil
}

// Exists returns true if the PID file exists.
func (p *PIDFile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// verifyDirectorySafety checks that the directory is not world-writable.
// This prevents attacks where an attacker creates a symlink in a world-writable
// directory pointing to a file they want us to overwrite.
func (p *PIDFile) verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		// Directory doesn't exist yet - that's fine, we'll create it
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	// Check if directory is world-writable (other write bit set)
	mode := info.Mode()
	if mode&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}

	return nil
}
