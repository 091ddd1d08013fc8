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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// baseEnvAllowed lists the system variables every daemon child inherits.
// Everything else is dropped unless it carries the WARDEN_ or XDG_ prefix
// or appears in the configured passthrough list.
var baseEnvAllowed = map[string]struct{}{
	"HOME":    {},
	"PATH":    {},
	"USER":    {},
	"LOGNAME": {},
	"SHELL":   {},
	"TMPDIR":  {},
	"LANG":    {},
	"LC_ALL":  {},
	"TZ":      {},
}

// FilterEnv returns the subset of environ a daemon child may inherit.
// The parent shell's environment routinely carries credentials that the
// daemon has no business seeing, so inheritance is allow-list only.
func FilterEnv(environ []string, passthrough []string) []string {
	extra := make(map[string]struct{}, len(passthrough))
	for _, name := range passthrough {
		extra[name] = struct{}{}
	}

	var filtered []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allowed := baseEnvAllowed[name]; allowed {
			filtered = append(filtered, kv)
			continue
		}
		if strings.HasPrefix(name, "WARDEN_") || strings.HasPrefix(name, "XDG_") {
			filtered = append(filtered, kv)
			continue
		}
		if _, allowed := extra[name]; allowed {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// Spawner handles detached process spawning for daemon background mode.
type Spawner struct {
	// Names of additional environment variables to forward to the child,
	// on top of the built-in allow-list.
	passthrough []string
}

// NewSpawner creates a new process spawner.
func NewSpawner(passthrough []string) *Spawner {
	return &Spawner{
		passthrough: passthrough,
	}
}

// SpawnDetached spawns a detached background process.
// The process:
// - Runs in its own process group (not killed when parent exits)
// - Has stdin closed, stdout/stderr redirected to logPath
// - Has a new session ID (fully detached)
// - Inherits only the filtered environment (see FilterEnv)
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	// Ensure log directory exists
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file for output redirection
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	// Create command
	cmd := exec.Command(binary, args...)
	cmd.Env = FilterEnv(os.Environ(), s.passthrough)

	// Redirect output to log file
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil // Close stdin

	// Create a new session to fully detach from the terminal. The child
	// becomes a session and process group leader, so setting Setpgid as
	// well would make the kernel reject the spawn with EPERM.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the process
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	// Get PID before releasing
	pid := cmd.Process.Pid

	// Release the process (don't wait for it)
	// This is safe because we configured it to be detached
	if err := cmd.Process.Release(); err != nil {
		// Process is already running, this is not fatal
		// but we should log it
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}
