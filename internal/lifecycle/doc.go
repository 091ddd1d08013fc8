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

/*
Package lifecycle manages warden daemon process lifecycle operations.

This package provides secure PID file management, process spawning and
validation, health checking, and the heartbeat status file the CLI reads
to report daemon state.

# PID File Management

PID files are security-sensitive as they control which process receives
shutdown signals. The package uses exclusive file locking (flock) and atomic
creation (O_EXCL) to prevent race conditions and symlink attacks. Acquire
additionally clears stale files left behind by a killed daemon:

	pidFile := lifecycle.NewPIDFile("/path/to/warden.pid")
	stale, err := pidFile.Acquire(os.Getpid())
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
	    // Another daemon owns the PID file
	}
	defer pidFile.Remove()

# Process Operations

Process validation ensures signals are sent only to warden daemons,
preventing accidental kills of unrelated processes:

	pid, err := pidFile.Read()
	if err != nil {
	    // Handle error
	}

	if !lifecycle.IsWardenProcess(pid) {
	    // PID file is stale or corrupted
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Health Checking

Health polling uses exponential backoff to wait for daemon startup:

	checker := lifecycle.NewHealthChecker("http://127.0.0.1:7710/healthz")
	if err := checker.WaitUntilHealthy(30 * time.Second); err != nil {
	    // Daemon failed to start
	}

# Process Spawning

Detached process spawning runs the daemon in background mode with a
filtered environment so the parent shell's credentials never leak into
the daemon:

	spawner := lifecycle.NewSpawner(cfg.Daemon.EnvPassthrough)
	pid, err := spawner.SpawnDetached("/path/to/warden", args, logPath)
	if err != nil {
	    // Handle error
	}

# Status File

The daemon rewrites a small JSON status record on every heartbeat. Readers
treat a heartbeat older than twice the beat interval as stale:

	statusFile := lifecycle.NewStatusFile("/path/to/status.json")
	status, err := statusFile.Read()
	if err == nil && status.Stale(time.Now(), time.Minute) {
	    // Daemon is presumed dead or hung
	}
*/
package lifecycle
