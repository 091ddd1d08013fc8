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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
	wardenerrors "github.com/tombee/warden/pkg/errors"
)

// NewStartCommand creates the daemon start command.
func NewStartCommand() *cobra.Command {
	var (
		foreground bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the warden daemon",
		Long: `Start the warden daemon in the background.

By default, the daemon is spawned detached and this command waits for it to
report healthy. Use --foreground to run the daemon in the current terminal
(logs to stderr instead of the operational log).

If the daemon is already running, start fails: stop it first or use
'warden daemon restart'. A stale pid marker left by a crashed daemon is
cleared automatically.`,
		Example: `  # Start daemon in background
  warden daemon start

  # Run in foreground (for systemd/docker)
  warden daemon start --foreground

  # Override the health check timeout
  warden daemon start --timeout 60s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), startOptions{
				configPath: shared.GetConfigPath(),
				foreground: foreground,
				timeout:    timeout,
			})
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (logs to stderr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Health check timeout")

	return cmd
}

type startOptions struct {
	configPath string
	foreground bool
	timeout    time.Duration
}

func runStart(ctx context.Context, opts startOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	// Foreground mode runs the supervisor inline. The pid marker is still
	// acquired so a second instance cannot start alongside.
	if opts.foreground {
		if !shared.GetQuiet() {
			fmt.Println("Starting warden daemon in foreground mode...")
		}
		return runDaemon(ctx, runOptions{
			configPath: opts.configPath,
			foreground: true,
		})
	}

	// Pre-check the pid marker so "already running" fails fast with a
	// clear message. The spawned daemon re-checks on boot either way.
	pidFile := lifecycle.NewPIDFile(config.PIDPath(stateDir))
	existingPID, err := pidFile.Read()
	switch {
	case err == nil:
		if lifecycle.IsProcessRunning(existingPID) && lifecycle.IsWardenProcess(existingPID) {
			return shared.NewFailure("daemon is already running", &wardenerrors.DaemonError{
				Op:     "start",
				Reason: fmt.Sprintf("a warden daemon is already running (PID %d)", existingPID),
				Hint:   "Run 'warden daemon status' to inspect it, or 'warden daemon restart' to replace it.",
			})
		}
		fmt.Fprintf(os.Stderr, "Warning: removing stale pid marker (process %d not running)\n", existingPID)
		if err := pidFile.Remove(); err != nil {
			return shared.NewFailure("failed to remove stale pid marker", err)
		}
	case errors.Is(err, lifecycle.ErrInvalidPID):
		fmt.Fprintln(os.Stderr, "Warning: removing corrupt pid marker")
		if err := pidFile.Remove(); err != nil {
			return shared.NewFailure("failed to remove corrupt pid marker", err)
		}
	case !os.IsNotExist(err):
		return shared.NewFailure("failed to check for a running daemon", err)
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return shared.NewFailure("failed to locate warden executable", err)
	}

	daemonArgs := []string{"daemon", "run"}
	if opts.configPath != "" {
		daemonArgs = append(daemonArgs, "--config", opts.configPath)
	}

	// The detached child appends directly to the operational log; the
	// supervisor rotates it on its heartbeat.
	spawner := lifecycle.NewSpawner(cfg.Daemon.EnvPassthrough)
	pid, err := spawner.SpawnDetached(binaryPath, daemonArgs, config.OperationalLogPath(stateDir))
	if err != nil {
		return shared.NewFailure("failed to spawn daemon", err)
	}

	spinner := shared.NewSpinner()
	if !shared.GetQuiet() {
		spinner.Start(fmt.Sprintf("Starting warden daemon (PID %d)", pid))
	}
	readyErr := waitReady(cfg, pidFile, pid, opts.timeout)
	spinner.Stop()
	if readyErr != nil {
		// Best effort cleanup so a half-started daemon does not linger.
		_ = lifecycle.SendSignal(pid, syscall.SIGTERM)
		return shared.NewFailure(fmt.Sprintf("daemon failed to become healthy within %v", opts.timeout), readyErr)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon started successfully (PID %d)", pid)))
	}
	return nil
}

// waitReady blocks until the spawned daemon reports healthy. With the
// health listener disabled it falls back to watching for the pid marker
// the daemon writes once its boot sequence completes.
func waitReady(cfg *config.Config, pidFile *lifecycle.PIDFile, pid int, timeout time.Duration) error {
	if cfg.Daemon.HealthAddr != "" {
		checker := lifecycle.NewHealthChecker(fmt.Sprintf("http://%s/healthz", cfg.Daemon.HealthAddr))
		return checker.WaitUntilHealthy(timeout)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !lifecycle.IsProcessRunning(pid) {
			return fmt.Errorf("daemon process %d exited during startup", pid)
		}
		if written, err := pidFile.Read(); err == nil && written == pid {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for pid marker %s", pidFile.Path())
}
