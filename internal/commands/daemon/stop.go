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

// stopSlack is added to the daemon's drain timeout when waiting for exit,
// so a drain that finishes right at the deadline still counts as graceful.
const stopSlack = 5 * time.Second

// NewStopCommand creates the daemon stop command.
func NewStopCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the warden daemon",
		Long: `Stop the warden daemon gracefully.

Sends SIGTERM and waits for the daemon to drain in-flight sessions, up to
the configured drain timeout plus a small grace period. Exit code 0 means
the daemon drained and exited cleanly; exit code 1 means it was still busy
when the timeout expired.

Use --force to follow the timeout with SIGKILL so the process never
lingers. A forced kill still exits 1: the shutdown was not graceful.

The stop command is idempotent: if the daemon is not running, it exits
successfully after cleaning up stale state files.`,
		Example: `  # Stop daemon gracefully
  warden daemon stop

  # Kill the daemon if it does not drain in time
  warden daemon stop --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), stopOptions{
				configPath: shared.GetConfigPath(),
				force:      force,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the drain timeout is exceeded")

	return cmd
}

type stopOptions struct {
	configPath string
	force      bool
}

func runStop(ctx context.Context, opts stopOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	pidFile := lifecycle.NewPIDFile(config.PIDPath(stateDir))
	pid, err := pidFile.Read()
	switch {
	case os.IsNotExist(err):
		if !shared.GetQuiet() {
			fmt.Println("Daemon is not running (no pid marker)")
		}
		return nil
	case errors.Is(err, lifecycle.ErrInvalidPID):
		fmt.Fprintln(os.Stderr, "Warning: removing corrupt pid marker")
		removeStateFiles(stateDir)
		return nil
	case err != nil:
		return shared.NewFailure("failed to read pid marker", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		if !shared.GetQuiet() {
			fmt.Printf("Daemon process %d is not running (removing stale state files)\n", pid)
		}
		removeStateFiles(stateDir)
		return nil
	}

	// A recycled PID could point at someone else's process.
	if !lifecycle.IsWardenProcess(pid) {
		return shared.NewFailure(
			fmt.Sprintf("pid marker points at process %d, which is not a warden daemon (refusing to stop)", pid), nil)
	}

	wait := cfg.Daemon.DrainTimeout + stopSlack

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
		return shared.NewFailure("failed to signal daemon", err)
	}

	spinner := shared.NewSpinner()
	if !shared.GetQuiet() {
		spinner.Start(fmt.Sprintf("Stopping warden daemon (PID %d)", pid))
	}
	err = lifecycle.WaitForExit(pid, wait)
	spinner.Stop()
	if err == nil {
		// A clean drain removes the pid and status files before exit.
		if !shared.GetQuiet() {
			fmt.Println(shared.RenderOK("Daemon stopped gracefully"))
		}
		return nil
	}
	if !errors.Is(err, lifecycle.ErrShutdownTimeout) {
		return shared.NewFailure("failed waiting for daemon to exit", err)
	}

	if !opts.force {
		return shared.NewFailure("daemon did not stop", &wardenerrors.DaemonError{
			Op:     "stop",
			Reason: fmt.Sprintf("daemon (PID %d) was still draining after %v", pid, wait),
			Hint:   "Re-run with --force to send SIGKILL.",
		})
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGKILL); err != nil {
		return shared.NewFailure("failed to kill daemon", err)
	}
	if err := lifecycle.WaitForExit(pid, 5*time.Second); err != nil {
		return shared.NewFailure(fmt.Sprintf("daemon process %d did not die after SIGKILL", pid), err)
	}

	// The killed daemon could not clean up after itself.
	removeStateFiles(stateDir)
	return shared.NewFailure(
		fmt.Sprintf("daemon did not drain within %v and was killed", wait), nil)
}

// removeStateFiles clears the pid marker and status record left behind by
// a daemon that did not exit cleanly. Failures are warnings: the next
// start clears stale markers itself.
func removeStateFiles(stateDir string) {
	pidFile := lifecycle.NewPIDFile(config.PIDPath(stateDir))
	if err := pidFile.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove pid marker: %v\n", err)
	}
	statusFile := lifecycle.NewStatusFile(config.StatusPath(stateDir))
	if err := statusFile.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove status record: %v\n", err)
	}
}
