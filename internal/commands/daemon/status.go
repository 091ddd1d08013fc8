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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
)

// NewStatusCommand creates the daemon status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Display the warden daemon's liveness and last reported state.

Liveness comes from the pid marker; the rest comes from the status record
the daemon rewrites on every heartbeat. A heartbeat older than two
intervals is flagged as stale: the process may be wedged even though it
still holds the pid lock.`,
		Example: `  # Show daemon status
  warden daemon status

  # Status as JSON
  warden daemon status --json

  # Extract the active session count
  warden daemon status --json | jq -r '.active_sessions'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(shared.GetConfigPath(), shared.GetJSON())
		},
	}
}

type statusResponse struct {
	shared.JSONResponse
	Running        bool       `json:"running"`
	PID            int        `json:"pid,omitempty"`
	DaemonVersion  string     `json:"version,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatStale bool       `json:"heartbeat_stale,omitempty"`
	ActiveSessions int        `json:"active_sessions"`
	ActiveChannels []string   `json:"active_channels,omitempty"`
}

func runStatus(configPath string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		failure := shared.NewConfigError("failed to load configuration", err)
		if asJSON {
			_ = shared.EmitJSONError("daemon status", []shared.JSONError{{
				Code:       shared.ErrorCodeForError(failure),
				Message:    failure.Error(),
				Suggestion: "Run 'warden doctor' to validate your configuration.",
			}})
			return &shared.ExitError{Code: failure.Code}
		}
		return failure
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	pidFile := lifecycle.NewPIDFile(config.PIDPath(stateDir))
	statusFile := lifecycle.NewStatusFile(config.StatusPath(stateDir))

	pid, pidErr := pidFile.Read()
	running := pidErr == nil && lifecycle.IsProcessRunning(pid) && lifecycle.IsWardenProcess(pid)

	var record *lifecycle.DaemonStatus
	if st, err := statusFile.Read(); err == nil {
		record = st
	}

	now := time.Now()
	stale := running && record != nil && record.Stale(now, cfg.Daemon.HeartbeatInterval)

	if asJSON {
		resp := statusResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "daemon status",
				Success: true,
			},
			Running:        running,
			HeartbeatStale: stale,
		}
		if running {
			resp.PID = pid
		}
		if record != nil {
			resp.DaemonVersion = record.Version
			resp.StartedAt = &record.StartedAt
			resp.LastHeartbeat = &record.LastHeartbeat
			resp.ActiveSessions = record.ActiveSessions
			resp.ActiveChannels = record.ActiveChannels
		}
		return shared.EmitJSON(resp)
	}

	if !running {
		fmt.Println(shared.RenderError("Daemon is not running"))
		if pidErr == nil {
			fmt.Println(shared.Muted.Render(fmt.Sprintf("  Stale pid marker present (PID %d); the next start clears it.", pid)))
		}
		return nil
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon is running (PID %d)", pid)))

	if record == nil {
		fmt.Println(shared.RenderWarn("No status record yet; the daemon may still be starting."))
		return nil
	}

	fmt.Printf("  %s %s\n", shared.RenderLabel("Version:"), record.Version)
	fmt.Printf("  %s %s (up %s)\n", shared.RenderLabel("Started:"),
		record.StartedAt.Format(time.RFC3339), formatAge(now.Sub(record.StartedAt)))

	heartbeat := fmt.Sprintf("%s ago", formatAge(record.HeartbeatAge(now)))
	if stale {
		fmt.Printf("  %s %s\n", shared.RenderLabel("Heartbeat:"),
			shared.StatusWarn.Render(heartbeat+" (stale)"))
	} else {
		fmt.Printf("  %s %s\n", shared.RenderLabel("Heartbeat:"), heartbeat)
	}

	fmt.Printf("  %s %d\n", shared.RenderLabel("Sessions:"), record.ActiveSessions)
	if len(record.ActiveChannels) > 0 {
		fmt.Printf("  %s %s\n", shared.RenderLabel("Channels:"), strings.Join(record.ActiveChannels, ", "))
	}

	if stale {
		fmt.Fprintln(os.Stderr, shared.RenderWarn("Heartbeat is stale: the daemon may be wedged. Consider 'warden daemon restart'."))
	}
	return nil
}

// formatAge renders a duration compactly for status output.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Hour {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
