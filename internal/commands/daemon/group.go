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

// Package daemon implements the warden daemon lifecycle commands.
package daemon

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the daemon command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "daemon",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Short: "Manage the warden daemon",
		Long: `Commands for managing the warden daemon.

The daemon is the long-running supervisor process: it admits units of work
through the rate limiter and input sanitizer, records every decision in the
audit trail, watches the integrity baseline, and reports liveness through a
heartbeat status record.`,
	}

	cmd.AddCommand(NewStartCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStopCommand())
	cmd.AddCommand(NewRestartCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewLogsCommand())
	cmd.AddCommand(NewInstallCommand())
	cmd.AddCommand(NewUninstallCommand())

	return cmd
}
