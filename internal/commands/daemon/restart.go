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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
)

// NewRestartCommand creates the daemon restart command.
func NewRestartCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the warden daemon",
		Long: `Restart the warden daemon by stopping and starting it.

This is equivalent to 'warden daemon stop' followed by 'warden daemon
start'. Use this after configuration changes. A stop that times out is
reported as a warning; the replacement daemon clears the stale state the
old one left behind.`,
		Example: `  # Restart daemon
  warden daemon restart

  # Restart, killing the old daemon if it does not drain
  warden daemon restart --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := shared.GetConfigPath()

			if err := runStop(cmd.Context(), stopOptions{
				configPath: configPath,
				force:      force,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}

			// Give the old process a moment to release its pid lock.
			time.Sleep(100 * time.Millisecond)

			return runStart(cmd.Context(), startOptions{
				configPath: configPath,
				timeout:    30 * time.Second,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the drain timeout is exceeded")

	return cmd
}
