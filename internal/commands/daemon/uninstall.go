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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/platform"
)

// NewUninstallCommand creates the daemon uninstall command.
func NewUninstallCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the daemon from the service manager",
		Long: `Stop the warden service and remove its registration from the platform
service manager.

State files (audit logs, integrity baseline, operational logs) are left in
place; only the service definition is removed.`,
		Example: `  # Remove the service (prompts for confirmation)
  warden daemon uninstall

  # Remove without prompting
  warden daemon uninstall --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func runUninstall(yes bool) error {
	if !yes {
		confirmed, err := shared.Confirm("Remove the warden service registration?", false)
		if err != nil {
			return shared.NewFailure("confirmation required", err)
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return nil
		}
	}

	svc, err := platform.New()
	if err != nil {
		if errors.Is(err, platform.ErrUnsupportedPlatform) {
			return shared.NewFailure("cannot uninstall service", err)
		}
		return shared.NewFailure("failed to detect service manager", err)
	}

	if err := svc.Uninstall(); err != nil {
		if errors.Is(err, platform.ErrNotInstalled) {
			fmt.Println("Service is not installed.")
			return nil
		}
		return shared.NewFailure("failed to uninstall service", err)
	}

	fmt.Println(shared.RenderOK("Service uninstalled"))
	return nil
}
