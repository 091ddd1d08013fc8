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

// Package security implements the warden security commands: audit trail
// inspection and integrity baseline management.
package security

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the security command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "security",
		Annotations: map[string]string{
			"group": "security",
		},
		Short: "Inspect and manage warden's security layer",
		Long: `Commands for inspecting and managing warden's security layer.

These commands operate on the same state the daemon uses: the audit trail,
the integrity baseline, and the rate limiter configuration. They work
whether or not the daemon is running.`,
	}

	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewAuditCommand())
	cmd.AddCommand(NewInitIntegrityCommand())
	cmd.AddCommand(NewVerifyIntegrityCommand())
	cmd.AddCommand(NewResetIntegrityCommand())

	return cmd
}
