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

package security

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	wardenerrors "github.com/tombee/warden/pkg/errors"
	"github.com/tombee/warden/pkg/security/integrity"
)

// NewInitIntegrityCommand creates the init-integrity command.
func NewInitIntegrityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-integrity",
		Short: "Create the integrity baseline",
		Long: `Hash every file configured under security.integrity_files and store the
result as the integrity baseline.

Running init-integrity again replaces the baseline entirely: do this after
deliberate changes to monitored files. Patterns may be literal paths or
doublestar globs; files matching only after initialization are not picked
up until the next init.`,
		Example: `  # Create or replace the baseline
  warden security init-integrity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitIntegrity(shared.GetConfigPath())
		},
	}
}

// NewVerifyIntegrityCommand creates the verify-integrity command.
func NewVerifyIntegrityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-integrity",
		Short: "Verify monitored files against the baseline",
		Long: `Rehash every file in the integrity baseline and report mismatches.

A modified file hash or a missing monitored file is a violation. Files
created since the baseline are not: only a fresh init-integrity picks them
up. Exit code 1 means at least one violation was found.`,
		Example: `  # Verify all monitored files
  warden security verify-integrity

  # Machine-readable result
  warden security verify-integrity --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyIntegrity(shared.GetConfigPath(), shared.GetJSON())
		},
	}
}

// NewResetIntegrityCommand creates the reset-integrity command.
func NewResetIntegrityCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset-integrity",
		Short: "Delete the integrity baseline",
		Long: `Delete the integrity baseline.

After a reset, verification reports the baseline as missing until
init-integrity runs again. The daemon's boot-time verification is skipped
while no baseline exists.`,
		Example: `  # Delete the baseline (prompts for confirmation)
  warden security reset-integrity

  # Delete without prompting
  warden security reset-integrity --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResetIntegrity(shared.GetConfigPath(), yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

// newMonitor builds the integrity monitor from the resolved configuration.
func newMonitor(configPath string) (*integrity.Monitor, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, nil, shared.NewFailure("failed to resolve state directory", err)
	}

	return integrity.New(config.BaselinePath(stateDir), cfg.Security.IntegrityFiles), cfg, nil
}

func runInitIntegrity(configPath string) error {
	monitor, cfg, err := newMonitor(configPath)
	if err != nil {
		return err
	}

	if len(cfg.Security.IntegrityFiles) == 0 {
		return shared.NewConfigError("no files to monitor", &wardenerrors.ConfigError{
			Key:    "security.integrity_files",
			Reason: "the monitored file list is empty",
		})
	}

	baseline, err := monitor.Initialize()
	if err != nil {
		return shared.NewFailure("failed to initialize integrity baseline", err)
	}

	if len(baseline.Files) == 0 {
		fmt.Println(shared.RenderWarn("Baseline created, but no configured file exists on disk yet."))
		return nil
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("Integrity baseline initialized: %d files", len(baseline.Files))))
	return nil
}

type verifyResponse struct {
	shared.JSONResponse
	FileCount int `json:"file_count"`
}

func runVerifyIntegrity(configPath string, asJSON bool) error {
	monitor, _, err := newMonitor(configPath)
	if err != nil {
		return err
	}

	violations, err := monitor.Verify()
	if err != nil {
		if errors.Is(err, integrity.ErrNoBaseline) {
			if asJSON {
				_ = shared.EmitJSONError("security verify-integrity", []shared.JSONError{{
					Code:       shared.ErrorCodeBaselineMissing,
					Message:    "no integrity baseline has been initialized",
					Suggestion: "Run 'warden security init-integrity' to create one.",
				}})
				return &shared.ExitError{Code: shared.ExitFailure}
			}
			return shared.NewFailure("integrity baseline missing", &wardenerrors.SecurityError{
				Kind:   wardenerrors.KindIntegrityViolation,
				Reason: "no integrity baseline has been initialized",
				Hint:   "Run 'warden security init-integrity' to create one.",
			})
		}
		return shared.NewFailure("integrity verification failed", err)
	}

	if len(violations) == 0 {
		status, statusErr := monitor.Status()
		if asJSON {
			return shared.EmitJSON(verifyResponse{
				JSONResponse: shared.JSONResponse{
					Version: "1.0",
					Command: "security verify-integrity",
					Success: true,
				},
				FileCount: status.FileCount,
			})
		}
		if statusErr == nil {
			fmt.Println(shared.RenderOK(fmt.Sprintf("Integrity verified: %d files match the baseline", status.FileCount)))
		} else {
			fmt.Println(shared.RenderOK("Integrity verified"))
		}
		return nil
	}

	if asJSON {
		jsonErrors := make([]shared.JSONError, 0, len(violations))
		for _, v := range violations {
			jsonErrors = append(jsonErrors, shared.JSONError{
				Code:       shared.ErrorCodeIntegrityViolation,
				Message:    describeViolation(v),
				Suggestion: "If this change is deliberate, refresh the baseline with 'warden security init-integrity'.",
			})
		}
		_ = shared.EmitJSONError("security verify-integrity", jsonErrors)
		return &shared.ExitError{Code: shared.ExitFailure}
	}

	for _, v := range violations {
		fmt.Println(shared.RenderError(describeViolation(v)))
	}
	fmt.Println(shared.Muted.Render(
		"If these changes are deliberate, refresh the baseline with 'warden security init-integrity'."))

	return shared.NewFailure(fmt.Sprintf("%d integrity violations found", len(violations)), nil)
}

func describeViolation(v integrity.Violation) string {
	if v.Kind == integrity.ViolationMissing {
		return fmt.Sprintf("%s: monitored file is missing", v.Path)
	}
	return fmt.Sprintf("%s: content changed since baseline", v.Path)
}

func runResetIntegrity(configPath string, yes bool) error {
	monitor, _, err := newMonitor(configPath)
	if err != nil {
		return err
	}

	if !monitor.BaselineExists() {
		fmt.Println("No integrity baseline to reset.")
		return nil
	}

	if !yes {
		confirmed, err := shared.Confirm("Delete the integrity baseline?", false)
		if err != nil {
			return shared.NewFailure("confirmation required", err)
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := monitor.Reset(); err != nil {
		return shared.NewFailure("failed to reset integrity baseline", err)
	}

	fmt.Println(shared.RenderOK("Integrity baseline deleted"))
	return nil
}
