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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/pkg/security/audit"
	"github.com/tombee/warden/pkg/security/integrity"
)

// NewStatusCommand creates the security status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the security layer configuration and state",
		Long: `Display the effective rate limiter configuration, sanitizer mode,
integrity baseline state, and audit trail location.

All of this is read from configuration and state files; the daemon does
not need to be running.`,
		Example: `  # Show security status
  warden security status

  # Status as JSON
  warden security status --json

  # Extract the monitored file count
  warden security status --json | jq -r '.integrity.file_count'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecurityStatus(shared.GetConfigPath(), shared.GetJSON())
		},
	}
}

type rateLimitStatus struct {
	Enabled            bool `json:"enabled"`
	MaxRequests        int  `json:"max_requests"`
	WindowSeconds      int  `json:"window_seconds"`
	BurstLimit         int  `json:"burst_limit"`
	BurstWindowSeconds int  `json:"burst_window_seconds"`
}

type auditStatus struct {
	Dir       string     `json:"dir"`
	LastEntry *time.Time `json:"last_entry,omitempty"`
}

type securityStatusResponse struct {
	shared.JSONResponse
	RateLimit  rateLimitStatus  `json:"rate_limit"`
	StrictMode bool             `json:"strict_mode"`
	Integrity  integrity.Status `json:"integrity"`
	Audit      auditStatus      `json:"audit"`
}

func runSecurityStatus(configPath string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	monitor := integrity.New(config.BaselinePath(stateDir), cfg.Security.IntegrityFiles)
	integrityStatus, err := monitor.Status()
	if err != nil {
		return shared.NewFailure("failed to read integrity baseline", err)
	}

	auditDir := cfg.AuditDir(stateDir)
	var lastEntry *time.Time
	if recent, err := audit.ReadRecent(auditDir, 1); err == nil && len(recent) > 0 {
		lastEntry = &recent[len(recent)-1].Timestamp
	}

	if asJSON {
		return shared.EmitJSON(securityStatusResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "security status",
				Success: true,
			},
			RateLimit: rateLimitStatus{
				Enabled:            cfg.RateLimit.Enabled,
				MaxRequests:        cfg.RateLimit.MaxRequests,
				WindowSeconds:      cfg.RateLimit.WindowSeconds,
				BurstLimit:         cfg.RateLimit.BurstLimit,
				BurstWindowSeconds: cfg.RateLimit.BurstWindowSeconds,
			},
			StrictMode: cfg.Security.StrictMode,
			Integrity:  integrityStatus,
			Audit: auditStatus{
				Dir:       auditDir,
				LastEntry: lastEntry,
			},
		})
	}

	fmt.Println(shared.Header.Render("Security status"))
	fmt.Println()

	fmt.Println(shared.Bold.Render("Rate limiting"))
	if cfg.RateLimit.Enabled {
		fmt.Printf("  %s %d requests / %ds, burst %d / %ds\n",
			shared.RenderOK("enabled:"),
			cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds,
			cfg.RateLimit.BurstLimit, cfg.RateLimit.BurstWindowSeconds)
	} else {
		fmt.Printf("  %s\n", shared.RenderWarn("disabled: every request is admitted"))
	}

	fmt.Println(shared.Bold.Render("Sanitizer"))
	if cfg.Security.StrictMode {
		fmt.Printf("  %s strict mode: warnings block\n", shared.StatusInfo.Render(shared.SymbolInfo))
	} else {
		fmt.Printf("  %s strict mode off: only unsafe input blocks\n", shared.StatusInfo.Render(shared.SymbolInfo))
	}

	fmt.Println(shared.Bold.Render("Integrity"))
	switch {
	case !integrityStatus.Initialized:
		fmt.Printf("  %s\n", shared.RenderWarn("baseline not initialized"))
		fmt.Println(shared.Muted.Render("    Run 'warden security init-integrity' to create it."))
	case integrityStatus.Missing > 0:
		fmt.Printf("  %s\n", shared.RenderWarn(fmt.Sprintf(
			"baseline of %d files, %d missing on disk (created %s)",
			integrityStatus.FileCount, integrityStatus.Missing,
			integrityStatus.CreatedAt.Format(time.RFC3339))))
	default:
		fmt.Printf("  %s\n", shared.RenderOK(fmt.Sprintf(
			"baseline of %d files (created %s)",
			integrityStatus.FileCount, integrityStatus.CreatedAt.Format(time.RFC3339))))
	}

	fmt.Println(shared.Bold.Render("Audit"))
	fmt.Printf("  %s %s\n", shared.RenderLabel("directory:"), auditDir)
	if lastEntry != nil {
		fmt.Printf("  %s %s\n", shared.RenderLabel("last entry:"), lastEntry.Format(time.RFC3339))
	} else {
		fmt.Printf("  %s none recorded yet\n", shared.RenderLabel("last entry:"))
	}

	return nil
}
