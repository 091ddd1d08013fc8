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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/jq"
	"github.com/tombee/warden/pkg/security/audit"
)

// NewAuditCommand creates the security audit command.
func NewAuditCommand() *cobra.Command {
	var (
		lines  int
		filter string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit trail entries",
		Long: `Show the most recent entries from the audit trail, oldest first.

Sensitive parameter values were redacted when the entries were written;
nothing this command prints can reveal them.

Use --filter to run a jq expression over the selected entries. The
expression receives the entries as a JSON array and its result is printed
as JSON.`,
		Example: `  # Last 20 entries
  warden security audit

  # Last 100 entries as JSON
  warden security audit -n 100 --json

  # Only rate-limit denials
  warden security audit --filter 'map(select(.event_kind == "rate_limited"))'

  # Count tool calls per user
  warden security audit -n 500 --filter 'group_by(.actor.user_id) | map({user: .[0].actor.user_id, calls: length})'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), auditOptions{
				configPath: shared.GetConfigPath(),
				lines:      lines,
				filter:     filter,
				asJSON:     shared.GetJSON(),
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of entries to show")
	cmd.Flags().StringVar(&filter, "filter", "", "jq expression applied to the entries")

	return cmd
}

type auditOptions struct {
	configPath string
	lines      int
	filter     string
	asJSON     bool
}

type auditResponse struct {
	shared.JSONResponse
	Entries []audit.Entry `json:"entries"`
}

func runAudit(ctx context.Context, opts auditOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	entries, err := audit.ReadRecent(cfg.AuditDir(stateDir), opts.lines)
	if err != nil {
		if opts.asJSON {
			_ = shared.EmitJSONError("security audit", []shared.JSONError{{
				Code:    shared.ErrorCodeAuditUnavailable,
				Message: fmt.Sprintf("failed to read audit trail: %v", err),
			}})
			return &shared.ExitError{Code: shared.ExitFailure}
		}
		return shared.NewFailure("failed to read audit trail", err)
	}

	if opts.filter != "" {
		return emitFiltered(ctx, entries, opts.filter)
	}

	if opts.asJSON {
		return shared.EmitJSON(auditResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "security audit",
				Success: true,
			},
			Entries: entries,
		})
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries recorded yet.")
		return nil
	}
	verbose := shared.GetVerbose()
	for _, e := range entries {
		fmt.Println(renderEntry(e))
		if verbose {
			full, _ := json.MarshalIndent(e, "  ", "  ")
			fmt.Printf("  %s\n", full)
		}
	}
	return nil
}

// emitFiltered runs the jq expression over the entries and prints its
// result as indented JSON.
func emitFiltered(ctx context.Context, entries []audit.Entry, filter string) error {
	executor := jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
	if err := executor.Validate(filter); err != nil {
		return shared.NewConfigError("invalid --filter expression", err)
	}

	result, err := executor.Execute(ctx, filter, entries)
	if err != nil {
		return shared.NewFailure("filter execution failed", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// renderEntry formats one audit entry as a single aligned text line.
func renderEntry(e audit.Entry) string {
	actor := e.Actor.UserID
	if actor == "" {
		actor = "-"
	}
	subject := e.Subject
	if subject == "" {
		subject = "-"
	}

	outcome := ""
	switch {
	case e.Outcome == nil:
		// Intent entry: the paired result follows.
	case e.Kind == audit.KindRateLimited:
		outcome = shared.StatusWarn.Render("denied (" + e.Outcome.Detail + ")")
	case e.Kind == audit.KindAccessDenied:
		outcome = shared.StatusError.Render("denied: " + e.Outcome.Detail)
	case e.Outcome.Success:
		outcome = shared.StatusOK.Render("ok")
	default:
		outcome = shared.StatusError.Render("failed")
		if e.Outcome.Detail != "" {
			outcome += " " + shared.Muted.Render(e.Outcome.Detail)
		}
	}

	return fmt.Sprintf("%s  %-15s %-20s %-12s %s",
		e.Timestamp.Format(time.RFC3339), e.Kind, subject, actor, outcome)
}
