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

package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/platform"
	"github.com/tombee/warden/pkg/security/integrity"
)

// CheckStatus classifies a single doctor check.
type CheckStatus string

const (
	// CheckOK means the check passed.
	CheckOK CheckStatus = "ok"

	// CheckWarn means something is off but the installation still works.
	// Warnings never fail the doctor run.
	CheckWarn CheckStatus = "warn"

	// CheckError means the installation is broken or compromised.
	CheckError CheckStatus = "error"
)

// CheckResult is one line of the doctor report.
type CheckResult struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// DoctorResult contains the overall health check results.
type DoctorResult struct {
	ConfigPath      string        `json:"config_path"`
	Checks          []CheckResult `json:"checks"`
	Recommendations []string      `json:"recommendations"`
	OverallHealthy  bool          `json:"overall_healthy"`
}

type doctorResponse struct {
	shared.JSONResponse
	DoctorResult
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "doctor",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Check warden health and configuration",
		Long: `Perform a health check of the warden installation.

This command checks:
  - Config file parses and validates
  - State and audit directories are writable
  - Integrity baseline exists and monitored files match it
  - Daemon is running and its heartbeat is fresh
  - Service manager registration

Warnings (daemon stopped, no baseline yet) do not fail the check; only
broken or compromised state does. Provides recommendations for fixing
any issues found.`,
		RunE: runDoctor,
	}

	return cmd
}

func runDoctor(cmd *cobra.Command, args []string) error {
	result := collectDoctorResult(time.Now())

	if shared.GetJSON() {
		if err := outputDoctorJSON(result); err != nil {
			return err
		}
	} else {
		outputDoctorText(result)
	}

	if !result.OverallHealthy {
		return shared.NewFailure("health check found problems", nil)
	}
	return nil
}

// collectDoctorResult runs every check in display order. Later checks
// depend on the config, so a parse failure short-circuits.
func collectDoctorResult(now time.Time) DoctorResult {
	result := DoctorResult{
		Checks:          []CheckResult{},
		Recommendations: []string{},
		OverallHealthy:  true,
	}

	record := func(name string, status CheckStatus, detail string, recs ...string) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Status: status, Detail: detail})
		if status == CheckError {
			result.OverallHealthy = false
		}
		result.Recommendations = append(result.Recommendations, recs...)
	}

	cfgPath := shared.GetConfigPath()
	if cfgPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			cfgPath = p
		}
	}
	result.ConfigPath = cfgPath

	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		record("configuration", CheckError, err.Error(),
			"Fix the configuration file, or move it aside to fall back to defaults.")
		return result
	}
	if _, statErr := os.Stat(cfgPath); cfgPath == "" || os.IsNotExist(statErr) {
		record("configuration", CheckOK, "no config file, using defaults")
	} else {
		record("configuration", CheckOK, cfgPath)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		record("state directory", CheckError, err.Error(),
			"Set daemon.state_dir or the WARDEN_STATE_DIR environment variable.")
		return result
	}
	if err := checkWritable(stateDir); err != nil {
		record("state directory", CheckError, fmt.Sprintf("%s: %v", stateDir, err),
			"Ensure the state directory is writable, or point daemon.state_dir elsewhere.")
	} else {
		record("state directory", CheckOK, stateDir)
	}

	auditDir := cfg.AuditDir(stateDir)
	if err := checkWritable(auditDir); err != nil {
		record("audit directory", CheckError, fmt.Sprintf("%s: %v", auditDir, err),
			"The daemon cannot record audit entries until this directory is writable.")
	} else {
		record("audit directory", CheckOK, auditDir)
	}

	checkIntegrity(cfg, stateDir, record)
	checkDaemon(cfg, stateDir, now, record)
	checkService(record)

	return result
}

func checkIntegrity(cfg *config.Config, stateDir string, record recordFunc) {
	monitor := integrity.New(config.BaselinePath(stateDir), cfg.Security.IntegrityFiles)

	if !monitor.BaselineExists() {
		if len(cfg.Security.IntegrityFiles) == 0 {
			record("integrity baseline", CheckOK, "integrity monitoring not configured")
			return
		}
		record("integrity baseline", CheckWarn, "no baseline recorded",
			"Run 'warden security init-integrity' to record hashes for the monitored files.")
		return
	}

	status, err := monitor.Status()
	if err != nil {
		record("integrity baseline", CheckError, fmt.Sprintf("baseline unreadable: %v", err),
			"Run 'warden security reset-integrity' and then 'warden security init-integrity'.")
		return
	}
	record("integrity baseline", CheckOK,
		fmt.Sprintf("%d files, created %s", status.FileCount, status.CreatedAt.Format("2006-01-02")))

	violations, err := monitor.Verify()
	switch {
	case err != nil:
		record("integrity verify", CheckError, err.Error())
	case len(violations) > 0:
		record("integrity verify", CheckError, fmt.Sprintf("%d violations", len(violations)),
			"Run 'warden security verify-integrity' for details; re-initialize the baseline if the changes are yours.")
	default:
		record("integrity verify", CheckOK, "all monitored files match the baseline")
	}
}

func checkDaemon(cfg *config.Config, stateDir string, now time.Time, record recordFunc) {
	pid, err := lifecycle.NewPIDFile(config.PIDPath(stateDir)).Read()
	running := err == nil && lifecycle.IsProcessRunning(pid) && lifecycle.IsWardenProcess(pid)
	if !running {
		record("daemon", CheckWarn, "not running",
			"Run 'warden daemon start' to launch the daemon.")
		return
	}
	record("daemon", CheckOK, fmt.Sprintf("running (pid %d)", pid))

	status, err := lifecycle.NewStatusFile(config.StatusPath(stateDir)).Read()
	if err != nil {
		record("heartbeat", CheckWarn, "no status record yet")
		return
	}
	age := status.HeartbeatAge(now)
	if status.Stale(now, cfg.Daemon.HeartbeatInterval) {
		record("heartbeat", CheckWarn, fmt.Sprintf("last beat %s ago (stale)", age.Round(time.Second)),
			"The daemon may be wedged; consider 'warden daemon restart'.")
		return
	}
	record("heartbeat", CheckOK, fmt.Sprintf("last beat %s ago", age.Round(time.Second)))
}

func checkService(record recordFunc) {
	svc, err := platform.New()
	if errors.Is(err, platform.ErrUnsupportedPlatform) {
		record("service registration", CheckOK, "no service manager on this platform")
		return
	}
	if err != nil {
		record("service registration", CheckWarn, err.Error())
		return
	}

	status, err := svc.Status()
	switch {
	case err != nil:
		record("service registration", CheckWarn, err.Error())
	case !status.Installed:
		record("service registration", CheckWarn, "not installed",
			"Run 'warden daemon install' to keep the daemon running across logins.")
	case status.Running:
		record("service registration", CheckOK, "installed and active")
	case status.Detail != "":
		record("service registration", CheckOK, "installed, "+status.Detail)
	default:
		record("service registration", CheckOK, "installed")
	}
}

type recordFunc func(name string, status CheckStatus, detail string, recs ...string)

// checkWritable proves a directory accepts writes by creating and
// removing a probe file. Missing directories are created the way the
// daemon would create them.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// outputDoctorJSON outputs results in JSON format.
func outputDoctorJSON(result DoctorResult) error {
	return shared.EmitJSON(doctorResponse{
		JSONResponse: shared.JSONResponse{
			Version: "1.0",
			Command: "doctor",
			Success: result.OverallHealthy,
		},
		DoctorResult: result,
	})
}

// outputDoctorText outputs results in human-readable format.
func outputDoctorText(result DoctorResult) {
	fmt.Println(shared.Header.Render("Warden health check"))
	fmt.Println()

	for _, check := range result.Checks {
		line := check.Name
		if check.Detail != "" {
			line = fmt.Sprintf("%s: %s", check.Name, check.Detail)
		}
		switch check.Status {
		case CheckOK:
			fmt.Println(shared.RenderOK(line))
		case CheckWarn:
			fmt.Println(shared.RenderWarn(line))
		default:
			fmt.Println(shared.RenderError(line))
		}
	}

	if len(result.Recommendations) > 0 {
		fmt.Println()
		fmt.Println(shared.Bold.Render("Recommendations:"))
		for _, rec := range result.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}

	fmt.Println()
	if result.OverallHealthy {
		fmt.Println(shared.RenderOK("No problems found"))
	} else {
		fmt.Println(shared.RenderError("Problems found; see above"))
	}
}
