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
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/platform"
)

// NewInstallCommand creates the daemon install command.
func NewInstallCommand() *cobra.Command {
	var start bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register the daemon with the service manager",
		Long: `Register the warden daemon with the platform service manager so it
starts automatically at login.

On Linux this writes a systemd user unit; on macOS a launchd user agent.
Environment variables named in daemon.env_passthrough are captured from
the current environment and embedded in the service definition.

Installation only registers the service. Pass --start to also start it
immediately.`,
		Example: `  # Register the service
  warden daemon install

  # Register and start
  warden daemon install --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(shared.GetConfigPath(), start)
		},
	}

	cmd.Flags().BoolVar(&start, "start", false, "Start the service after installing")

	return cmd
}

func runInstall(configPath string, start bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	svc, err := platform.New()
	if err != nil {
		if errors.Is(err, platform.ErrUnsupportedPlatform) {
			return shared.NewFailure("cannot install service", err)
		}
		return shared.NewFailure("failed to detect service manager", err)
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return shared.NewFailure("failed to locate warden executable", err)
	}

	// Secrets reach the service only through the configured allow-list.
	env := make(map[string]string, len(cfg.Daemon.EnvPassthrough))
	for _, name := range cfg.Daemon.EnvPassthrough {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}

	if err := svc.Install(platform.InstallConfig{
		BinaryPath: binaryPath,
		WorkingDir: stateDir,
		LogPath:    config.OperationalLogPath(stateDir),
		Env:        env,
	}); err != nil {
		return shared.NewFailure("failed to install service", err)
	}

	fmt.Println(shared.RenderOK("Service installed"))

	if !start {
		fmt.Println(shared.Muted.Render("  Start it with 'warden daemon start' or at next login."))
		return nil
	}

	if err := svc.Start(); err != nil {
		return shared.NewFailure("service installed but failed to start", err)
	}
	fmt.Println(shared.RenderOK("Service started"))
	return nil
}
