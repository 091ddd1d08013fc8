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
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/supervisor"
)

// NewRunCommand creates the hidden daemon run command. This is the entry
// point for the daemon process itself; `daemon start` spawns it detached.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Hidden: true,
		Short:  "Run the warden daemon in this process",
		Long: `Run the warden daemon in the current process.

This command is normally invoked by 'warden daemon start' (detached) or by
the platform service manager. It loads the configuration, opens the rotating
operational log, and runs the supervisor until SIGTERM or SIGINT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), runOptions{
				configPath: shared.GetConfigPath(),
			})
		},
	}
}

type runOptions struct {
	configPath string

	// foreground logs to stderr instead of the rotating operational log.
	foreground bool
}

// echoHandler acknowledges admitted work without interpreting it. The
// bundled daemon carries no agent logic: embedding applications provide
// their own handler and ingress channels through the supervisor package.
func echoHandler(ctx context.Context, w supervisor.Work) (supervisor.Result, error) {
	return supervisor.Result{Output: w.Payload}, nil
}

func runDaemon(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}

	// In background mode the daemon owns the operational log and rotates
	// it; in foreground mode logs go to the terminal.
	var logWriter *lifecycle.RotatingWriter
	output := io.Writer(os.Stderr)
	if !opts.foreground {
		logWriter, err = lifecycle.NewRotatingWriter(
			config.OperationalLogPath(stateDir), cfg.Daemon.LogMaxSize, cfg.Daemon.LogMaxRotations)
		if err != nil {
			return shared.NewFailure("failed to open operational log", err)
		}
		defer logWriter.Close()
		output = logWriter
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: output,
	})
	slog.SetDefault(logger)

	version, _, _ := shared.GetVersion()
	sup, err := supervisor.New(cfg, supervisor.Options{
		Version:   version,
		Handler:   echoHandler,
		LogWriter: logWriter,
	})
	if err != nil {
		return shared.NewFailure("failed to create supervisor", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", log.String("signal", sig.String()))
			sup.Shutdown()
		case <-ctx.Done():
		}
	}()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrDrainTimeout) {
			return shared.NewFailure("shutdown timed out with sessions in flight", err)
		}
		return shared.NewFailure("daemon exited with error", err)
	}
	return nil
}
