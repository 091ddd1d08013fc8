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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
)

// tailChunkSize is how much of the log is read per backward step when
// locating the last N lines.
const tailChunkSize = 32 * 1024

// NewLogsCommand creates the daemon logs command.
func NewLogsCommand() *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon operational logs",
		Long: `Show the tail of the daemon's operational log.

The daemon rotates its log when it exceeds the configured size; this
command reads only the current file. Use --follow to stream new lines as
the daemon writes them (rotation is followed transparently).`,
		Example: `  # Last 50 lines
  warden daemon logs

  # Last 200 lines
  warden daemon logs -n 200

  # Stream new log lines
  warden daemon logs -f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd.Context(), logsOptions{
				configPath: shared.GetConfigPath(),
				lines:      lines,
				follow:     follow,
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")

	return cmd
}

type logsOptions struct {
	configPath string
	lines      int
	follow     bool
}

func runLogs(ctx context.Context, opts logsOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return shared.NewFailure("failed to resolve state directory", err)
	}
	logPath := config.OperationalLogPath(stateDir)

	tail, offset, err := tailLines(logPath, opts.lines)
	switch {
	case os.IsNotExist(err):
		if !opts.follow {
			fmt.Println("No operational log yet. Start the daemon with 'warden daemon start'.")
			return nil
		}
		offset = 0
	case err != nil:
		return shared.NewFailure("failed to read operational log", err)
	default:
		os.Stdout.Write(tail)
	}

	if !opts.follow {
		return nil
	}
	return followLog(ctx, logPath, offset)
}

// tailLines returns the last n lines of the file and the offset at which
// following should resume (the current end of file).
func tailLines(path string, n int) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if n <= 0 || size == 0 {
		return nil, size, nil
	}

	// Read backward until the buffer holds at least n+1 newlines or the
	// whole file.
	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) < n+1 {
		chunk := int64(tailChunkSize)
		if offset < chunk {
			chunk = offset
		}
		offset -= chunk
		block := make([]byte, chunk)
		if _, err := f.ReadAt(block, offset); err != nil {
			return nil, 0, err
		}
		buf = append(block, buf...)
	}

	// The last n lines start just after the nth newline from the end,
	// counting a trailing partial line as a line of its own.
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	start := 0
	seen := 0
	for i := end - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			seen++
			if seen == n {
				start = i + 1
				break
			}
		}
	}
	return buf[start:], size, nil
}

// followLog streams appended log data to stdout until interrupted. The
// parent directory is watched rather than the file so rotation (rename
// away, recreate) is picked up.
func followLog(ctx context.Context, path string, offset int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return shared.NewFailure("failed to create log watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return shared.NewFailure("failed to watch log directory", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				offset, err = copyAppended(path, offset)
				if err != nil && !os.IsNotExist(err) {
					return shared.NewFailure("failed to read operational log", err)
				}
			case event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove):
				// Rotated away; the recreated file starts fresh.
				offset = 0
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Warning: log watcher error: %v\n", err)
		}
	}
}

// copyAppended writes bytes added since offset to stdout and returns the
// new offset. A file smaller than the offset was truncated or replaced;
// reading restarts from the top.
func copyAppended(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(os.Stdout, f)
	return offset + n, err
}
