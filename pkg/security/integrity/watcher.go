package integrity

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// reverifyEvery bounds how often filesystem events may trigger a re-verify.
const reverifyEvery = 30 * time.Second

// Watcher re-verifies the baseline when a monitored file changes on disk.
// It watches parent directories rather than the files themselves so
// atomic-save editors (write temp, rename over target) are still observed.
// Re-verification is throttled; events landing inside the cooldown are
// dropped and the next event after it triggers the check.
type Watcher struct {
	monitor *Monitor
	watched map[string]struct{} // monitored files, absolute paths
	fsw     *fsnotify.Watcher
	limiter *rate.Limiter
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher builds a watcher over the monitor's current file expansion.
// Files matching the patterns only after the watcher starts are not picked
// up until restart, mirroring the baseline's fixed file set.
func NewWatcher(m *Monitor, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	files, err := m.MonitoredFiles()
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	watched := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	return &Watcher{
		monitor: m,
		watched: watched,
		fsw:     fsw,
		limiter: rate.NewLimiter(rate.Every(reverifyEvery), 1),
		logger:  logger.With(slog.String("component", "integrity-watcher")),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.eventLoop()
	w.logger.Info("integrity watch started", slog.Int("files", len(w.watched)))
}

// Stop halts event processing and releases the underlying watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	if _, ok := w.watched[abs]; !ok {
		return
	}
	if !w.limiter.Allow() {
		w.logger.Debug("re-verify throttled", slog.String("path", abs))
		return
	}

	violations, err := w.monitor.Verify()
	if err != nil {
		w.logger.Error("re-verify failed", slog.String("error", err.Error()))
		return
	}
	if len(violations) == 0 {
		w.logger.Debug("re-verify clean", slog.String("path", abs))
		return
	}
	for _, v := range violations {
		w.logger.Warn("integrity violation",
			slog.String("path", v.Path),
			slog.String("kind", string(v.Kind)))
	}
}
