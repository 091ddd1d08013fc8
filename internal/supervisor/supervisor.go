// Package supervisor runs the warden daemon: it owns the PID marker and
// status record, admits units of work through rate limiting and input
// sanitization, keeps the audit trail, and drains in-flight sessions on
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/metrics"
	"github.com/tombee/warden/pkg/security/audit"
	"github.com/tombee/warden/pkg/security/integrity"
	"github.com/tombee/warden/pkg/security/ratelimit"
	"github.com/tombee/warden/pkg/security/sanitize"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned when Run is called on a supervisor
	// that is not in the stopped state.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrNotRunning is returned by Submit before Run has brought the
	// supervisor up.
	ErrNotRunning = errors.New("supervisor is not running")

	// ErrDraining is returned by Submit once shutdown has begun.
	ErrDraining = errors.New("supervisor is draining, not accepting new work")

	// ErrRateLimited is returned when the per-user admission limit
	// rejects a unit of work.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInputRejected is returned when the sanitizer blocks tool
	// parameters.
	ErrInputRejected = errors.New("tool input rejected")

	// ErrDrainTimeout is returned by Run when in-flight sessions did not
	// complete within the configured drain timeout.
	ErrDrainTimeout = errors.New("drain timeout exceeded")
)

// sweepInterval is how often idle rate limiter windows are reclaimed.
const sweepInterval = time.Minute

// ToolCall describes a tool invocation carried by a unit of work. Params
// are sanitized before the handler runs and recorded in the audit trail.
type ToolCall struct {
	Name   string
	Params map[string]any
}

// Work is one unit of work submitted through a channel.
type Work struct {
	// UserID identifies the requesting user for rate limiting and audit
	// attribution.
	UserID string

	// Channel names the ingress surface the work arrived on.
	Channel string

	// SessionKey correlates related work. Empty means the supervisor
	// assigns a fresh key.
	SessionKey string

	// Payload is the raw request content, opaque to the supervisor.
	Payload string

	// Tool, when set, subjects the work to input sanitization and
	// tool-call auditing.
	Tool *ToolCall
}

// Result is the handler's response to a unit of work.
type Result struct {
	// SessionKey echoes the session the work ran under, including keys
	// the supervisor assigned.
	SessionKey string

	// Output is the handler's response content.
	Output string
}

// Handler executes an admitted unit of work.
type Handler func(ctx context.Context, w Work) (Result, error)

// SubmitFunc is the admission entrypoint handed to channels.
type SubmitFunc func(ctx context.Context, w Work) (Result, error)

// Channel is an ingress surface that feeds work to the supervisor. Run
// blocks until ctx is canceled or the channel fails; its error terminates
// only the channel, never the daemon.
type Channel interface {
	Name() string
	Run(ctx context.Context, submit SubmitFunc) error
}

// Options configures a Supervisor beyond what the config file carries.
type Options struct {
	// Version is stamped into the status record and health responses.
	Version string

	// Handler executes admitted work. Required.
	Handler Handler

	// Clock overrides real time. Nil uses the system clock.
	Clock Clock

	// LogWriter, when set, has its size checked on every heartbeat so
	// output the spawned process appends directly still rotates.
	LogWriter *lifecycle.RotatingWriter
}

// Supervisor is the daemon core. It is single-use: Run may be called once.
type Supervisor struct {
	cfg   *config.Config
	opts  Options
	clock Clock

	logger     *slog.Logger
	limiter    *ratelimit.Limiter
	sanOpts    sanitize.Options
	audit      *audit.Logger
	monitor    *integrity.Monitor
	watcher    *integrity.Watcher
	pidFile    *lifecycle.PIDFile
	statusFile *lifecycle.StatusFile
	health     *healthServer

	mu        sync.Mutex
	state     State
	channels  []Channel
	running   map[string]struct{}
	startedAt time.Time

	sessions sync.WaitGroup
	active   atomic.Int64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a supervisor from the resolved configuration. The audit
// logger, rate limiter, integrity monitor and state files are all rooted
// under the configured state directory.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}

	s := &Supervisor{
		cfg:   cfg,
		opts:  opts,
		clock: clock,

		logger: log.WithComponent(slog.Default(), "supervisor"),
		limiter: ratelimit.New(ratelimit.Config{
			Enabled:            cfg.RateLimit.Enabled,
			MaxRequests:        cfg.RateLimit.MaxRequests,
			WindowSeconds:      cfg.RateLimit.WindowSeconds,
			BurstLimit:         cfg.RateLimit.BurstLimit,
			BurstWindowSeconds: cfg.RateLimit.BurstWindowSeconds,
		}),
		sanOpts:    sanitize.Options{Strict: cfg.Security.StrictMode},
		audit:      audit.New(cfg.AuditDir(stateDir)),
		monitor:    integrity.New(config.BaselinePath(stateDir), cfg.Security.IntegrityFiles),
		pidFile:    lifecycle.NewPIDFile(config.PIDPath(stateDir)),
		statusFile: lifecycle.NewStatusFile(config.StatusPath(stateDir)),

		running:    make(map[string]struct{}),
		shutdownCh: make(chan struct{}),
	}

	s.monitor.OnViolation(func(v integrity.Violation) {
		s.logger.Warn("integrity violation",
			log.String("path", v.Path),
			log.String("kind", string(v.Kind)))
		s.record(audit.SecurityEvent("integrity_violation", map[string]any{
			"path":          v.Path,
			"kind":          string(v.Kind),
			"expected_hash": v.Expected,
			"actual_hash":   v.Actual,
		}))
		metrics.RecordIntegrityViolation(string(v.Kind))
	})

	return s, nil
}

// RegisterChannel adds an ingress channel. Channels must be registered
// before Run.
func (s *Supervisor) RegisterChannel(ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyStarted
	}
	s.channels = append(s.channels, ch)
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveSessions returns the number of in-flight units of work.
func (s *Supervisor) ActiveSessions() int {
	return int(s.active.Load())
}

// Shutdown requests a graceful drain. It returns immediately; Run's
// return value reports the drain outcome.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Run boots the daemon and blocks until ctx is canceled or Shutdown is
// called, then drains. A nil return means the drain completed cleanly and
// the PID marker and status record were removed. ErrDrainTimeout means
// sessions were still active at the deadline; the state files are left in
// place for the next start to reclaim.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	stale, err := s.pidFile.Acquire(os.Getpid())
	if err != nil {
		s.setState(StateStopped)
		return err
	}
	if stale != 0 {
		s.logger.Warn("cleared stale PID file",
			log.Int("stale_pid", stale))
		s.record(audit.SecurityEvent("stale_pid_cleared", map[string]any{
			"stale_pid": stale,
		}))
	}

	if err := s.verifyIntegrityAtBoot(); err != nil {
		s.bootCleanup()
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.startedAt = now
	for _, ch := range s.channels {
		s.running[ch.Name()] = struct{}{}
	}
	s.mu.Unlock()
	s.writeStatus(now)

	if s.cfg.Daemon.HealthAddr != "" {
		hs, err := newHealthServer(s.cfg.Daemon.HealthAddr, s)
		if err != nil {
			s.bootCleanup()
			return fmt.Errorf("failed to start health listener: %w", err)
		}
		s.health = hs
		s.health.Start()
	}

	if s.cfg.Security.Watch && s.monitor.BaselineExists() {
		w, err := integrity.NewWatcher(s.monitor, s.logger)
		if err != nil {
			s.logger.Warn("integrity watch unavailable", log.Error(err))
		} else {
			w.Start()
			s.watcher = w
		}
	}

	s.setState(StateRunning)
	s.logger.Info("warden daemon running",
		log.String("version", s.opts.Version),
		log.Int("pid", os.Getpid()),
		log.Int("channels", len(s.channels)))
	s.record(audit.SecurityEvent("daemon_started", map[string]any{
		"version": s.opts.Version,
		"pid":     os.Getpid(),
	}))

	// Channels get a context that outlives the drain so in-flight work
	// is not canceled out from under the handler.
	chCtx, chCancel := context.WithCancel(ctx)
	defer chCancel()
	for _, ch := range s.channels {
		go s.runChannel(chCtx, ch)
	}

	heartbeat := s.clock.NewTicker(s.cfg.Daemon.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := s.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-s.shutdownCh:
			return s.drain()
		case now := <-heartbeat.C():
			s.heartbeat(now)
		case now := <-sweep.C():
			s.limiter.Sweep(now, ratelimit.DefaultIdleGrace)
			metrics.SetTrackedUsers(s.limiter.Size())
		}
	}
}

// Submit admits one unit of work through rate limiting and sanitization,
// runs the handler, and records the audit trail. It is safe for
// concurrent use by multiple channels.
func (s *Supervisor) Submit(ctx context.Context, w Work) (Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
	case StateDraining:
		s.mu.Unlock()
		return Result{}, ErrDraining
	default:
		s.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	// Registered under the state lock so drain cannot begin waiting
	// between the state check and the Add.
	s.sessions.Add(1)
	s.mu.Unlock()

	s.active.Add(1)
	metrics.SessionStarted()
	defer func() {
		s.active.Add(-1)
		metrics.SessionFinished()
		s.sessions.Done()
	}()

	if w.SessionKey == "" {
		w.SessionKey = uuid.New().String()
	}
	actor := audit.Actor{UserID: w.UserID, Channel: w.Channel, SessionKey: w.SessionKey}
	logger := log.WithSession(s.logger, w.SessionKey, w.UserID, w.Channel)

	decision := s.limiter.Check(w.UserID, s.clock.Now())
	if !decision.Allowed {
		s.record(audit.RateLimited(actor, string(decision.Reason)))
		metrics.RecordRequest(metrics.DecisionRateLimited)
		logger.Warn("work rate limited",
			log.String("reason", decision.Reason.String()),
			log.Int("window_count", decision.WindowCount))
		return Result{SessionKey: w.SessionKey}, fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason.String())
	}

	if w.Tool != nil {
		res := sanitize.Params(w.Tool.Params, s.sanOpts)
		if !res.Safe {
			s.record(audit.AccessDenied(actor, w.Tool.Name, res.BlockedReason))
			metrics.RecordRequest(metrics.DecisionInputRejected)
			logger.Warn("tool input blocked",
				log.String("tool", w.Tool.Name),
				log.String("reason", res.BlockedReason))
			return Result{SessionKey: w.SessionKey}, fmt.Errorf("%w: %s", ErrInputRejected, res.BlockedReason)
		}
		for _, f := range res.Warnings {
			logger.Warn("suspicious tool input",
				log.String("tool", w.Tool.Name),
				log.String("rule", f.Rule),
				log.String("detail", f.Detail))
		}
		s.record(audit.ToolCall(actor, w.Tool.Name, w.Tool.Params))
	}
	metrics.RecordRequest(metrics.DecisionAllowed)
	log.Trace(logger, "work admitted", log.String("channel", w.Channel))

	result, err := s.opts.Handler(ctx, w)
	result.SessionKey = w.SessionKey

	if w.Tool != nil {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		s.record(audit.ToolResult(actor, w.Tool.Name, err == nil, detail))
	}
	return result, err
}

// drain refuses new work, waits for in-flight sessions up to the drain
// timeout, and tears the daemon down. On timeout the PID marker and
// status record are deliberately left behind.
func (s *Supervisor) drain() error {
	s.setState(StateDraining)
	s.logger.Info("graceful shutdown initiated",
		log.Int64("active_sessions", s.active.Load()))

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("failed to stop integrity watcher", log.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	var drainErr error
	deadline := s.clock.NewTicker(s.cfg.Daemon.DrainTimeout)
	defer deadline.Stop()
	select {
	case <-done:
		s.logger.Info("all sessions completed during drain")
	case <-deadline.C():
		remaining := s.active.Load()
		s.logger.Warn("drain timeout exceeded",
			log.Int64("remaining_sessions", remaining),
			log.Duration("drain_timeout", s.cfg.Daemon.DrainTimeout.Milliseconds()))
		drainErr = fmt.Errorf("%w: %d session(s) still active", ErrDrainTimeout, remaining)
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	s.record(audit.SecurityEvent("daemon_stopped", map[string]any{
		"clean": drainErr == nil,
	}))
	if err := s.audit.Close(); err != nil {
		s.logger.Warn("failed to flush audit log", log.Error(err))
	}

	if drainErr == nil {
		if err := s.statusFile.Remove(); err != nil {
			s.logger.Warn("failed to remove status file", log.Error(err))
		}
		if err := s.pidFile.Remove(); err != nil {
			s.logger.Warn("failed to remove PID file", log.Error(err))
		}
	}

	s.setState(StateStopped)
	s.logger.Info("warden daemon stopped")
	return drainErr
}

// verifyIntegrityAtBoot checks monitored files against the baseline.
// Violations are logged and audited through the monitor callback; they
// abort the boot only when abort_on_violation is set.
func (s *Supervisor) verifyIntegrityAtBoot() error {
	if !s.monitor.BaselineExists() {
		s.logger.Debug("no integrity baseline, skipping verification")
		return nil
	}
	violations, err := s.monitor.Verify()
	if err != nil {
		return fmt.Errorf("integrity verification failed: %w", err)
	}
	if len(violations) == 0 {
		s.logger.Info("integrity baseline verified")
		return nil
	}
	if s.cfg.Security.AbortOnViolation {
		return fmt.Errorf("refusing to start: %d integrity violation(s) detected", len(violations))
	}
	s.logger.Warn("continuing despite integrity violations",
		log.Int("violations", len(violations)))
	return nil
}

// bootCleanup unwinds a failed boot: state files are removed because no
// daemon is left behind to own them, and audited boot events are flushed.
func (s *Supervisor) bootCleanup() {
	if err := s.audit.Close(); err != nil {
		s.logger.Warn("failed to flush audit log", log.Error(err))
	}
	if err := s.statusFile.Remove(); err != nil {
		s.logger.Warn("failed to remove status file", log.Error(err))
	}
	if err := s.pidFile.Remove(); err != nil {
		s.logger.Warn("failed to remove PID file", log.Error(err))
	}
	s.setState(StateStopped)
}

func (s *Supervisor) runChannel(ctx context.Context, ch Channel) {
	name := ch.Name()
	logger := s.logger.With(log.String("channel", name))
	logger.Info("channel started")

	err := ch.Run(ctx, s.Submit)

	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("channel terminated", log.Error(err))
		return
	}
	logger.Info("channel stopped")
}

// heartbeat rewrites the status record and runs the periodic maintenance
// that rides on it.
func (s *Supervisor) heartbeat(now time.Time) {
	s.writeStatus(now)
	if s.opts.LogWriter != nil {
		if err := s.opts.LogWriter.RotateIfOversize(); err != nil {
			s.logger.Warn("log rotation failed", log.Error(err))
		}
	}
	degraded, buffered := s.audit.Health()
	metrics.SetAuditHealth(degraded, buffered)
}

// writeStatus rewrites the status record. Failures are logged and
// otherwise ignored; a stale status record must never take the daemon
// down.
func (s *Supervisor) writeStatus(now time.Time) {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	st := lifecycle.DaemonStatus{
		PID:            os.Getpid(),
		StartedAt:      startedAt,
		LastHeartbeat:  now,
		Version:        s.opts.Version,
		ActiveChannels: s.activeChannels(),
		ActiveSessions: int(s.active.Load()),
	}
	if err := s.statusFile.Write(st); err != nil {
		s.logger.Warn("failed to write status file", log.Error(err))
	}
	metrics.SetHeartbeat(now)
}

// activeChannels returns the names of channels currently running, sorted
// for stable status output.
func (s *Supervisor) activeChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// record writes an audit entry and counts it.
func (s *Supervisor) record(e audit.Entry) {
	s.audit.Record(e)
	metrics.RecordAuditEntry(string(e.Kind))
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
