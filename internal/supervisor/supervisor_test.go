package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/pkg/security/audit"
	"github.com/tombee/warden/pkg/security/integrity"
)

// fakeTicker delivers only the ticks the test fires.
type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

// fakeClock drives supervisor time. Tickers are keyed by interval, so
// tests pick them out by the configured durations.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]*fakeTicker
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start, tickers: make(map[time.Duration]*fakeTicker)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers[d] = t
	return t
}

// Fire delivers one tick on the ticker with the given interval, waiting
// for the supervisor to create it first.
func (c *fakeClock) Fire(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		tk, ok := c.tickers[d]
		now := c.now
		c.mu.Unlock()
		if ok {
			tk.ch <- now
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no ticker with interval %v was created", d)
		}
		time.Sleep(time.Millisecond)
	}
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.StateDir = t.TempDir()
	cfg.Daemon.HealthAddr = ""
	cfg.Daemon.HeartbeatInterval = 5 * time.Second
	cfg.Daemon.DrainTimeout = 30 * time.Second
	return cfg
}

func echoHandler(ctx context.Context, w Work) (Result, error) {
	return Result{Output: "echo:" + w.Payload}, nil
}

// startSupervisor boots a supervisor on a fake clock and returns once it
// is running. The returned channel carries Run's result.
func startSupervisor(t *testing.T, cfg *config.Config, opts Options) (*Supervisor, *fakeClock, chan error) {
	t.Helper()
	clk := newFakeClock(testStart)
	if opts.Clock == nil {
		opts.Clock = clk
	}
	if opts.Handler == nil {
		opts.Handler = echoHandler
	}
	if opts.Version == "" {
		opts.Version = "test"
	}

	sup, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- sup.Run(context.Background())
		close(done)
	}()
	waitForState(t, sup, StateRunning)

	t.Cleanup(func() {
		sup.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop during cleanup")
		}
	})
	return sup, clk, errCh
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor state = %v, want %v", sup.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readAuditEntries parses every JSONL entry written under the audit
// directory, in file then line order.
func readAuditEntries(t *testing.T, cfg *config.Config) []audit.Entry {
	t.Helper()
	dir := cfg.AuditDir(cfg.Daemon.StateDir)
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob audit dir: %v", err)
	}
	sort.Strings(files)

	var entries []audit.Entry
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var e audit.Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				t.Fatalf("unmarshal audit line %q: %v", line, err)
			}
			entries = append(entries, e)
		}
	}
	return entries
}

// entriesForSession filters audit entries by session key.
func entriesForSession(entries []audit.Entry, sessionKey string) []audit.Entry {
	var out []audit.Entry
	for _, e := range entries {
		if e.Actor.SessionKey == sessionKey {
			out = append(out, e)
		}
	}
	return out
}

func TestSupervisor_SubmitToolWork(t *testing.T) {
	cfg := testConfig(t)
	sup, _, _ := startSupervisor(t, cfg, Options{})

	res, err := sup.Submit(context.Background(), Work{
		UserID:  "alice",
		Channel: "cli",
		Payload: "read the file",
		Tool:    &ToolCall{Name: "read_file", Params: map[string]any{"path": "/tmp/notes.txt"}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Output != "echo:read the file" {
		t.Errorf("Output = %q, want %q", res.Output, "echo:read the file")
	}
	if res.SessionKey == "" {
		t.Error("expected an assigned session key")
	}

	entries := entriesForSession(readAuditEntries(t, cfg), res.SessionKey)
	if len(entries) != 2 {
		t.Fatalf("got %d session entries, want 2 (call + result)", len(entries))
	}

	call := entries[0]
	if call.Kind != audit.KindToolCall || call.Outcome != nil {
		t.Errorf("first entry = kind %q outcome %v, want tool_call intent", call.Kind, call.Outcome)
	}
	if call.Subject != "read_file" {
		t.Errorf("call subject = %q, want read_file", call.Subject)
	}
	if call.Actor.UserID != "alice" || call.Actor.Channel != "cli" {
		t.Errorf("call actor = %+v", call.Actor)
	}
	if got := call.Params["path"]; got != "/tmp/notes.txt" {
		t.Errorf("call params path = %v", got)
	}

	result := entries[1]
	if result.Kind != audit.KindToolCall || result.Outcome == nil {
		t.Fatalf("second entry = kind %q outcome %v, want tool_call completion", result.Kind, result.Outcome)
	}
	if !result.Outcome.Success {
		t.Error("result outcome should be success")
	}
}

func TestSupervisor_SubmitPlainWork(t *testing.T) {
	cfg := testConfig(t)
	sup, _, _ := startSupervisor(t, cfg, Options{})

	res, err := sup.Submit(context.Background(), Work{
		UserID:  "alice",
		Channel: "cli",
		Payload: "what time is it",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Non-tool work produces no tool audit entries.
	if entries := entriesForSession(readAuditEntries(t, cfg), res.SessionKey); len(entries) != 0 {
		t.Errorf("got %d audit entries for plain work, want 0", len(entries))
	}
}

func TestSupervisor_PreservesCallerSessionKey(t *testing.T) {
	cfg := testConfig(t)
	sup, _, _ := startSupervisor(t, cfg, Options{})

	res, err := sup.Submit(context.Background(), Work{
		UserID:     "alice",
		Channel:    "cli",
		SessionKey: "session-042",
		Tool:       &ToolCall{Name: "list_dir", Params: map[string]any{"path": "/tmp"}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.SessionKey != "session-042" {
		t.Errorf("SessionKey = %q, want session-042", res.SessionKey)
	}
}

func TestSupervisor_RateLimitsPerUser(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.MaxRequests = 10
	cfg.RateLimit.WindowSeconds = 60
	cfg.RateLimit.BurstLimit = 2
	cfg.RateLimit.BurstWindowSeconds = 60

	var handled int
	var mu sync.Mutex
	handler := func(ctx context.Context, w Work) (Result, error) {
		mu.Lock()
		handled++
		mu.Unlock()
		return Result{}, nil
	}

	sup, _, _ := startSupervisor(t, cfg, Options{Handler: handler})

	for i := 0; i < 2; i++ {
		if _, err := sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	_, err := sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third Submit error = %v, want ErrRateLimited", err)
	}

	// The denied unit never reached the handler.
	mu.Lock()
	if handled != 2 {
		t.Errorf("handler ran %d times, want 2", handled)
	}
	mu.Unlock()

	// Another user is unaffected.
	if _, err := sup.Submit(context.Background(), Work{UserID: "bob", Channel: "cli"}); err != nil {
		t.Errorf("Submit(bob) error = %v", err)
	}

	var denials []audit.Entry
	for _, e := range readAuditEntries(t, cfg) {
		if e.Kind == audit.KindRateLimited {
			denials = append(denials, e)
		}
	}
	if len(denials) != 1 {
		t.Fatalf("got %d rate_limited entries, want 1", len(denials))
	}
	if denials[0].Actor.UserID != "alice" {
		t.Errorf("denial actor = %q, want alice", denials[0].Actor.UserID)
	}
	if denials[0].Outcome == nil || denials[0].Outcome.Detail != "burst_limit" {
		t.Errorf("denial outcome = %+v, want burst_limit detail", denials[0].Outcome)
	}
}

func TestSupervisor_BlocksUnsafeToolInput(t *testing.T) {
	cfg := testConfig(t)

	handlerRan := false
	handler := func(ctx context.Context, w Work) (Result, error) {
		handlerRan = true
		return Result{}, nil
	}
	sup, _, _ := startSupervisor(t, cfg, Options{Handler: handler})

	_, err := sup.Submit(context.Background(), Work{
		UserID:  "mallory",
		Channel: "telegram",
		Tool:    &ToolCall{Name: "write_file", Params: map[string]any{"content": "data\x00binary"}},
	})
	if !errors.Is(err, ErrInputRejected) {
		t.Fatalf("Submit() error = %v, want ErrInputRejected", err)
	}
	if handlerRan {
		t.Error("handler ran on blocked input")
	}

	var denied []audit.Entry
	for _, e := range readAuditEntries(t, cfg) {
		if e.Kind == audit.KindAccessDenied {
			denied = append(denied, e)
		}
	}
	if len(denied) != 1 {
		t.Fatalf("got %d access_denied entries, want 1", len(denied))
	}
	if denied[0].Subject != "write_file" {
		t.Errorf("denied subject = %q, want write_file", denied[0].Subject)
	}
	if denied[0].Outcome == nil || denied[0].Outcome.Detail == "" {
		t.Error("denial should carry the blocking reason")
	}
}

func TestSupervisor_RejectsWhileDraining(t *testing.T) {
	cfg := testConfig(t)

	block := make(chan struct{})
	handler := func(ctx context.Context, w Work) (Result, error) {
		<-block
		return Result{Output: "done"}, nil
	}
	sup, _, errCh := startSupervisor(t, cfg, Options{Handler: handler})

	submitErr := make(chan error, 1)
	go func() {
		_, err := sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"})
		submitErr <- err
	}()
	waitFor(t, "in-flight session", func() bool { return sup.ActiveSessions() == 1 })

	sup.Shutdown()
	waitForState(t, sup, StateDraining)

	if _, err := sup.Submit(context.Background(), Work{UserID: "bob", Channel: "cli"}); !errors.Is(err, ErrDraining) {
		t.Fatalf("Submit() during drain error = %v, want ErrDraining", err)
	}

	// Releasing the in-flight session completes the drain cleanly.
	close(block)
	if err := <-submitErr; err != nil {
		t.Errorf("in-flight Submit error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v, want clean drain", err)
	}
	waitForState(t, sup, StateStopped)

	if _, err := os.Stat(config.PIDPath(cfg.Daemon.StateDir)); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed after clean drain, stat err = %v", err)
	}
	if _, err := os.Stat(config.StatusPath(cfg.Daemon.StateDir)); !os.IsNotExist(err) {
		t.Errorf("status file should be removed after clean drain, stat err = %v", err)
	}
}

func TestSupervisor_DrainTimeoutLeavesStateFiles(t *testing.T) {
	cfg := testConfig(t)

	block := make(chan struct{})
	defer close(block)
	handler := func(ctx context.Context, w Work) (Result, error) {
		<-block
		return Result{}, nil
	}
	sup, clk, errCh := startSupervisor(t, cfg, Options{Handler: handler})

	go func() {
		_, _ = sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"})
	}()
	waitFor(t, "in-flight session", func() bool { return sup.ActiveSessions() == 1 })

	sup.Shutdown()
	waitForState(t, sup, StateDraining)
	clk.Fire(t, cfg.Daemon.DrainTimeout)

	err := <-errCh
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Run() error = %v, want ErrDrainTimeout", err)
	}

	// The stuck session means the files stay behind for the next start
	// to reclaim.
	if _, err := os.Stat(config.PIDPath(cfg.Daemon.StateDir)); err != nil {
		t.Errorf("PID file should remain after drain timeout: %v", err)
	}
	if _, err := os.Stat(config.StatusPath(cfg.Daemon.StateDir)); err != nil {
		t.Errorf("status file should remain after drain timeout: %v", err)
	}
}

func TestSupervisor_RecoversStalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	pidPath := config.PIDPath(cfg.Daemon.StateDir)
	if err := os.MkdirAll(cfg.Daemon.StateDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pidPath, []byte("999999\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	startSupervisor(t, cfg, Options{})

	pf := lifecycle.NewPIDFile(pidPath)
	pid, err := pf.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("PID file contains %d, want %d", pid, os.Getpid())
	}

	var cleared bool
	for _, e := range readAuditEntries(t, cfg) {
		if e.Kind == audit.KindSecurityEvent && e.Subject == "stale_pid_cleared" {
			cleared = true
			if got := e.Params["stale_pid"]; got != float64(999999) {
				t.Errorf("stale_pid = %v, want 999999", got)
			}
		}
	}
	if !cleared {
		t.Error("expected a stale_pid_cleared audit event")
	}
}

func TestSupervisor_HeartbeatRefreshesStatus(t *testing.T) {
	cfg := testConfig(t)
	_, clk, _ := startSupervisor(t, cfg, Options{Version: "1.2.3"})

	sf := lifecycle.NewStatusFile(config.StatusPath(cfg.Daemon.StateDir))
	st, err := sf.Read()
	if err != nil {
		t.Fatalf("initial status read: %v", err)
	}
	if st.PID != os.Getpid() {
		t.Errorf("status PID = %d, want %d", st.PID, os.Getpid())
	}
	if st.Version != "1.2.3" {
		t.Errorf("status version = %q", st.Version)
	}
	if !st.LastHeartbeat.Equal(testStart) {
		t.Errorf("initial heartbeat = %v, want %v", st.LastHeartbeat, testStart)
	}

	clk.Advance(cfg.Daemon.HeartbeatInterval)
	clk.Fire(t, cfg.Daemon.HeartbeatInterval)

	want := testStart.Add(cfg.Daemon.HeartbeatInterval)
	waitFor(t, "heartbeat status write", func() bool {
		st, err := sf.Read()
		return err == nil && st.LastHeartbeat.Equal(want)
	})

	st, err = sf.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !st.StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, testStart)
	}
}

func TestSupervisor_SweepReclaimsIdleUsers(t *testing.T) {
	cfg := testConfig(t)
	sup, clk, _ := startSupervisor(t, cfg, Options{})

	if _, err := sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sup.limiter.Size() != 1 {
		t.Fatalf("limiter tracks %d users, want 1", sup.limiter.Size())
	}

	clk.Advance(10 * time.Minute)
	clk.Fire(t, sweepInterval)

	waitFor(t, "limiter sweep", func() bool { return sup.limiter.Size() == 0 })
}

type scriptedChannel struct {
	name string
	work []Work
	errc chan error
}

func (c *scriptedChannel) Name() string { return c.name }

func (c *scriptedChannel) Run(ctx context.Context, submit SubmitFunc) error {
	for _, w := range c.work {
		if _, err := submit(ctx, w); err != nil {
			c.errc <- err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type failingChannel struct{}

func (failingChannel) Name() string { return "broken" }
func (failingChannel) Run(ctx context.Context, submit SubmitFunc) error {
	return errors.New("connection refused")
}

func TestSupervisor_ChannelFeedsWork(t *testing.T) {
	cfg := testConfig(t)

	var mu sync.Mutex
	var payloads []string
	handler := func(ctx context.Context, w Work) (Result, error) {
		mu.Lock()
		payloads = append(payloads, w.Payload)
		mu.Unlock()
		return Result{}, nil
	}

	ch := &scriptedChannel{
		name: "telegram",
		work: []Work{
			{UserID: "alice", Channel: "telegram", Payload: "first"},
			{UserID: "alice", Channel: "telegram", Payload: "second"},
		},
		errc: make(chan error, 2),
	}

	clk := newFakeClock(testStart)
	sup, err := New(cfg, Options{Handler: handler, Clock: clk, Version: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.RegisterChannel(ch); err != nil {
		t.Fatalf("RegisterChannel() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	waitFor(t, "channel submissions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 2
	})

	select {
	case err := <-ch.errc:
		t.Fatalf("channel submit error = %v", err)
	default:
	}

	channels := sup.activeChannels()
	if len(channels) != 1 || channels[0] != "telegram" {
		t.Errorf("active channels = %v, want [telegram]", channels)
	}

	sup.Shutdown()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSupervisor_ChannelFailureDoesNotStopDaemon(t *testing.T) {
	cfg := testConfig(t)

	clk := newFakeClock(testStart)
	sup, err := New(cfg, Options{Handler: echoHandler, Clock: clk, Version: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.RegisterChannel(failingChannel{}); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	waitFor(t, "failed channel deregistration", func() bool {
		return len(sup.activeChannels()) == 0
	})

	// The daemon is still accepting work.
	if _, err := sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"}); err != nil {
		t.Errorf("Submit() after channel failure error = %v", err)
	}

	sup.Shutdown()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSupervisor_RegisterChannelAfterStart(t *testing.T) {
	cfg := testConfig(t)
	sup, _, _ := startSupervisor(t, cfg, Options{})

	err := sup.RegisterChannel(&scriptedChannel{name: "late"})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("RegisterChannel() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_SubmitBeforeRun(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, Options{Handler: echoHandler})
	if err != nil {
		t.Fatal(err)
	}

	_, err = sup.Submit(context.Background(), Work{UserID: "alice"})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit() error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_IntegrityAbortsBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AbortOnViolation = true

	watched := filepath.Join(cfg.Daemon.StateDir, "agent.yaml")
	if err := os.WriteFile(watched, []byte("model: opus\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Security.IntegrityFiles = []string{watched}

	mon := integrity.New(config.BaselinePath(cfg.Daemon.StateDir), cfg.Security.IntegrityFiles)
	if _, err := mon.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := os.WriteFile(watched, []byte("model: tampered\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sup, err := New(cfg, Options{Handler: echoHandler, Clock: newFakeClock(testStart)})
	if err != nil {
		t.Fatal(err)
	}

	err = sup.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "integrity") {
		t.Fatalf("Run() error = %v, want integrity abort", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("state after aborted boot = %v", sup.State())
	}

	// The failed boot leaves no PID file behind.
	if _, err := os.Stat(config.PIDPath(cfg.Daemon.StateDir)); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed after aborted boot, stat err = %v", err)
	}

	var violations []audit.Entry
	for _, e := range readAuditEntries(t, cfg) {
		if e.Kind == audit.KindSecurityEvent && e.Subject == "integrity_violation" {
			violations = append(violations, e)
		}
	}
	if len(violations) != 1 {
		t.Fatalf("got %d integrity_violation audit events, want 1", len(violations))
	}
	if got := violations[0].Params["kind"]; got != "modified" {
		t.Errorf("violation kind = %v, want modified", got)
	}
}

func TestSupervisor_IntegrityViolationNonFatalByDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AbortOnViolation = false

	watched := filepath.Join(cfg.Daemon.StateDir, "agent.yaml")
	if err := os.WriteFile(watched, []byte("model: opus\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Security.IntegrityFiles = []string{watched}

	mon := integrity.New(config.BaselinePath(cfg.Daemon.StateDir), cfg.Security.IntegrityFiles)
	if _, err := mon.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(watched, []byte("model: tampered\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sup, _, _ := startSupervisor(t, cfg, Options{})
	if sup.State() != StateRunning {
		t.Errorf("state = %v, want running despite violation", sup.State())
	}
}

func TestSupervisor_HealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.HealthAddr = "127.0.0.1:0"

	block := make(chan struct{})
	handler := func(ctx context.Context, w Work) (Result, error) {
		<-block
		return Result{}, nil
	}
	sup, _, errCh := startSupervisor(t, cfg, Options{Handler: handler, Version: "1.2.3"})

	base := "http://" + sup.health.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, body %s", resp.StatusCode, body)
	}

	var hr struct {
		Status  string `json:"status"`
		State   string `json:"state"`
		PID     int    `json:"pid"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("unmarshal healthz body %s: %v", body, err)
	}
	if hr.Status != "ok" || hr.State != "running" {
		t.Errorf("healthz = %+v", hr)
	}
	if hr.PID != os.Getpid() || hr.Version != "1.2.3" {
		t.Errorf("healthz identity = %+v", hr)
	}

	// Metrics ride the same listener.
	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(metricsBody), "warden_") {
		t.Error("metrics output missing warden_ series")
	}

	// During the drain the endpoint reports unavailable.
	go func() {
		_, _ = sup.Submit(context.Background(), Work{UserID: "alice", Channel: "cli"})
	}()
	waitFor(t, "in-flight session", func() bool { return sup.ActiveSessions() == 1 })
	sup.Shutdown()
	waitForState(t, sup, StateDraining)

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz during drain: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz during drain = %d, want 503", resp.StatusCode)
	}

	close(block)
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSupervisor_HandlerErrorAuditedAsFailure(t *testing.T) {
	cfg := testConfig(t)

	handler := func(ctx context.Context, w Work) (Result, error) {
		return Result{}, errors.New("tool exploded")
	}
	sup, _, _ := startSupervisor(t, cfg, Options{Handler: handler})

	res, err := sup.Submit(context.Background(), Work{
		UserID:  "alice",
		Channel: "cli",
		Tool:    &ToolCall{Name: "run_shell", Params: map[string]any{"command": "ls"}},
	})
	if err == nil || err.Error() != "tool exploded" {
		t.Fatalf("Submit() error = %v, want handler error", err)
	}

	entries := entriesForSession(readAuditEntries(t, cfg), res.SessionKey)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	result := entries[1]
	if result.Outcome == nil || result.Outcome.Success {
		t.Fatalf("result outcome = %+v, want failure", result.Outcome)
	}
	if result.Outcome.Detail != "tool exploded" {
		t.Errorf("result detail = %q", result.Outcome.Detail)
	}
}

func TestSupervisor_RecordsLifecycleEvents(t *testing.T) {
	cfg := testConfig(t)
	sup, _, errCh := startSupervisor(t, cfg, Options{})

	sup.Shutdown()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var started, stopped bool
	for _, e := range readAuditEntries(t, cfg) {
		if e.Kind != audit.KindSecurityEvent {
			continue
		}
		switch e.Subject {
		case "daemon_started":
			started = true
		case "daemon_stopped":
			stopped = true
			if got := e.Params["clean"]; got != true {
				t.Errorf("daemon_stopped clean = %v, want true", got)
			}
		}
	}
	if !started || !stopped {
		t.Errorf("lifecycle events: started=%v stopped=%v, want both", started, stopped)
	}
}
