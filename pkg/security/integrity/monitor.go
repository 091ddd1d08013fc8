// Package integrity detects tampering of critical configuration files by
// comparing their content hashes against a persisted baseline.
//
// Violations are reported, never corrected: the monitor does not restore
// file content. The baseline is overwritten only by an explicit Initialize
// or a per-file UpdateHash after an authorized edit.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNoBaseline indicates Verify or UpdateHash ran before Initialize.
	ErrNoBaseline = errors.New("integrity baseline not initialized")

	// ErrNotMonitored indicates an UpdateHash target outside the baseline.
	ErrNotMonitored = errors.New("path not in integrity baseline")
)

const baselineVersion = 1

// FileRecord is the stored hash for one monitored file.
type FileRecord struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Baseline is the persisted mapping of monitored paths to their hashes.
type Baseline struct {
	Version   int                   `json:"version"`
	CreatedAt time.Time             `json:"created_at"`
	Files     map[string]FileRecord `json:"files"`
}

// ViolationKind distinguishes a changed file from a vanished one.
type ViolationKind string

const (
	ViolationModified ViolationKind = "modified"
	ViolationMissing  ViolationKind = "missing"
)

// Violation is one detected mismatch between the baseline and disk.
type Violation struct {
	Path     string        `json:"path"`
	Kind     ViolationKind `json:"kind"`
	Expected string        `json:"expected_hash"`
	Actual   string        `json:"actual_hash,omitempty"`
}

// Status summarizes the baseline for diagnostics.
type Status struct {
	Initialized bool      `json:"initialized"`
	CreatedAt   time.Time `json:"created_at"`
	FileCount   int       `json:"file_count"`
	Missing     int       `json:"missing"`
}

// Monitor hashes a configured set of files against a persisted baseline.
// Patterns support doublestar globs and a leading ~; they are expanded
// against the filesystem when the baseline is (re)built.
type Monitor struct {
	mu           sync.Mutex
	patterns     []string
	baselinePath string
	onViolation  func(Violation)
}

// New returns a monitor persisting its baseline at baselinePath.
func New(baselinePath string, patterns []string) *Monitor {
	return &Monitor{baselinePath: baselinePath, patterns: patterns}
}

// OnViolation registers a callback fired once per violation on every Verify
// call. Repeated verifies with an unresolved violation fire it again.
func (m *Monitor) OnViolation(fn func(Violation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onViolation = fn
}

// Initialize hashes every currently existing monitored file and replaces the
// baseline entirely.
func (m *Monitor) Initialize() (*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.expand()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Baseline{
		Version:   baselineVersion,
		CreatedAt: now,
		Files:     make(map[string]FileRecord, len(files)),
	}
	for _, path := range files {
		hash, size, err := hashFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("hashing %s: %w", path, err)
		}
		b.Files[path] = FileRecord{Hash: hash, Size: size, RecordedAt: now}
	}
	if err := m.save(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Verify rehashes every baseline entry and returns the mismatches. Files
// created after the baseline, monitored or not, are never violations; only a
// fresh Initialize picks them up.
func (m *Monitor) Verify() ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyLocked()
}

func (m *Monitor) verifyLocked() ([]Violation, error) {
	b, err := m.load()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(b.Files))
	for p := range b.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var violations []Violation
	for _, path := range paths {
		rec := b.Files[path]
		hash, _, err := hashFile(path)
		switch {
		case os.IsNotExist(err):
			violations = append(violations, Violation{Path: path, Kind: ViolationMissing, Expected: rec.Hash})
		case err != nil:
			return nil, fmt.Errorf("hashing %s: %w", path, err)
		case hash != rec.Hash:
			violations = append(violations, Violation{Path: path, Kind: ViolationModified, Expected: rec.Hash, Actual: hash})
		}
	}

	if m.onViolation != nil {
		for _, v := range violations {
			m.onViolation(v)
		}
	}
	return violations, nil
}

// UpdateHash rehashes a single baseline entry after an authorized edit so
// the next Verify does not re-flag it. No other entry is touched.
func (m *Monitor) UpdateHash(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.load()
	if err != nil {
		return "", err
	}
	if _, ok := b.Files[path]; !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNotMonitored)
	}
	hash, size, err := hashFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	b.Files[path] = FileRecord{Hash: hash, Size: size, RecordedAt: time.Now().UTC()}
	if err := m.save(b); err != nil {
		return "", err
	}
	return hash, nil
}

// Status reports baseline presence, size and how many monitored files are
// currently absent from disk.
func (m *Monitor) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.load()
	if errors.Is(err, ErrNoBaseline) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{Initialized: true, CreatedAt: b.CreatedAt, FileCount: len(b.Files)}
	for path := range b.Files {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			st.Missing++
		}
	}
	return st, nil
}

// Baseline loads and returns the persisted baseline.
func (m *Monitor) Baseline() (*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// BaselineExists reports whether a baseline has been initialized.
func (m *Monitor) BaselineExists() bool {
	_, err := os.Stat(m.baselinePath)
	return err == nil
}

// Reset removes the baseline. Verify returns ErrNoBaseline until the next
// Initialize.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.baselinePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MonitoredFiles returns the current filesystem expansion of the configured
// patterns.
func (m *Monitor) MonitoredFiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expand()
}

func (m *Monitor) expand() ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range m.patterns {
		p, err := expandHome(pattern)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("bad integrity pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			files = append(files, match)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (m *Monitor) load() (*Baseline, error) {
	data, err := os.ReadFile(m.baselinePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBaseline
		}
		return nil, err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing baseline %s: %w", m.baselinePath, err)
	}
	if b.Files == nil {
		b.Files = map[string]FileRecord{}
	}
	return &b, nil
}

// save writes the baseline atomically: temp file in the same directory, then
// rename over the target.
func (m *Monitor) save(b *Baseline) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.baselinePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".integrity-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), m.baselinePath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 8192))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
