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

// Package ratelimit provides per-user admission control using two
// overlapping sliding windows: a long window that bounds sustained load
// and a short burst window that catches rapid-fire abuse the long
// window would average away.
package ratelimit

import (
	"sync"
	"time"
)

// Config contains rate limiting configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// MaxRequests is the number of requests allowed inside the long window.
	MaxRequests int

	// WindowSeconds is the span of the long window.
	WindowSeconds int

	// BurstLimit is the number of requests allowed inside the burst window.
	BurstLimit int

	// BurstWindowSeconds is the span of the burst window.
	BurstWindowSeconds int
}

// DefaultConfig returns the built-in limits: 30 requests per 60s with
// bursts capped at 5 per 5s.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxRequests:        30,
		WindowSeconds:      60,
		BurstLimit:         5,
		BurstWindowSeconds: 5,
	}
}

// DefaultIdleGrace is how long past the long window a user may sit idle
// before Sweep reclaims the window.
const DefaultIdleGrace = 5 * time.Minute

// DenyReason identifies which window rejected a request.
type DenyReason string

const (
	// DenyBurst means the burst window was full.
	DenyBurst DenyReason = "burst_limit"

	// DenyWindow means the long window was full.
	DenyWindow DenyReason = "window_limit"
)

// String returns a human-readable denial reason.
func (r DenyReason) String() string {
	switch r {
	case DenyBurst:
		return "burst limit exceeded"
	case DenyWindow:
		return "request limit exceeded"
	default:
		return string(r)
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Reason identifies the denying window. Empty when allowed.
	Reason DenyReason

	// WindowCount is the number of admitted events currently inside the
	// long window, including this one when admitted.
	WindowCount int

	// BurstCount is the number of admitted events currently inside the
	// burst window, including this one when admitted.
	BurstCount int
}

// userWindow holds one user's admitted event timestamps. The slice is
// ordered oldest-first and never contains a timestamp older than the
// long window; pruning happens lazily on each check.
type userWindow struct {
	events   []time.Time
	lastSeen time.Time
}

// Limiter provides per-user sliding-window rate limiting.
type Limiter struct {
	mu     sync.RWMutex
	users  map[string]*userWindow
	config Config
	window time.Duration
	burst  time.Duration
}

// New creates a new limiter, filling zero config values with defaults.
func New(cfg Config) *Limiter {
	defaults := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = defaults.WindowSeconds
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = defaults.BurstLimit
	}
	if cfg.BurstWindowSeconds <= 0 {
		cfg.BurstWindowSeconds = defaults.BurstWindowSeconds
	}

	return &Limiter{
		users:  make(map[string]*userWindow),
		config: cfg,
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		burst:  time.Duration(cfg.BurstWindowSeconds) * time.Second,
	}
}

// Check decides whether a request from userID at time now is admitted.
// Denied requests are not recorded and do not consume window capacity.
// The burst window is tested first: it is the tighter constraint and
// yields the clearer denial reason.
func (l *Limiter) Check(userID string, now time.Time) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true}
	}

	if userID == "" {
		// Unidentified callers share one window
		userID = "_anonymous_"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	uw, ok := l.users[userID]
	if !ok {
		uw = &userWindow{}
		l.users[userID] = uw
	}
	uw.lastSeen = now

	// Prune events that fell out of the long window
	cutoff := now.Add(-l.window)
	uw.events = pruneBefore(uw.events, cutoff)

	burstCount := countAfter(uw.events, now.Add(-l.burst))

	if burstCount >= l.config.BurstLimit {
		return Decision{
			Reason:      DenyBurst,
			WindowCount: len(uw.events),
			BurstCount:  burstCount,
		}
	}

	if len(uw.events) >= l.config.MaxRequests {
		return Decision{
			Reason:      DenyWindow,
			WindowCount: len(uw.events),
			BurstCount:  burstCount,
		}
	}

	uw.events = append(uw.events, now)
	return Decision{
		Allowed:     true,
		WindowCount: len(uw.events),
		BurstCount:  burstCount + 1,
	}
}

// Stats returns the current counts in both windows without mutating the
// user's state. Callers that only want to display usage use this.
func (l *Limiter) Stats(userID string, now time.Time) (windowCount, burstCount int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	uw, ok := l.users[userID]
	if !ok {
		return 0, 0
	}

	windowCount = countAfter(uw.events, now.Add(-l.window))
	burstCount = countAfter(uw.events, now.Add(-l.burst))
	return windowCount, burstCount
}

// Sweep removes windows for users idle longer than the long window plus
// grace. This bounds memory for one-time users. A swept user's events
// have all aged out of the long window already, so removal never resets
// a live count. Holding the write lock here means a sweep never races a
// concurrent Check for the same user.
func (l *Limiter) Sweep(now time.Time, grace time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for userID, uw := range l.users {
		if now.Sub(uw.lastSeen) > l.window+grace {
			delete(l.users, userID)
		}
	}
}

// Size returns the number of tracked users.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}

// Config returns the limiter's effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// pruneBefore drops leading events at or before cutoff. The slice is
// ordered, so the first retained index is found by a linear scan from
// the front.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

// countAfter counts events strictly after cutoff, scanning from the
// newest end of the ordered slice.
func countAfter(events []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}
