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

package errors

import "fmt"

// SecurityKind categorizes security denials.
type SecurityKind string

const (
	// KindRateLimited indicates the request exceeded a rate limit window.
	KindRateLimited SecurityKind = "rate_limited"

	// KindInputRejected indicates the input sanitizer blocked the payload.
	KindInputRejected SecurityKind = "input_rejected"

	// KindIntegrityViolation indicates a monitored file failed verification.
	KindIntegrityViolation SecurityKind = "integrity_violation"
)

// SecurityError represents a request denied by the security layer.
// It is recoverable: the request is refused, the daemon keeps running.
// Channel adapters relay UserMessage to the end user.
type SecurityError struct {
	// Kind is the denial category
	Kind SecurityKind

	// Reason is the human-readable denial reason
	Reason string

	// Hint provides actionable guidance, if any
	Hint string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("request denied (%s): %s", e.Kind, e.Reason)
}

// IsUserVisible implements UserVisibleError.
func (e *SecurityError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *SecurityError) UserMessage() string {
	switch e.Kind {
	case KindRateLimited:
		return "Too many requests. Please slow down and try again shortly."
	case KindInputRejected:
		return fmt.Sprintf("Input rejected: %s", e.Reason)
	default:
		return e.Reason
	}
}

// Suggestion implements UserVisibleError.
func (e *SecurityError) Suggestion() string { return e.Hint }

// DaemonError represents a daemon lifecycle operation that could not
// proceed: already running, not running, failed to become healthy.
type DaemonError struct {
	// Op is the lifecycle operation (start, stop, restart, status)
	Op string

	// Reason explains why the operation could not proceed
	Reason string

	// Hint provides actionable guidance, if any
	Hint string
}

// Error implements the error interface.
func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon %s: %s", e.Op, e.Reason)
}

// IsUserVisible implements UserVisibleError.
func (e *DaemonError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *DaemonError) UserMessage() string { return e.Reason }

// Suggestion implements UserVisibleError.
func (e *DaemonError) Suggestion() string { return e.Hint }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "rate_limit.max_requests")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError.
func (e *ConfigError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ConfigError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *ConfigError) Suggestion() string {
	return "Run 'warden doctor' to validate your configuration."
}
