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

package shared

import "errors"

// Error codes for structured JSON output
const (
	// Configuration errors (E001-E099)
	ErrorCodeInvalidConfig  = "E001" // Invalid configuration file
	ErrorCodeConfigNotFound = "E002" // Config file not found

	// Daemon errors (E100-E199)
	ErrorCodeDaemonNotRunning     = "E101" // Daemon not running
	ErrorCodeDaemonAlreadyRunning = "E102" // Daemon already running
	ErrorCodeDaemonUnhealthy      = "E103" // Daemon running but unhealthy
	ErrorCodeDaemonStartFailed    = "E104" // Daemon failed to start

	// Security errors (E200-E299)
	ErrorCodeBaselineMissing    = "E201" // Integrity baseline not initialized
	ErrorCodeIntegrityViolation = "E202" // Integrity verification failed
	ErrorCodeAuditUnavailable   = "E203" // Audit records unreadable

	// Service errors (E300-E399)
	ErrorCodeServiceUnsupported = "E301" // No supported service manager
	ErrorCodeServiceFailed      = "E302" // Service manager command failed

	// Resource errors (E400-E499)
	ErrorCodeNotFound = "E401" // Resource not found
	ErrorCodeInternal = "E402" // Internal error
)

// ErrorCodeForError maps an error to a stable JSON error code
func ErrorCodeForError(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitConfigError {
		return ErrorCodeInvalidConfig
	}
	return ErrorCodeInternal
}
