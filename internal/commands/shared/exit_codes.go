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

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/warden/pkg/errors"
)

// Exit codes for warden commands. Scripts depend on these: 0 means the
// operation succeeded, 1 means it failed, 2 means the invocation or
// configuration was wrong before anything ran.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewFailure creates an error for operations that ran and failed
func NewFailure(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewConfigError creates an error for invalid configuration or usage
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigError,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError checks if an error is an ExitError and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		// Don't print "Error:" prefix if message already starts with it
		msg := exitErr.Error()
		if len(msg) > 0 {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}

		// Check if the error (or any in the chain) implements UserVisibleError
		printUserVisibleSuggestion(err)

		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	// Check if the error implements UserVisibleError
	printUserVisibleSuggestion(err)

	os.Exit(ExitFailure)
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(err error) {
	// Walk the error chain to find a UserVisibleError
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				suggestion := userErr.Suggestion()
				if suggestion != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}

		// Continue unwrapping
		err = errors.Unwrap(err)
	}
}
