// Package jq evaluates jq expressions against JSON-shaped values. The
// security audit command uses it to filter and reshape audit entries.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds how long one expression may run (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds how much data one expression may process (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions under a wall-clock timeout and an
// input size ceiling. Zero limits fall back to the defaults.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor with the given limits.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Validate compiles the expression without running it, so callers can
// reject a bad filter before any records are read.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

// Execute runs the expression against data. The input may be any
// JSON-marshalable value; structs are normalized to the generic values
// gojq operates on. A single result is returned directly, multiple
// results come back as an array.
func (e *Executor) Execute(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	input, err := e.normalize(data)
	if err != nil {
		return nil, err
	}
	if expression == "" {
		return input, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []interface{}
	iter := code.RunWithContext(runCtx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize round-trips data through encoding/json, both to convert
// structs into generic JSON values and to enforce the size ceiling.
func (e *Executor) normalize(data interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	if int64(len(raw)) > e.maxInputSize {
		return nil, fmt.Errorf("input size (%d bytes) exceeds maximum (%d bytes)",
			len(raw), e.maxInputSize)
	}

	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	return out, nil
}
