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

package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter is an io.Writer for the daemon's operational log.
// When the log reaches maxSize the current file shifts to <path>.1,
// existing rotations shift up, and anything beyond maxRotations is
// discarded.
type RotatingWriter struct {
	mu           sync.Mutex
	path         string
	maxSize      int64
	maxRotations int
	file         *os.File
	size         int64
}

// NewRotatingWriter opens (or creates) the log at path for appending.
func NewRotatingWriter(path string, maxSize int64, maxRotations int) (*RotatingWriter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("rotating writer: max size must be positive, got %d", maxSize)
	}
	if maxRotations < 1 {
		return nil, fmt.Errorf("rotating writer: max rotations must be at least 1, got %d", maxRotations)
	}

	w := &RotatingWriter{
		path:         path,
		maxSize:      maxSize,
		maxRotations: maxRotations,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends to the log, rotating first if the file is full.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size >= w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// RotateIfOversize rotates based on the file's actual on-disk size.
// The daemon's stdout/stderr descriptor appends to the same file without
// going through Write, so the heartbeat calls this to catch growth the
// internal counter never saw.
func (w *RotatingWriter) RotateIfOversize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rotating writer: stat failed: %w", err)
	}
	if info.Size() < w.maxSize {
		w.size = info.Size()
		return nil
	}
	return w.rotate()
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0700); err != nil {
		return fmt.Errorf("rotating writer: failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("rotating writer: failed to open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("rotating writer: failed to stat log: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// rotate shifts path -> path.1 -> ... -> path.N, dropping the oldest.
// Caller holds the mutex.
func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	for i := w.maxRotations - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotating writer: failed to shift %s: %w", src, err)
		}
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotating writer: failed to rotate log: %w", err)
	}
	return w.open()
}
