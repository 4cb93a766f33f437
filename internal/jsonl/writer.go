// Package jsonl appends values to and reads them from newline-delimited
// JSON files.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// maxLine bounds a single record when reading.
const maxLine = 4 * 1024 * 1024

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("jsonl writer closed")

// Writer appends one JSON record per line. Each record is written with a
// single write under an exclusive flock so concurrent processes appending
// to the same archive never interleave lines.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	sync bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithSync fsyncs the file after every record.
func WithSync() WriterOption {
	return func(w *Writer) { w.sync = true }
}

// NewWriter opens path for appending, creating it and its parent
// directories as needed.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304 - path from operator config
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := &Writer{path: path, f: f}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Append marshals v and writes it as one line.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}

	fd := int(w.f.Fd()) //nolint:gosec // G115 - file descriptors fit in int
	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", w.path, err)
	}
	defer func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }()

	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("append to %s: %w", w.path, err)
	}
	if w.sync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", w.path, err)
		}
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Each calls fn for every non-empty line of r until fn returns an error,
// ctx is done or the input ends. The slice passed to fn is only valid for
// the duration of the call.
func Each(ctx context.Context, r io.Reader, fn func(line json.RawMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// ReadAll decodes every line of the file at path into a T.
func ReadAll[T any](ctx context.Context, path string) ([]T, error) {
	f, err := os.Open(path) //nolint:gosec // G304 - path from caller
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	fd := int(f.Fd()) //nolint:gosec // G115 - file descriptors fit in int
	if err := syscall.Flock(fd, syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }()

	var out []T
	lineNo := 0
	err = Each(ctx, f, func(line json.RawMessage) error {
		lineNo++
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
