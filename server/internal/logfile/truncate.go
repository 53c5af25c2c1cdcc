// Package logfile keeps the server's log file bounded and points process
// output at it.
package logfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Default limits for Truncate.
const (
	DefaultMaxSize  = 10 << 20 // 10 MiB
	DefaultKeepSize = 1 << 20  // 1 MiB
)

// Truncate replaces the file at path with at most its last keepSize bytes
// once it grows past maxSize. The kept tail starts at a line boundary and
// is prefixed with a marker line. A missing file is not an error.
func Truncate(path string, maxSize, keepSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= maxSize {
		return nil
	}

	tail, err := readTail(path, info.Size(), keepSize)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp log file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = fmt.Fprintf(tmp, "=== log truncated (was %d bytes, kept last %d) ===\n", info.Size(), len(tail))
	if err == nil {
		_, err = tmp.Write(tail)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write truncated log: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// readTail returns the last keep bytes of the file, minus any partial
// first line.
func readTail(path string, size, keep int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// One extra byte shows whether the tail already starts a line.
	start := max(size-keep-1, 0)
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read log tail: %w", err)
	}
	if start == 0 {
		return buf, nil
	}
	if buf[0] == '\n' {
		return buf[1:], nil
	}
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return buf[i+1:], nil
	}
	return buf[1:], nil
}
