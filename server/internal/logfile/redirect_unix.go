//go:build unix

package logfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdoutStderr points the process's stdout and stderr at path,
// appending. It works on file descriptors, so writers that captured
// os.Stdout earlier follow the redirect too.
func RedirectStdoutStderr(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, std := range []*os.File{os.Stdout, os.Stderr} {
		if err := unix.Dup2(int(f.Fd()), int(std.Fd())); err != nil {
			return fmt.Errorf("redirect %s: %w", std.Name(), err)
		}
	}
	return nil
}
