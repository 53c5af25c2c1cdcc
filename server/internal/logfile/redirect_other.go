//go:build !unix

package logfile

import (
	"fmt"
	"runtime"
)

// RedirectStdoutStderr is only implemented on unix; leave LOG_FILE empty
// elsewhere.
func RedirectStdoutStderr(string) error {
	return fmt.Errorf("log file redirect not supported on %s", runtime.GOOS)
}
