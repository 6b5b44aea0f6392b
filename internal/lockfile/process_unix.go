//go:build unix

package lockfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isProcessRunning checks if a process with the given PID is running
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false // 0 would signal our process group
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
