//go:build !unix

package lockfile

// isProcessRunning cannot tell on this platform; the flock is authoritative.
func isProcessRunning(pid int) bool {
	return pid > 0
}
