//go:build !windows

package anton

import (
	"os"
	"syscall"
)

// pidAlive reports whether pid refers to a live process, using signal 0
// (no-op) the way daemon_manager.go checks child liveness.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
