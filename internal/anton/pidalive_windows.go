//go:build windows

package anton

import "os"

// pidAlive reports whether pid refers to a live process. Windows has no
// signal-0 equivalent via os.Process, so FindProcess succeeding is treated
// as "alive" (FindProcess on Windows does verify the process exists).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
