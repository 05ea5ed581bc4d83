//go:build windows

package engine

import (
	"os"
	"os/exec"
)

// processAlive reports whether pid refers to a live process. Windows has no
// signal-0 equivalent via os.Process, so FindProcess succeeding is treated
// as "alive" (FindProcess on Windows does verify the process exists).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func setSysProcAttr(cmd *exec.Cmd) {}

func killProcGroup(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}
