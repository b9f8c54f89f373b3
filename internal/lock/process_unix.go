//go:build !windows

package lock

import (
	"errors"
	"os"
	"syscall"
)

// processExists probes pid with signal 0
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	// EPERM: alive but owned by another user
	return err == nil || errors.Is(err, syscall.EPERM)
}
