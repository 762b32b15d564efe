//go:build !unix

package discovery

import (
	"context"
	"os"
	"syscall"
)

// lockExclusive is a no-op where flock is unavailable; the re-read inside
// Claim still catches most races.
func lockExclusive(context.Context, string) (func(), error) {
	return func() {}, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
