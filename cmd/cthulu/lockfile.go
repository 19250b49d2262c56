package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// acquireLock takes the single-instance PID lock. A lock held by a dead
// process is reclaimed; a live holder is an error.
func acquireLock(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil && cerr != nil {
				werr = cerr
			}
			return werr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock %s: %w", path, err)
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("lock %s exists and is unreadable: %w", path, rerr)
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pidAlive(pid) {
			return fmt.Errorf("lock %s held by running pid %d", path, pid)
		}
		// Stale lock from a crashed run; reclaim and retry once.
		if rmerr := os.Remove(path); rmerr != nil {
			return fmt.Errorf("removing stale lock %s: %w", path, rmerr)
		}
	}
	return fmt.Errorf("lock %s contended", path)
}

// pidAlive probes a pid with signal 0.
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

// releaseLock removes the lock file on clean exit.
func releaseLock(path string) {
	_ = os.Remove(path)
}
