package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watchdog forces process exit when cycles stop arriving. It is the
// only mechanism allowed to terminate the process from outside the
// loop: it catches hung broker I/O that slipped past per-call timeouts.
type Watchdog struct {
	logger   *zap.Logger
	timeout  time.Duration
	onExpire func()

	mu     sync.Mutex
	lastOK time.Time
}

// NewWatchdog creates a watchdog; onExpire runs once when the timeout
// elapses without a Reset.
func NewWatchdog(logger *zap.Logger, timeout time.Duration, onExpire func()) *Watchdog {
	return &Watchdog{
		logger:   logger.Named("watchdog"),
		timeout:  timeout,
		onExpire: onExpire,
		lastOK:   time.Now(),
	}
}

// Reset marks the end of a healthy cycle.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.lastOK = time.Now()
	w.mu.Unlock()
}

// Run polls for staleness until ctx is done. It checks at a quarter of
// the timeout so a hang is caught promptly without busy-waiting.
func (w *Watchdog) Run(ctx context.Context) error {
	interval := w.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.mu.Lock()
			stale := time.Since(w.lastOK)
			w.mu.Unlock()
			if stale > w.timeout {
				w.logger.Error("watchdog expired, terminating",
					zap.Duration("stale", stale),
					zap.Duration("timeout", w.timeout),
				)
				w.onExpire()
				return nil
			}
		}
	}
}
