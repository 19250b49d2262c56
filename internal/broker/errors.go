package broker

import (
	"errors"
	"fmt"
)

// ErrStopsTooClose is returned by ModifyPosition when the requested
// SL/TP violates the broker stops level. Non-fatal; callers widen or skip.
var ErrStopsTooClose = errors.New("stops too close")

// ErrClientClosed is returned after Close has been called.
var ErrClientClosed = errors.New("broker client closed")

// TransientError wraps failures worth retrying: timeouts, connection
// resets, bridge 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that must not be retried: auth
// rejection, unknown symbol, invalid volume.
type PermanentError struct {
	Op   string
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
