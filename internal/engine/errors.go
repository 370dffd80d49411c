package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("link conflict")
	ErrTransient    = errors.New("transient remote error")
	ErrAuth         = errors.New("authentication failed")
	ErrConcurrency  = errors.New("operation already running")
	ErrInvalidInput = errors.New("invalid input")
)

// LinkConflictError reports a bijection violation in the cross-reference
// store: one of the two identifiers is already linked to a different
// counterpart. It is never resolved by overwriting the existing link.
type LinkConflictError struct {
	PageID              string
	EventID             string
	ExistingCounterpart string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("link conflict: page=%s event=%s already linked to %s", e.PageID, e.EventID, e.ExistingCounterpart)
}

func (e *LinkConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RemoteError wraps a failed remote call with enough detail to decide
// whether the executor should retry it.
type RemoteError struct {
	System     string
	StatusCode int
	Message    string
	// RetryAfter is the server-suggested wait from a Retry-After header,
	// zero when the response carried none.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status=%d message=%s", e.System, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.System, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	if target == ErrTransient {
		return e.Retryable()
	}
	return false
}

// Retryable reports whether the remote failure is transient: rate limits,
// timeouts and server-side errors. Validation, permission and not-found
// responses fail immediately.
func (e *RemoteError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true // network-level failure or timeout
	case e.StatusCode == 408 || e.StatusCode == 429:
		return true
	case e.StatusCode >= 500 && e.StatusCode <= 599:
		return true
	default:
		return false
	}
}

// IsRetryable classifies an error against the taxonomy: only transient
// remote errors are retried with backoff, everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	return errors.Is(err, ErrTransient)
}
