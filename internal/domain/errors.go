package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrNoHostFound means the requested host id or key hash is not
	// present in the directory or in the live registry.
	ErrNoHostFound = errors.New("no host found")

	// ErrHostOffline means the host is registered but has no live
	// channel to the router.
	ErrHostOffline = errors.New("host offline")

	// ErrDuplicateUsername indicates a directory insert with a name
	// that already exists (case-folded).
	ErrDuplicateUsername = errors.New("duplicate username")

	// ErrUserNotFound means the referenced directory entry does not
	// exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrAccessDenied indicates failed or forbidden authentication.
	// It is deliberately opaque: unknown user, bad verifier, and
	// disabled account all map here.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoActiveSession means no user session exists that could take
	// the incoming client.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionDetached is returned when an operation requires an
	// attached UI helper but the session is detached.
	ErrSessionDetached = errors.New("session detached")

	// ErrLimitExceeded indicates a per-client or per-host concurrency
	// limit was hit.
	ErrLimitExceeded = errors.New("connection limit exceeded")

	// ErrChannelClosed is returned from sends on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// SessionError wraps an underlying error with user-session context.
type SessionError struct {
	SessionID SessionID
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != InvalidSessionID {
		return fmt.Sprintf("session %d: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
