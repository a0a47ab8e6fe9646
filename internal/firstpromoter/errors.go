package firstpromoter

import (
	"errors"
	"fmt"
)

// Error kinds reported by the affiliate API
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEndpoint    = errors.New("invalid url")
	ErrUnknownLogin       = errors.New("invalid credentials or url")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrFetchFailed        = errors.New("failed to fetch data")
)

// messages are shown to users on failed snapshots
var messages = map[error]string{
	ErrInvalidCredentials: "Invalid credentials",
	ErrInvalidEndpoint:    "Invalid url",
	ErrUnknownLogin:       "Invalid credentials or url",
	ErrUnauthorized:       "Unauthorized",
	ErrNotFound:           "Not found",
	ErrFetchFailed:        "Failed to fetch data",
}

// Error is a typed upstream failure. Kind is one of the sentinel errors above
// and is matched by errors.Is; Err carries the underlying cause, if any.
type Error struct {
	Op     string // login or fetch
	Kind   error
	Status int
	Err    error
}

func (e *Error) Error() string {
	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	return e.Kind.Error()
}

// Detail returns the message with the operation, status and cause attached.
func (e *Error) Detail() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err asks for a re-login
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Message returns the user-facing failure message for err. Typed upstream
// errors keep their message; anything else collapses to "Failed to fetch data".
func Message(err error) string {
	var upstreamErr *Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Error()
	}
	return messages[ErrFetchFailed]
}
