package session

import "errors"

var (
	// ErrUnreachable is returned by Connect when the given hostname,
	// the configured fallback host and the browser (if any) all fail.
	ErrUnreachable = errors.New("session: broker unreachable")
	// ErrNotConnected is returned by any operation that requires an
	// active endpoint when none exists.
	ErrNotConnected = errors.New("session: not connected")
)
