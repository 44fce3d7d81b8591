package conn

import "errors"

// Sentinel errors wrapping transport-level failures, so callers can
// classify with errors.Is regardless of the underlying net error.
var (
	ErrRead    = errors.New("conn: read")
	ErrWrite   = errors.New("conn: write")
	ErrFraming = errors.New("conn: framing")
	ErrClosed  = errors.New("conn: closed")
)
