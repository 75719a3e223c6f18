package indigo

import "errors"

var (
	// ErrNotConnected is returned by non-quiet sends while the link is down.
	ErrNotConnected = errors.New("indigo: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("indigo: client closed")
	// ErrRetriesExhausted is returned by Connect after MaxRetries failed attempts.
	// The client stays disconnected until Connect is called again.
	ErrRetriesExhausted = errors.New("indigo: connection retries exhausted")
)
