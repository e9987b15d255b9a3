package domain

import "errors"

var (
	// ErrQueueFull is returned by a Dispatcher that cannot accept work without blocking.
	ErrQueueFull = errors.New("request queue full")
	// ErrBusClosed is returned once the dispatcher has been shut down.
	ErrBusClosed = errors.New("request queue closed")
)

// Dispatcher accepts outbound requests for asynchronous processing.
// Submit must not block; a non-nil error means the request was not accepted.
type Dispatcher interface {
	Submit(req OutboundRequest) error
}
