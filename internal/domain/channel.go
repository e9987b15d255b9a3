package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotImplemented is returned by placeholder transports that cannot deliver anything.
	ErrNotImplemented = errors.New("transport send not implemented")
	// ErrNoTransport means no concrete transport is available for a channel.
	ErrNoTransport = errors.New("no concrete transport available")
)

// Transport delivers replies to a chat platform.
type Transport interface {
	Name() string
	Send(ctx context.Context, reply OutgoingReply, req OutboundRequest) error
}

// Placeholder is implemented by transports that stand in for a channel that
// has no working connection. IsPlaceholder reports true for such instances.
type Placeholder interface {
	IsPlaceholder() bool
}

// IsPlaceholder reports whether t is a stand-in rather than a concrete transport.
func IsPlaceholder(t Transport) bool {
	p, ok := t.(Placeholder)
	return ok && p.IsPlaceholder()
}

// Action tells the host pipeline how to proceed after a hook.
type Action int

const (
	ActionContinue Action = iota
	ActionStop
)

func (a Action) String() string {
	if a == ActionStop {
		return "stop"
	}
	return "continue"
}
