// Package channel connects chat platforms to the pipeline. Each channel turns
// platform updates into IncomingMessage values and delivers replies as a
// domain.Transport.
package channel

import (
	"context"

	"randreply/internal/domain"
)

// Inbound receives messages produced by a channel.
type Inbound func(ctx context.Context, msg domain.IncomingMessage)

// Channel is a chat platform connection.
type Channel interface {
	domain.Transport
	// Start connects and blocks until ctx is done. ready is called once the
	// channel can deliver replies.
	Start(ctx context.Context, in Inbound, ready func()) error
}

// Base stands in for a channel that has no working connection. Every send
// fails with domain.ErrNotImplemented.
type Base struct {
	name string
}

// NewBase returns a placeholder transport for the named channel.
func NewBase(name string) *Base { return &Base{name: name} }

func (b *Base) Name() string        { return b.name }
func (b *Base) IsPlaceholder() bool { return true }

func (b *Base) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	return domain.ErrNotImplemented
}
