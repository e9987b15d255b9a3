// Package bus carries forwarded requests to the reply workers and engine
// decision events to their subscribers.
package bus

import (
	"log/slog"
	"sync"

	"randreply/internal/domain"
	"randreply/internal/metrics"
)

// Queue is a bounded, channel-backed request queue. Submit never blocks:
// a full queue refuses the request so the caller can fall back.
type Queue struct {
	requests chan domain.OutboundRequest
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a Queue holding up to size pending requests.
func New(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		requests: make(chan domain.OutboundRequest, size),
		logger:   logger,
	}
}

// Submit enqueues req without waiting.
func (q *Queue) Submit(req domain.OutboundRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return domain.ErrBusClosed
	}

	select {
	case q.requests <- req:
		metrics.QueueDepth.Set(int64(len(q.requests)))
		return nil
	default:
		q.logger.Warn("request queue full", "channel", req.Channel, "session", req.SessionID, "capacity", cap(q.requests))
		return domain.ErrQueueFull
	}
}

// Requests returns the receive side. It is closed by Close.
func (q *Queue) Requests() <-chan domain.OutboundRequest {
	return q.requests
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.requests)
}

// Close stops accepting requests. Pending ones stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.requests)
	}
}

var _ domain.Dispatcher = (*Queue)(nil)
