package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"randreply/internal/domain"
)

func TestQueue_SubmitAndReceive(t *testing.T) {
	q := New(2, testEBLogger())
	require.NoError(t, q.Submit(domain.OutboundRequest{ID: "a"}))
	assert.Equal(t, 1, q.Len())

	got := <-q.Requests()
	assert.Equal(t, "a", got.ID)
}

func TestQueue_FullRefusesWithoutBlocking(t *testing.T) {
	q := New(1, testEBLogger())
	require.NoError(t, q.Submit(domain.OutboundRequest{ID: "a"}))

	err := q.Submit(domain.OutboundRequest{ID: "b"})
	assert.True(t, errors.Is(err, domain.ErrQueueFull))
}

func TestQueue_ClosedRefuses(t *testing.T) {
	q := New(4, testEBLogger())
	require.NoError(t, q.Submit(domain.OutboundRequest{ID: "a"}))
	q.Close()
	q.Close() // idempotent

	assert.ErrorIs(t, q.Submit(domain.OutboundRequest{ID: "b"}), domain.ErrBusClosed)

	// pending work drains, then the channel reports closed
	got, ok := <-q.Requests()
	assert.True(t, ok)
	assert.Equal(t, "a", got.ID)
	_, ok = <-q.Requests()
	assert.False(t, ok)
}

func TestNew_DefaultSize(t *testing.T) {
	q := New(0, testEBLogger())
	assert.Equal(t, 100, cap(q.requests))
}
