package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"randreply/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	name        string
	placeholder bool
	err         error
	delay       time.Duration

	mu    sync.Mutex
	sent  []domain.OutgoingReply
	calls int
}

func (f *fakeTransport) Name() string        { return f.name }
func (f *fakeTransport) IsPlaceholder() bool { return f.placeholder }

func (f *fakeTransport) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, reply)
	f.mu.Unlock()
	return nil
}

func factoryOf(t domain.Transport) Factory {
	return func(string) (domain.Transport, error) { return t, nil }
}

var (
	testReply = domain.OutgoingReply{Kind: domain.ReplyText, Content: "hello"}
	testReq   = domain.OutboundRequest{ID: "req-1", Channel: "telegram", EngineOriginated: true}
)

// --- Guard behaviour ---

func TestGuard_ConcreteTransportDelegates(t *testing.T) {
	defer goleak.VerifyNone(t)

	concrete := &fakeTransport{name: "telegram"}
	r := New(nil, time.Minute, time.Minute, testLogger())

	require.NoError(t, r.Wrap(concrete).Send(context.Background(), testReply, testReq))
	assert.Equal(t, []domain.OutgoingReply{testReply}, concrete.sent)
}

func TestGuard_SubstitutesPlaceholder(t *testing.T) {
	defer goleak.VerifyNone(t)

	placeholder := &fakeTransport{name: "telegram", placeholder: true, err: domain.ErrNotImplemented}
	concrete := &fakeTransport{name: "telegram"}
	r := New(factoryOf(concrete), time.Minute, time.Minute, testLogger())

	require.NoError(t, r.Wrap(placeholder).Send(context.Background(), testReply, testReq))
	assert.Zero(t, placeholder.calls)
	assert.Len(t, concrete.sent, 1)
}

func TestGuard_RetriesOnceOnNotImplemented(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := &fakeTransport{name: "discord", err: domain.ErrNotImplemented}
	fresh := &fakeTransport{name: "discord"}
	r := New(factoryOf(fresh), time.Minute, time.Minute, testLogger())

	require.NoError(t, r.Wrap(broken).Send(context.Background(), testReply, testReq))
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, []domain.OutgoingReply{{Kind: domain.ReplyText, Content: "hello"}}, fresh.sent)
}

func TestGuard_RetryFailureIsNotRetriedAgain(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := &fakeTransport{name: "discord", err: domain.ErrNotImplemented}
	alsoBroken := &fakeTransport{name: "discord", err: domain.ErrNotImplemented}
	r := New(factoryOf(alsoBroken), time.Minute, time.Minute, testLogger())

	err := r.Wrap(broken).Send(context.Background(), testReply, testReq)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
	assert.Equal(t, 1, alsoBroken.calls)
}

func TestGuard_OtherErrorsPropagateUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("rate limited")
	failing := &fakeTransport{name: "slack", err: boom}
	fresh := &fakeTransport{name: "slack"}
	r := New(factoryOf(fresh), time.Minute, time.Minute, testLogger())

	err := r.Wrap(failing).Send(context.Background(), testReply, testReq)
	assert.Same(t, boom, err)
	assert.Zero(t, fresh.calls)
}

func TestGuard_NoConcreteAvailable(t *testing.T) {
	defer goleak.VerifyNone(t)

	placeholder := &fakeTransport{name: "telegram", placeholder: true}
	stillPlaceholder := &fakeTransport{name: "telegram", placeholder: true}

	for _, f := range []Factory{
		nil,
		factoryOf(stillPlaceholder),
		func(string) (domain.Transport, error) { return nil, errors.New("offline") },
	} {
		r := New(f, time.Minute, time.Minute, testLogger())
		err := r.Wrap(placeholder).Send(context.Background(), testReply, testReq)
		assert.ErrorIs(t, err, domain.ErrNoTransport)
	}
	assert.Zero(t, stillPlaceholder.calls)
}

// --- Window ---

func TestGuard_ExpiredDelegatesDirectly(t *testing.T) {
	defer goleak.VerifyNone(t)

	placeholder := &fakeTransport{name: "telegram", placeholder: true, err: domain.ErrNotImplemented}
	concrete := &fakeTransport{name: "telegram"}
	r := New(factoryOf(concrete), 30*time.Second, time.Minute, testLogger())

	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }
	g := r.Wrap(placeholder)
	assert.False(t, g.Expired())

	now = now.Add(30 * time.Second)
	assert.True(t, g.Expired())

	err := g.Send(context.Background(), testReply, testReq)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
	assert.Equal(t, 1, placeholder.calls)
	assert.Zero(t, concrete.calls)
}

func TestWrap_DoesNotMutateOrStack(t *testing.T) {
	concrete := &fakeTransport{name: "telegram"}
	r := New(nil, time.Minute, time.Minute, testLogger())

	g1 := r.Wrap(concrete)
	g2 := r.Wrap(g1)
	assert.Same(t, concrete, g2.Inner())
	assert.Equal(t, "telegram", g2.Name())
}

func TestGuard_ConcurrentSendsAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	placeholder := &fakeTransport{name: "telegram", placeholder: true}
	concrete := &fakeTransport{name: "telegram"}
	r := New(factoryOf(concrete), time.Minute, time.Minute, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Wrap(placeholder).Send(context.Background(), testReply, testReq))
		}()
	}
	wg.Wait()

	concrete.mu.Lock()
	defer concrete.mu.Unlock()
	assert.Len(t, concrete.sent, 20)
	// the shared placeholder is still a placeholder afterwards
	assert.True(t, domain.IsPlaceholder(placeholder))
}

func TestGuard_SlowSendMonitorStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &fakeTransport{name: "cli", delay: 30 * time.Millisecond}
	r := New(nil, time.Minute, 10*time.Millisecond, testLogger())
	require.NoError(t, r.Wrap(slow).Send(context.Background(), testReply, testReq))
}

func TestNew_Defaults(t *testing.T) {
	r := New(nil, 0, -1, testLogger())
	assert.Equal(t, DefaultWindow, r.window)
	assert.Equal(t, DefaultMonitor, r.monitor)
}
