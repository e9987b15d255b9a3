// Package transport hardens reply delivery against channels whose transport
// is a stand-in rather than a working connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"randreply/internal/domain"
	"randreply/internal/metrics"
)

const (
	DefaultWindow  = 30 * time.Second
	DefaultMonitor = 5 * time.Second
)

// Factory returns a concrete transport for the named channel.
type Factory func(name string) (domain.Transport, error)

// Resilient builds per-send guards. It holds no per-send state, so one
// instance is shared by every concurrent send.
type Resilient struct {
	factory Factory
	window  time.Duration
	monitor time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New returns a Resilient. Non-positive durations fall back to the defaults.
func New(factory Factory, window, monitor time.Duration, logger *slog.Logger) *Resilient {
	if window <= 0 {
		window = DefaultWindow
	}
	if monitor <= 0 {
		monitor = DefaultMonitor
	}
	return &Resilient{
		factory: factory,
		window:  window,
		monitor: monitor,
		now:     time.Now,
		logger:  logger,
	}
}

// Wrap returns a Guard for t that repairs placeholder sends until the window
// elapses. t itself is never modified.
func (r *Resilient) Wrap(t domain.Transport) *Guard {
	if g, ok := t.(*Guard); ok {
		t = g.inner
	}
	return &Guard{r: r, inner: t, expiry: r.now().Add(r.window)}
}

// Guard is a time-bounded decorator around one transport.
type Guard struct {
	r      *Resilient
	inner  domain.Transport
	expiry time.Time
}

func (g *Guard) Name() string { return g.inner.Name() }

// Inner returns the wrapped transport.
func (g *Guard) Inner() domain.Transport { return g.inner }

// Expiry returns the instant after which the guard delegates directly.
func (g *Guard) Expiry() time.Time { return g.expiry }

// Expired reports whether the repair window has closed.
func (g *Guard) Expired() bool { return !g.r.now().Before(g.expiry) }

// Send delivers reply. Inside the window a placeholder is swapped for a
// concrete transport, and an ErrNotImplemented failure is retried once with
// a minimal copy of the reply. Other errors are returned as they are.
func (g *Guard) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	name := g.inner.Name()
	start := time.Now()
	slow := time.AfterFunc(g.r.monitor, func() {
		g.r.logger.Warn("send still running", "channel", name, "request_id", req.ID, "elapsed", time.Since(start).Round(time.Millisecond))
	})
	defer slow.Stop()

	if g.Expired() {
		return g.inner.Send(ctx, reply, req)
	}

	target := g.inner
	if domain.IsPlaceholder(target) {
		concrete, err := g.concrete(name)
		if err != nil {
			return err
		}
		g.r.logger.Info("substituted concrete transport for placeholder", "channel", name, "request_id", req.ID)
		metrics.SendRecovered(name, "substitute").Inc()
		target = concrete
	}

	err := target.Send(ctx, reply, req)
	if err == nil || !errors.Is(err, domain.ErrNotImplemented) {
		return err
	}

	g.r.logger.Warn("transport send not implemented, retrying with a fresh transport", "channel", name, "request_id", req.ID)
	fresh, ferr := g.concrete(name)
	if ferr != nil {
		return fmt.Errorf("%w (retry unavailable: %v)", err, ferr)
	}
	minimal := domain.OutgoingReply{Kind: reply.Kind, Content: reply.Content}
	if err := fresh.Send(ctx, minimal, req); err != nil {
		return fmt.Errorf("retry via %s: %w", fresh.Name(), err)
	}
	metrics.SendRecovered(name, "retry").Inc()
	return nil
}

func (g *Guard) concrete(name string) (domain.Transport, error) {
	if g.r.factory == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoTransport, name)
	}
	t, err := g.r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrNoTransport, name, err)
	}
	if t == nil || domain.IsPlaceholder(t) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoTransport, name)
	}
	return t, nil
}
