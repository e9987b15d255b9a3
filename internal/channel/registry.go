package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"randreply/internal/domain"
)

const defaultReadyWait = 5 * time.Second

type entry struct {
	ch    Channel
	ready chan struct{} // closed while the channel is connected
	up    bool
}

// Registry owns the configured channels and resolves transports by name.
// A channel that is registered but not connected resolves to a Base
// placeholder.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	readyWait time.Duration
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		readyWait: defaultReadyWait,
		logger:    logger,
	}
}

// Register adds ch. A later channel with the same name replaces the earlier one.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ch.Name()] = &entry{ch: ch, ready: make(chan struct{})}
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Transport returns the connected channel, or a placeholder when it is
// registered but not connected yet.
func (r *Registry) Transport(name string) (domain.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrNoTransport, name)
	}
	if !e.up {
		return NewBase(name), nil
	}
	return e.ch, nil
}

// Factory returns the concrete channel, waiting briefly for it to connect.
// It never returns a placeholder.
func (r *Registry) Factory(name string) (domain.Transport, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var ready chan struct{}
	if ok {
		ready = e.ready
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrNoTransport, name)
	}

	timer := time.NewTimer(r.readyWait)
	defer timer.Stop()
	select {
	case <-ready:
		return e.ch, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: channel %q not connected after %s", domain.ErrNoTransport, name, r.readyWait)
	}
}

// Start runs every registered channel until ctx is done or one fails.
func (r *Registry) Start(ctx context.Context, in Inbound) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			name := e.ch.Name()
			r.logger.Info("channel starting", "channel", name)
			err := e.ch.Start(gctx, in, func() { r.markUp(name) })
			r.markDown(name)
			if err != nil {
				return fmt.Errorf("channel %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) markUp(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.up {
		return
	}
	e.up = true
	close(e.ready)
	r.logger.Info("channel connected", "channel", name)
}

func (r *Registry) markDown(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || !e.up {
		return
	}
	e.up = false
	e.ready = make(chan struct{})
	r.logger.Info("channel disconnected", "channel", name)
}
