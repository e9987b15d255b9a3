// Package host is the chat pipeline the engine plugs into: it dispatches
// inbound messages to plugins, routes explicit requests, and answers queued
// requests through the decorate and send hooks.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"randreply/internal/bus"
	"randreply/internal/config"
	"randreply/internal/domain"
	"randreply/internal/metrics"
)

const (
	defaultConcurrency      = 3
	defaultResponderTimeout = 60 * time.Second
)

// Plugin receives pipeline hooks. Hooks run on the caller's goroutine.
type Plugin interface {
	Name() string
	OnReceive(ctx context.Context, msg *domain.IncomingMessage) domain.Action
	OnDecorateReply(ctx context.Context, reply *domain.OutgoingReply, req *domain.OutboundRequest) domain.Action
	OnSendReply(ctx context.Context, reply *domain.OutgoingReply, req *domain.OutboundRequest, t domain.Transport) (domain.Transport, domain.Action)
}

// Responder generates the reply for a request.
type Responder interface {
	Respond(ctx context.Context, req domain.OutboundRequest) (domain.OutgoingReply, error)
}

// TransportResolver returns the transport registered for a channel. It may
// return a placeholder when the channel is not connected.
type TransportResolver interface {
	Transport(name string) (domain.Transport, error)
}

// ConfigSource provides the current configuration snapshot.
type ConfigSource interface {
	Snapshot() *config.Snapshot
}

// Queue is the request queue the pipeline drains.
type Queue interface {
	domain.Dispatcher
	Requests() <-chan domain.OutboundRequest
}

// PipelineConfig holds the dependencies of a Pipeline.
type PipelineConfig struct {
	Config           ConfigSource
	Queue            Queue
	Responder        Responder
	Transports       TransportResolver
	Events           *bus.EventBus // optional
	Logger           *slog.Logger
	Concurrency      int
	ResponderTimeout time.Duration
}

// Pipeline is the host message pipeline.
type Pipeline struct {
	cfg              ConfigSource
	queue            Queue
	responder        Responder
	transports       TransportResolver
	events           *bus.EventBus
	logger           *slog.Logger
	concurrency      int
	responderTimeout time.Duration

	mu      sync.RWMutex
	plugins []Plugin
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline with no plugins.
func NewPipeline(pc PipelineConfig) *Pipeline {
	if pc.Concurrency <= 0 {
		pc.Concurrency = defaultConcurrency
	}
	if pc.ResponderTimeout <= 0 {
		pc.ResponderTimeout = defaultResponderTimeout
	}
	return &Pipeline{
		cfg:              pc.Config,
		queue:            pc.Queue,
		responder:        pc.Responder,
		transports:       pc.Transports,
		events:           pc.Events,
		logger:           pc.Logger,
		concurrency:      pc.Concurrency,
		responderTimeout: pc.ResponderTimeout,
	}
}

// Register appends a plugin. Plugins run in registration order.
func (p *Pipeline) Register(pl Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plugins = append(p.plugins, pl)
	p.logger.Info("plugin registered", "plugin", pl.Name(), "position", len(p.plugins))
}

func (p *Pipeline) snapshotPlugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Plugin(nil), p.plugins...)
}

// HandleIncoming runs the receive hooks, then normal routing unless a plugin
// stopped the message. It reports whether the message was handled.
func (p *Pipeline) HandleIncoming(ctx context.Context, msg domain.IncomingMessage) bool {
	for _, pl := range p.snapshotPlugins() {
		if p.receive(ctx, pl, &msg) == domain.ActionStop {
			p.logger.Debug("message handled by plugin", "plugin", pl.Name(), "channel", msg.Channel)
			return true
		}
	}
	return p.route(msg)
}

func (p *Pipeline) receive(ctx context.Context, pl Plugin, msg *domain.IncomingMessage) (action domain.Action) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HookPanics.Inc()
			p.logger.Error("plugin panic in receive hook", "plugin", pl.Name(), "panic", r, "stack", string(debug.Stack()))
			action = domain.ActionContinue
		}
	}()
	return pl.OnReceive(ctx, msg)
}

// route handles messages that explicitly ask for a reply: private messages,
// group messages carrying a configured prefix, and group mentions.
func (p *Pipeline) route(msg domain.IncomingMessage) bool {
	if msg.ContentType != domain.ContentText || strings.TrimSpace(msg.Content) == "" {
		return false
	}

	snap := p.cfg.Snapshot()
	content, prefixed := stripPrefix(msg.Content, snap.Config.Pipeline.GroupChatPrefix)
	if msg.IsGroup && !prefixed && !msg.Mentioned {
		return false
	}

	req := domain.OutboundRequest{
		ID:            uuid.NewString(),
		Channel:       msg.Channel,
		Content:       strings.TrimSpace(content),
		SessionID:     msg.SessionID(),
		ReceiverID:    msg.GroupID,
		GroupName:     msg.GroupName,
		UserID:        msg.UserID,
		UserName:      msg.UserName,
		IsGroup:       msg.IsGroup,
		PrefixMatched: prefixed,
		NeedReply:     true,
		NoMention:     !msg.IsGroup,
		Metadata:      msg.Metadata,
		CreatedAt:     time.Now(),
	}
	if err := p.queue.Submit(req); err != nil {
		p.logger.Error("cannot queue request", "channel", msg.Channel, "session", req.SessionID, "err", err)
		return false
	}
	return true
}

func stripPrefix(content string, prefixes []string) (string, bool) {
	for _, pre := range prefixes {
		if pre != "" && strings.HasPrefix(content, pre) {
			return strings.TrimPrefix(content, pre), true
		}
	}
	return content, false
}

// Run drains the queue with bounded concurrency until ctx is cancelled or
// the queue is closed, then waits for in-flight requests.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	requests := p.queue.Requests()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping")
			return
		case req, ok := <-requests:
			if !ok {
				p.logger.Info("request queue closed, pipeline stopping")
				return
			}
			if q, ok := p.queue.(interface{ Len() int }); ok {
				metrics.QueueDepth.Set(int64(q.Len()))
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.wg.Add(1)
			go func(r domain.OutboundRequest) {
				defer func() { <-sem; p.wg.Done() }()
				if err := p.Process(ctx, r); err != nil {
					p.logger.Error("request failed", "request_id", r.ID, "channel", r.Channel, "err", err)
				}
			}(req)
		}
	}
}

// Process answers one request: generate, decorate, pick the transport and send.
func (p *Pipeline) Process(ctx context.Context, req domain.OutboundRequest) error {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	rctx, cancel := context.WithTimeout(ctx, p.responderTimeout)
	start := time.Now()
	reply, err := p.responder.Respond(rctx, req)
	cancel()
	metrics.ResponderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}

	plugins := p.snapshotPlugins()
	for _, pl := range plugins {
		if p.decorate(ctx, pl, &reply, &req) == domain.ActionStop {
			break
		}
	}
	if strings.TrimSpace(reply.Content) == "" {
		p.logger.Info("reply empty after decoration, dropped", "request_id", req.ID, "channel", req.Channel)
		return nil
	}

	if p.transports == nil {
		return fmt.Errorf("channel %s: %w", req.Channel, domain.ErrNoTransport)
	}
	t, err := p.transports.Transport(req.Channel)
	if err != nil {
		return fmt.Errorf("channel %s: %w", req.Channel, err)
	}
	for _, pl := range plugins {
		next, action := p.sendHook(ctx, pl, &reply, &req, t)
		if next != nil {
			t = next
		}
		if action == domain.ActionStop {
			break
		}
	}

	if err := t.Send(ctx, reply, req); err != nil {
		p.emit(bus.EventSendFailed, req, err.Error())
		if errors.Is(err, domain.ErrNotImplemented) {
			return fmt.Errorf("channel %s is not connected: %w", req.Channel, err)
		}
		return fmt.Errorf("send: %w", err)
	}
	p.emit(bus.EventSent, req, "")
	p.logger.Info("reply sent", "request_id", req.ID, "channel", req.Channel, "session", req.SessionID, "engine", req.EngineOriginated)
	return nil
}

func (p *Pipeline) decorate(ctx context.Context, pl Plugin, reply *domain.OutgoingReply, req *domain.OutboundRequest) (action domain.Action) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HookPanics.Inc()
			p.logger.Error("plugin panic in decorate hook", "plugin", pl.Name(), "panic", r)
			action = domain.ActionContinue
		}
	}()
	return pl.OnDecorateReply(ctx, reply, req)
}

func (p *Pipeline) sendHook(ctx context.Context, pl Plugin, reply *domain.OutgoingReply, req *domain.OutboundRequest, t domain.Transport) (next domain.Transport, action domain.Action) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HookPanics.Inc()
			p.logger.Error("plugin panic in send hook", "plugin", pl.Name(), "panic", r)
			next, action = t, domain.ActionContinue
		}
	}()
	return pl.OnSendReply(ctx, reply, req, t)
}

func (p *Pipeline) emit(kind string, req domain.OutboundRequest, reason string) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{
		Type:      kind,
		Source:    "pipeline",
		Channel:   req.Channel,
		UserID:    req.UserID,
		Reason:    reason,
		RequestID: req.ID,
	})
}
