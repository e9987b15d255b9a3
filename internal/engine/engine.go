// Package engine wires the gate chain, sampler, projector, sanitizer and
// resilient send into the three pipeline hooks.
package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"randreply/internal/bus"
	"randreply/internal/config"
	"randreply/internal/domain"
	"randreply/internal/metrics"
	"randreply/internal/reply"
	"randreply/internal/transport"
	"randreply/internal/trigger"
)

// SnapshotSource provides the current configuration snapshot.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// Options configures an Engine.
type Options struct {
	Config         SnapshotSource
	Dispatcher     domain.Dispatcher
	Resilient      *transport.Resilient
	Events         *bus.EventBus // optional
	Random         trigger.Source
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Engine is the random-reply plugin.
type Engine struct {
	cfg       SnapshotSource
	gate      *trigger.GateChain
	sampler   *trigger.Sampler
	projector *Projector
	resilient *transport.Resilient
	events    *bus.EventBus
	logger    *slog.Logger
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "random_reply")

	res := opts.Resilient
	if res == nil {
		res = transport.New(nil, 0, 0, logger)
	}

	return &Engine{
		cfg:       opts.Config,
		gate:      trigger.NewGateChain(logger),
		sampler:   trigger.NewSampler(opts.Random),
		projector: NewProjector(opts.Dispatcher, opts.RequestTimeout, opts.Events, logger),
		resilient: res,
		events:    opts.Events,
		logger:    logger,
	}
}

func (e *Engine) Name() string { return "random_reply" }

// Projector exposes the request projector.
func (e *Engine) Projector() *Projector { return e.projector }

// Close releases diagnostic timers.
func (e *Engine) Close() { e.projector.Close() }

// Evaluation is the outcome of running a message through the gate and sampler.
type Evaluation struct {
	Gate     trigger.GateResult
	Decision trigger.Decision
	Sampled  bool // false when the gate rejected and the sampler did not run
}

// Evaluate runs the gate chain and, if it passes, the sampler. It has no
// side effects beyond logging.
func (e *Engine) Evaluate(msg *domain.IncomingMessage, snap *config.Snapshot) Evaluation {
	res := e.gate.Evaluate(msg, snap)
	if !res.Passed() {
		return Evaluation{Gate: res}
	}
	return Evaluation{
		Gate:     res,
		Decision: e.sampler.Decide(res.KeywordTriggered, snap.Config.Trigger.Probability),
		Sampled:  true,
	}
}

// OnReceive decides whether msg is forwarded. It returns ActionStop only
// when the forwarded request was accepted by the dispatcher.
func (e *Engine) OnReceive(ctx context.Context, msg *domain.IncomingMessage) (action domain.Action) {
	defer e.recoverHook("on_receive", func() { action = domain.ActionContinue })

	metrics.MessagesTotal.Inc()
	start := time.Now()
	ev := e.Evaluate(msg, e.cfg.Snapshot())
	metrics.GateLatency.Observe(time.Since(start).Seconds())

	if !ev.Sampled {
		metrics.Rejected(string(ev.Gate.Reason)).Inc()
		e.emit(bus.EventRejected, msg, string(ev.Gate.Reason), "")
		return domain.ActionContinue
	}

	d := ev.Decision
	metrics.Forwarded(string(d.Cause), d.Forward).Inc()
	if !d.Forward {
		e.logger.Debug("random reply not triggered", "channel", msg.Channel, "session", msg.SessionID(), "draw", d.Draw)
		e.emit(bus.EventSkipped, msg, string(d.Cause), "")
		return domain.ActionContinue
	}

	req := e.projector.Build(msg, d, ev.Gate.Keyword)
	if err := e.projector.Submit(req); err != nil {
		metrics.SubmitFailures.Inc()
		e.logger.Error("forwarding failed, leaving message to the pipeline",
			"channel", msg.Channel,
			"session", req.SessionID,
			"err", err,
		)
		e.emit(bus.EventSubmitFailed, msg, err.Error(), req.ID)
		return domain.ActionContinue
	}

	e.logger.Info("random reply triggered",
		"channel", msg.Channel,
		"session", req.SessionID,
		"user", msg.UserName,
		"cause", d.Cause,
		"keyword", ev.Gate.Keyword,
		"request_id", req.ID,
	)
	e.emit(bus.EventForwarded, msg, string(d.Cause), req.ID)
	return domain.ActionStop
}

// OnDecorateReply sanitizes text replies to engine-originated requests in
// place. Other replies pass through untouched.
func (e *Engine) OnDecorateReply(ctx context.Context, r *domain.OutgoingReply, req *domain.OutboundRequest) (action domain.Action) {
	defer e.recoverHook("on_decorate_reply", func() { action = domain.ActionContinue })

	if r == nil || req == nil || !req.EngineOriginated {
		return domain.ActionContinue
	}
	e.projector.Answered(req.ID)

	if r.Kind != domain.ReplyText {
		return domain.ActionContinue
	}

	snap := e.cfg.Snapshot()
	clean := reply.NewSanitizer(snap.Config.Trigger.MaxLength).Sanitize(r.Content)
	if clean != r.Content {
		e.logger.Debug("reply sanitized", "request_id", req.ID, "before", len(r.Content), "after", len(clean))
		r.Content = clean
		metrics.RepliesSanitized.Inc()
		if e.events != nil {
			e.events.Emit(bus.Event{Type: bus.EventSanitized, Source: e.Name(), Channel: req.Channel, UserID: req.UserID, RequestID: req.ID})
		}
	}
	return domain.ActionContinue
}

// OnSendReply returns the transport to send through. Engine-originated
// replies get a resilient guard; the given transport is never modified.
func (e *Engine) OnSendReply(ctx context.Context, r *domain.OutgoingReply, req *domain.OutboundRequest, t domain.Transport) (out domain.Transport, action domain.Action) {
	defer e.recoverHook("on_send_reply", func() { out, action = t, domain.ActionContinue })

	if t == nil || req == nil || !req.EngineOriginated {
		return t, domain.ActionContinue
	}
	return e.resilient.Wrap(t), domain.ActionContinue
}

func (e *Engine) recoverHook(hook string, neutral func()) {
	if r := recover(); r != nil {
		metrics.HookPanics.Inc()
		e.logger.Error("hook panic recovered", "hook", hook, "panic", r, "stack", string(debug.Stack()))
		neutral()
	}
}

func (e *Engine) emit(kind string, msg *domain.IncomingMessage, reason, requestID string) {
	if e.events == nil {
		return
	}
	ev := bus.Event{Type: kind, Source: e.Name(), Reason: reason, RequestID: requestID}
	if msg != nil {
		ev.Channel = msg.Channel
		ev.GroupID = msg.GroupID
		ev.UserID = msg.UserID
	}
	e.events.Emit(ev)
}
