package engine

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"randreply/internal/bus"
	"randreply/internal/domain"
	"randreply/internal/trigger"
)

// Metadata keys the projector owns. Values under these keys in the original
// message are not copied, so nothing is written twice.
const (
	MetaSessionID     = "session_id"
	MetaReceiver      = "receiver"
	MetaGroupName     = "group_name"
	MetaUserID        = "user_id"
	MetaUserName      = "user_name"
	MetaIsGroup       = "is_group"
	MetaPrefixMatched = "content_prefix_matched"
	MetaNeedReply     = "need_reply"
	MetaNoMention     = "no_need_at"
	MetaEngineTrigger = "random_reply_triggered"
	MetaCause         = "random_reply_cause"
	MetaKeyword       = "random_reply_keyword"
)

var reservedMeta = map[string]struct{}{
	MetaSessionID: {}, MetaReceiver: {}, MetaGroupName: {}, MetaUserID: {}, MetaUserName: {},
	MetaIsGroup: {}, MetaPrefixMatched: {}, MetaNeedReply: {}, MetaNoMention: {},
	MetaEngineTrigger: {}, MetaCause: {}, MetaKeyword: {},
}

// Projector turns a forwarded message into an OutboundRequest and hands it
// to the dispatcher. It keeps a diagnostic timer per submitted request until
// the reply for it shows up.
type Projector struct {
	dispatcher domain.Dispatcher
	timeout    time.Duration
	events     *bus.EventBus
	logger     *slog.Logger
	now        func() time.Time

	pending sync.Map // request id -> *time.Timer
}

// NewProjector returns a Projector. A non-positive timeout disables the
// unanswered-request warning.
func NewProjector(d domain.Dispatcher, timeout time.Duration, events *bus.EventBus, logger *slog.Logger) *Projector {
	return &Projector{
		dispatcher: d,
		timeout:    timeout,
		events:     events,
		logger:     logger,
		now:        time.Now,
	}
}

// Build derives the outbound request for msg.
func (p *Projector) Build(msg *domain.IncomingMessage, d trigger.Decision, keyword string) domain.OutboundRequest {
	meta := make(map[string]string, len(msg.Metadata)+2)
	maps.Copy(meta, msg.Metadata)
	for k := range reservedMeta {
		delete(meta, k)
	}
	meta[MetaCause] = string(d.Cause)
	if keyword != "" {
		meta[MetaKeyword] = keyword
	}

	return domain.OutboundRequest{
		ID:               uuid.NewString(),
		Channel:          msg.Channel,
		Content:          msg.Content,
		SessionID:        msg.SessionID(),
		ReceiverID:       msg.GroupID,
		GroupName:        msg.GroupName,
		UserID:           msg.UserID,
		UserName:         msg.UserName,
		IsGroup:          msg.IsGroup,
		PrefixMatched:    true,
		NeedReply:        true,
		NoMention:        true,
		EngineOriginated: true,
		Metadata:         meta,
		CreatedAt:        p.now(),
	}
}

// Submit enqueues req. Ownership of req passes to the dispatcher on success.
// The timer is armed before the hand-off so a reply that arrives while
// Submit is still running finds it and cancels it.
func (p *Projector) Submit(req domain.OutboundRequest) error {
	if p.dispatcher == nil {
		return fmt.Errorf("submit %s: %w", req.ID, domain.ErrBusClosed)
	}
	p.arm(req)
	accepted := false
	defer func() {
		if !accepted {
			p.Answered(req.ID)
		}
	}()
	if err := p.dispatcher.Submit(req); err != nil {
		return fmt.Errorf("submit %s: %w", req.ID, err)
	}
	accepted = true
	return nil
}

func (p *Projector) arm(req domain.OutboundRequest) {
	if p.timeout <= 0 {
		return
	}
	id, channel, session := req.ID, req.Channel, req.SessionID
	// fire holds a short-timeout callback back until the timer is stored.
	fire := make(chan struct{})
	timer := time.AfterFunc(p.timeout, func() {
		<-fire
		if _, ok := p.pending.LoadAndDelete(id); !ok {
			return
		}
		p.logger.Warn("forwarded request still unanswered", "request_id", id, "channel", channel, "session", session, "after", p.timeout)
		if p.events != nil {
			p.events.Emit(bus.Event{Type: bus.EventUnanswered, Source: "projector", Channel: channel, RequestID: id})
		}
	})
	p.pending.Store(id, timer)
	close(fire)
}

// Answered cancels the diagnostic timer for id. Unknown ids are ignored.
func (p *Projector) Answered(id string) {
	if v, ok := p.pending.LoadAndDelete(id); ok {
		v.(*time.Timer).Stop()
	}
}

// Pending returns how many submitted requests have not been answered yet.
func (p *Projector) Pending() int {
	n := 0
	p.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops every outstanding diagnostic timer.
func (p *Projector) Close() {
	p.pending.Range(func(k, v any) bool {
		v.(*time.Timer).Stop()
		p.pending.Delete(k)
		return true
	})
}
