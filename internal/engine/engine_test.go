package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"randreply/internal/bus"
	"randreply/internal/config"
	"randreply/internal/domain"
	"randreply/internal/transport"
	"randreply/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []domain.OutboundRequest
	err  error
}

func (d *recordingDispatcher) Submit(req domain.OutboundRequest) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

type panicDispatcher struct{}

func (panicDispatcher) Submit(domain.OutboundRequest) error { panic("dispatcher exploded") }

// noRNG fails the test if the sampler draws.
type noRNG struct{ t *testing.T }

func (n noRNG) IntN(int) int {
	n.t.Fatal("sampler must not draw for this configuration")
	return 0
}

func newEngine(t *testing.T, d domain.Dispatcher, src trigger.Source, mutate func(c *config.Config)) (*Engine, *bus.EventBus) {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	events := bus.NewEventBus(testLogger())
	e := New(Options{
		Config:     config.NewStaticStore(cfg, testLogger()),
		Dispatcher: d,
		Events:     events,
		Random:     src,
		Logger:     testLogger(),
	})
	t.Cleanup(e.Close)
	return e, events
}

func groupMessage(content string) *domain.IncomingMessage {
	return &domain.IncomingMessage{
		Channel:     "telegram",
		MessageID:   "m-1",
		IsGroup:     true,
		ContentType: domain.ContentText,
		Content:     content,
		GroupID:     "g-1",
		GroupName:   "Friends",
		UserID:      "u-1",
		UserName:    "alice",
		Metadata:    map[string]string{"trace": "abc", MetaSessionID: "stale", MetaNeedReply: "false"},
	}
}

// --- Concrete scenarios ---

func TestOnReceive_KeywordForwardsAndStops(t *testing.T) {
	d := &recordingDispatcher{}
	e, events := newEngine(t, d, noRNG{t}, func(c *config.Config) {
		c.Trigger.Probability = 1000
		c.Trigger.Keywords = []string{"ping"}
	})

	action := e.OnReceive(context.Background(), groupMessage("ping"))
	assert.Equal(t, domain.ActionStop, action)
	require.Len(t, d.reqs, 1)

	got := d.reqs[0]
	want := domain.OutboundRequest{
		Channel:          "telegram",
		Content:          "ping",
		SessionID:        "g-1",
		ReceiverID:       "g-1",
		GroupName:        "Friends",
		UserID:           "u-1",
		UserName:         "alice",
		IsGroup:          true,
		PrefixMatched:    true,
		NeedReply:        true,
		NoMention:        true,
		EngineOriginated: true,
		Metadata: map[string]string{
			"trace":     "abc",
			MetaCause:   string(trigger.CauseKeyword),
			MetaKeyword: "ping",
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(domain.OutboundRequest{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, got.ID)

	fwd := events.Replay(bus.EventForwarded, time.Time{})
	require.Len(t, fwd, 1)
	assert.Equal(t, got.ID, fwd[0].RequestID)
	assert.Equal(t, string(trigger.CauseKeyword), fwd[0].Reason)
}

func TestOnReceive_ZeroProbabilityMissesWithoutDraw(t *testing.T) {
	d := &recordingDispatcher{}
	e, events := newEngine(t, d, noRNG{t}, func(c *config.Config) {
		c.Trigger.Probability = 0
		c.Trigger.Keywords = []string{"ping"}
	})

	msg := groupMessage("hello there")
	ev := e.Evaluate(msg, e.cfg.Snapshot())
	require.True(t, ev.Gate.Passed())
	assert.Equal(t, trigger.CauseRandomMiss, ev.Decision.Cause)

	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), msg))
	assert.Empty(t, d.reqs)
	assert.Len(t, events.Replay(bus.EventSkipped, time.Time{}), 1)
}

func TestOnReceive_KeywordFirstTokenBeatsZeroProbability(t *testing.T) {
	d := &recordingDispatcher{}
	e, _ := newEngine(t, d, noRNG{t}, func(c *config.Config) {
		c.Trigger.Probability = 0
		c.Trigger.Keywords = []string{"weather"}
	})

	assert.Equal(t, domain.ActionStop, e.OnReceive(context.Background(), groupMessage("weather in Hanoi")))
	assert.Len(t, d.reqs, 1)
}

func TestOnReceive_RejectionContinues(t *testing.T) {
	d := &recordingDispatcher{}
	e, events := newEngine(t, d, noRNG{t}, func(c *config.Config) { c.Trigger.Probability = 1000 })

	msg := groupMessage("hello there")
	msg.Mentioned = true

	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), msg))
	assert.Empty(t, d.reqs)

	rej := events.Replay(bus.EventRejected, time.Time{})
	require.Len(t, rej, 1)
	assert.Equal(t, string(trigger.ReasonMentioned), rej[0].Reason)
}

func TestOnReceive_NilMessageContinues(t *testing.T) {
	e, _ := newEngine(t, &recordingDispatcher{}, noRNG{t}, nil)
	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), nil))
}

func TestOnReceive_SubmitFailureContinues(t *testing.T) {
	d := &recordingDispatcher{err: domain.ErrQueueFull}
	e, events := newEngine(t, d, noRNG{t}, func(c *config.Config) { c.Trigger.Probability = 1000 })

	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), groupMessage("hello there")))
	assert.Zero(t, e.Projector().Pending())
	assert.Len(t, events.Replay(bus.EventSubmitFailed, time.Time{}), 1)
}

func TestOnReceive_PanicIsContained(t *testing.T) {
	e, _ := newEngine(t, panicDispatcher{}, noRNG{t}, func(c *config.Config) { c.Trigger.Probability = 1000 })
	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), groupMessage("hello there")))
}

func TestOnReceive_ForwardedMessageIsNotReforwarded(t *testing.T) {
	d := &recordingDispatcher{}
	e, _ := newEngine(t, d, noRNG{t}, func(c *config.Config) { c.Trigger.Probability = 1000 })

	msg := groupMessage("hello there")
	msg.ForwardedByEngine = true
	assert.Equal(t, domain.ActionContinue, e.OnReceive(context.Background(), msg))
	assert.Empty(t, d.reqs)
}

func TestOnReceive_RateTracksProbability(t *testing.T) {
	d := &recordingDispatcher{}
	e, _ := newEngine(t, d, nil, func(c *config.Config) { c.Trigger.Probability = 500 })

	const trials = 10_000
	stops := 0
	for i := 0; i < trials; i++ {
		if e.OnReceive(context.Background(), groupMessage("hello there")) == domain.ActionStop {
			stops++
		}
	}
	e.Close()
	assert.InDelta(t, 0.5, float64(stops)/trials, 0.05)
}

// --- Decorate ---

func TestOnDecorateReply_SanitizesEngineReplies(t *testing.T) {
	e, events := newEngine(t, &recordingDispatcher{}, nil, func(c *config.Config) { c.Trigger.MaxLength = 10 })

	r := &domain.OutgoingReply{Kind: domain.ReplyText, Content: `  {"content":"hi"} `}
	req := &domain.OutboundRequest{ID: "r-1", EngineOriginated: true}
	assert.Equal(t, domain.ActionContinue, e.OnDecorateReply(context.Background(), r, req))
	assert.Equal(t, "hi", r.Content)
	assert.Len(t, events.Replay(bus.EventSanitized, time.Time{}), 1)

	r = &domain.OutgoingReply{Kind: domain.ReplyText, Content: "aaaaaaaaaaaaaaaaaaaa"}
	e.OnDecorateReply(context.Background(), r, req)
	assert.Equal(t, "aaaaaaa...", r.Content)
}

func TestOnDecorateReply_LeavesOtherRepliesAlone(t *testing.T) {
	e, _ := newEngine(t, &recordingDispatcher{}, nil, nil)

	r := &domain.OutgoingReply{Kind: domain.ReplyText, Content: `"quoted"`}
	e.OnDecorateReply(context.Background(), r, &domain.OutboundRequest{ID: "r-2"})
	assert.Equal(t, `"quoted"`, r.Content)

	img := &domain.OutgoingReply{Kind: domain.ReplyOther, Content: `"blob"`}
	e.OnDecorateReply(context.Background(), img, &domain.OutboundRequest{ID: "r-3", EngineOriginated: true})
	assert.Equal(t, `"blob"`, img.Content)

	assert.Equal(t, domain.ActionContinue, e.OnDecorateReply(context.Background(), nil, nil))
}

func TestOnDecorateReply_CancelsUnansweredTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDispatcher{}
	cfg := config.Defaults()
	cfg.Trigger.Probability = 1000
	e := New(Options{
		Config:         config.NewStaticStore(cfg, testLogger()),
		Dispatcher:     d,
		RequestTimeout: time.Hour,
		Logger:         testLogger(),
	})
	defer e.Close()

	require.Equal(t, domain.ActionStop, e.OnReceive(context.Background(), groupMessage("hello there")))
	assert.Equal(t, 1, e.Projector().Pending())

	req := d.reqs[0]
	e.OnDecorateReply(context.Background(), &domain.OutgoingReply{Kind: domain.ReplyText, Content: "ok"}, &req)
	assert.Zero(t, e.Projector().Pending())
}

func TestProjector_UnansweredWarningFires(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	fired := make(chan bus.Event, 1)
	events.On(bus.EventUnanswered, func(ev bus.Event) { fired <- ev })

	p := NewProjector(&recordingDispatcher{}, 10*time.Millisecond, events, testLogger())
	require.NoError(t, p.Submit(domain.OutboundRequest{ID: "late", Channel: "cli"}))

	select {
	case ev := <-fired:
		assert.Equal(t, "late", ev.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("unanswered warning did not fire")
	}
	assert.Zero(t, p.Pending())
	p.Answered("late") // already gone, must not panic
}

// answeringDispatcher replies to the request before Submit returns, the way
// a fast pipeline worker can.
type answeringDispatcher struct{ p *Projector }

func (d *answeringDispatcher) Submit(req domain.OutboundRequest) error {
	d.p.Answered(req.ID)
	return nil
}

func TestProjector_AnsweredDuringSubmitDoesNotWarn(t *testing.T) {
	defer goleak.VerifyNone(t)

	events := bus.NewEventBus(testLogger())
	var mu sync.Mutex
	var unanswered []string
	events.On(bus.EventUnanswered, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		unanswered = append(unanswered, ev.RequestID)
	})

	d := &answeringDispatcher{}
	p := NewProjector(d, 50*time.Millisecond, events, testLogger())
	d.p = p

	require.NoError(t, p.Submit(domain.OutboundRequest{ID: "fast", Channel: "cli"}))
	assert.Zero(t, p.Pending())

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, unanswered)
}

func TestProjector_FailedSubmitDisarmsTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewProjector(&recordingDispatcher{err: domain.ErrQueueFull}, time.Hour, nil, testLogger())
	err := p.Submit(domain.OutboundRequest{ID: "refused"})
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Zero(t, p.Pending())

	p = NewProjector(panicDispatcher{}, time.Hour, nil, testLogger())
	assert.Panics(t, func() { _ = p.Submit(domain.OutboundRequest{ID: "boom"}) })
	assert.Zero(t, p.Pending())
}

// --- Send ---

type placeholderTransport struct{}

func (placeholderTransport) Name() string        { return "telegram" }
func (placeholderTransport) IsPlaceholder() bool { return true }
func (placeholderTransport) Send(context.Context, domain.OutgoingReply, domain.OutboundRequest) error {
	return domain.ErrNotImplemented
}

type okTransport struct{ sent int }

func (o *okTransport) Name() string { return "telegram" }
func (o *okTransport) Send(context.Context, domain.OutgoingReply, domain.OutboundRequest) error {
	o.sent++
	return nil
}

func TestOnSendReply_WrapsEngineRequestsOnly(t *testing.T) {
	concrete := &okTransport{}
	cfg := config.Defaults()
	e := New(Options{
		Config: config.NewStaticStore(cfg, testLogger()),
		Resilient: transport.New(func(string) (domain.Transport, error) { return concrete, nil },
			time.Minute, time.Minute, testLogger()),
		Logger: testLogger(),
	})

	var base domain.Transport = placeholderTransport{}

	out, action := e.OnSendReply(context.Background(), &domain.OutgoingReply{}, &domain.OutboundRequest{}, base)
	assert.Equal(t, domain.ActionContinue, action)
	assert.Equal(t, base, out)

	out, _ = e.OnSendReply(context.Background(), &domain.OutgoingReply{}, &domain.OutboundRequest{EngineOriginated: true}, base)
	require.IsType(t, &transport.Guard{}, out)
	require.NoError(t, out.Send(context.Background(), domain.OutgoingReply{Kind: domain.ReplyText, Content: "hi"}, domain.OutboundRequest{}))
	assert.Equal(t, 1, concrete.sent)
}

func TestOnSendReply_NilTransport(t *testing.T) {
	e, _ := newEngine(t, &recordingDispatcher{}, nil, nil)
	out, action := e.OnSendReply(context.Background(), nil, &domain.OutboundRequest{EngineOriginated: true}, nil)
	assert.Nil(t, out)
	assert.Equal(t, domain.ActionContinue, action)
}

func TestProjector_SubmitWithoutDispatcher(t *testing.T) {
	p := NewProjector(nil, 0, nil, testLogger())
	err := p.Submit(domain.OutboundRequest{ID: "x"})
	assert.True(t, errors.Is(err, domain.ErrBusClosed))
}
