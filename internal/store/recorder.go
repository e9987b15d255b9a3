package store

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"randreply/internal/bus"
	"randreply/internal/domain"
)

const (
	recorderBuffer = 256
	pruneInterval  = time.Hour
)

// Recorder copies bus events into a DecisionLog off the hot path. Events that
// arrive while the buffer is full are dropped and counted.
type Recorder struct {
	log       *DecisionLog
	retention time.Duration
	events    chan domain.DecisionRecord
	dropped   atomic.Int64
	logger    *slog.Logger
}

func NewRecorder(log *DecisionLog, retention time.Duration, logger *slog.Logger) *Recorder {
	return &Recorder{
		log:       log,
		retention: retention,
		events:    make(chan domain.DecisionRecord, recorderBuffer),
		logger:    logger,
	}
}

// Subscribe registers the recorder for decision, reply and request events and
// returns the handler id.
func (r *Recorder) Subscribe(eb *bus.EventBus) string {
	return eb.On("*", func(e bus.Event) {
		if !recorded(e.Type) {
			return
		}
		rec := domain.DecisionRecord{
			Kind:      e.Type,
			Channel:   e.Channel,
			GroupID:   e.GroupID,
			UserID:    e.UserID,
			Reason:    e.Reason,
			RequestID: e.RequestID,
			CreatedAt: e.Timestamp,
		}
		select {
		case r.events <- rec:
		default:
			r.dropped.Add(1)
		}
	})
}

func recorded(eventType string) bool {
	for _, prefix := range []string{"decision.", "reply.", "request."} {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// Dropped reports how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes buffered events and prunes expired rows until ctx is done.
// Remaining buffered events are flushed before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	r.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case rec := <-r.events:
			r.write(context.WithoutCancel(ctx), rec)
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec domain.DecisionRecord) {
	if err := r.log.LogDecision(ctx, rec); err != nil {
		r.logger.Warn("decision log write failed", "kind", rec.Kind, "err", err)
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.events:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	n, err := r.log.Prune(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("decision log prune failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("decision log pruned", "removed", n)
	}
}
