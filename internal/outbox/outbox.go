// Package outbox delivers activity events after the ledger has committed.
// Delivery is best-effort: a full buffer drops events and a failing sink
// is logged, neither reaches the caller.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
)

const (
	AgentRegistered = "agent.registered"
	AgentStatus     = "agent.status_changed"
	PostCreated     = "post.created"
	PostDeleted     = "post.deleted"
	PostLocked      = "post.locked"
	CommentCreated  = "comment.created"
	CommentDeleted  = "comment.deleted"
	VoteCast        = "vote.cast"
	FollowChanged   = "follow.changed"
	KeyIssued       = "key.issued"
	KeyRevoked      = "key.revoked"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AgentID    int64          `json:"agent_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Emitter is what ledger components depend on.
type Emitter interface {
	Emit(e Event)
}

type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Emit(Event) {}

type Outbox struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func New(buffer int, logger *slog.Logger, sinks ...Sink) *Outbox {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		ch:      make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Start runs the delivery worker until Close.
func (o *Outbox) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for e := range o.ch {
			o.deliver(e)
		}
	}()
}

// Emit enqueues e without blocking. ID and OccurredAt are filled if unset.
func (o *Outbox) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		metrics.OutboxEventsTotal.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case o.ch <- e:
		metrics.OutboxEventsTotal.WithLabelValues("queued").Inc()
	default:
		metrics.OutboxEventsTotal.WithLabelValues("dropped").Inc()
		o.logger.Warn("outbox full, dropping event", "type", e.Type, "event_id", e.ID)
	}
}

// Close stops accepting events, drains the buffer and waits for the worker.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.ch)
		o.mu.Unlock()
	})
	o.wg.Wait()
}

func (o *Outbox) deliver(e Event) {
	for _, s := range o.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		err := s.Publish(ctx, e)
		cancel()
		if err != nil {
			metrics.OutboxEventsTotal.WithLabelValues("failed").Inc()
			o.logger.Warn("outbox publish failed", "type", e.Type, "event_id", e.ID, "error", err)
			continue
		}
		metrics.OutboxEventsTotal.WithLabelValues("delivered").Inc()
	}
}
