package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// DefaultProcessTimeout bounds the handling of one inbound delivery.
const DefaultProcessTimeout = 25 * time.Second

// Outcome reports what Process did with a delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
)

// Pipeline takes a normalized inbound event through dedup, routing and delivery.
type Pipeline struct {
	guard      *store.Guard
	users      *store.UserRepo
	dispatcher *Dispatcher
	gateway    messaging.Gateway
	timeout    time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithProcessTimeout overrides DefaultProcessTimeout.
func WithProcessTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPipeline wires the guard, user repository, dispatcher and gateway together.
func NewPipeline(guard *store.Guard, users *store.UserRepo, dispatcher *Dispatcher, gateway messaging.Gateway, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		guard:      guard,
		users:      users,
		dispatcher: dispatcher,
		gateway:    gateway,
		timeout:    DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one delivery. Duplicate deliveries of a message id produce no side
// effects and no sends. Errors are logged, never returned: the caller acknowledges the
// provider regardless.
func (p *Pipeline) Process(ctx context.Context, ev models.InboundEvent) Outcome {
	if err := ev.Validate(); err != nil {
		slog.Warn("Pipeline.Process: invalid event dropped", "error", err, "message_id", ev.MessageID)
		return OutcomeInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if !p.guard.Claim(ctx, ev.MessageID, ev.From) {
		return OutcomeDuplicate
	}

	user := models.User{ID: ev.From, DisplayName: ev.DisplayName}
	if err := p.users.Ensure(ctx, ev.From, ev.DisplayName); err != nil {
		slog.Error("Pipeline.Process: ensure user failed", "error", err, "user", ev.From)
	} else if u, err := p.users.Get(ctx, ev.From); err != nil {
		slog.Error("Pipeline.Process: load user failed", "error", err, "user", ev.From)
	} else if u != nil {
		user = *u
	}

	actions := p.dispatcher.Dispatch(ctx, ev, user)
	if len(actions) > 0 {
		if err := messaging.Deliver(ctx, p.gateway, ev.From, actions); err != nil {
			slog.Error("Pipeline.Process: delivery incomplete", "error", err, "user", ev.From, "actions", len(actions))
		}
	}

	if err := p.guard.MarkHandled(ctx, ev.MessageID); err != nil {
		slog.Warn("Pipeline.Process: mark handled failed", "error", err, "message_id", ev.MessageID)
	}
	slog.Info("Pipeline.Process: event handled", "message_id", ev.MessageID, "user", ev.From, "kind", ev.Kind, "actions", len(actions))
	return OutcomeProcessed
}
