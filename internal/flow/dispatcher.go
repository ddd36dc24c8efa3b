package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/util"
)

// DefaultMaxAttempts bounds how often an event is re-dispatched after a state conflict.
const DefaultMaxAttempts = 3

// Fixed user-facing texts used by the dispatcher itself.
const (
	ApologyText     = "Sorry, something went wrong on our side. Please try again in a moment."
	MediaHintText   = "Thanks! I wasn't expecting a photo or voice note right now. Type *HELP* to see what I can do."
	UnsupportedText = "Sorry, I can only read text, buttons, photos and voice notes."
)

// Dispatcher routes an inbound event to exactly one handler. Media goes to the first
// handler that owns it; replies go to the first handler that owns the reply id; text goes
// to interrupt commands, then the active flow, then entry commands, then help.
type Dispatcher struct {
	states      StateManager
	handlers    []Handler
	starters    map[string]Starter
	interrupts  map[string]Interrupter
	help        func(*Turn) []models.OutboundAction
	maxAttempts int
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHelp sets the reply for text no flow recognizes.
func WithHelp(help func(*Turn) []models.OutboundAction) DispatcherOption {
	return func(d *Dispatcher) { d.help = help }
}

// WithMaxAttempts sets the conflict retry bound.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatchClock sets the time source stamped on each Turn.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(states StateManager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		states:      states,
		starters:    make(map[string]Starter),
		interrupts:  make(map[string]Interrupter),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		help: func(*Turn) []models.OutboundAction {
			return []models.OutboundAction{models.Text("Sorry, I didn't understand that.")}
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler. Registration order decides ownership ties. Handlers that also
// implement Starter or Interrupter have their commands registered; a command registered
// twice panics, since that is a wiring bug.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
	if s, ok := h.(Starter); ok {
		for _, c := range s.Commands() {
			d.addStarter(c, s)
		}
	}
	if i, ok := h.(Interrupter); ok {
		d.RegisterInterrupter(i)
	}
	slog.Debug("Dispatcher.Register", "handler", h.Name())
}

// RegisterInterrupter adds commands that apply in any state.
func (d *Dispatcher) RegisterInterrupter(i Interrupter) {
	for _, c := range i.Interrupts() {
		c = util.Tokenize(c)
		if _, dup := d.interrupts[c]; dup {
			panic(fmt.Sprintf("flow: interrupt %q registered twice", c))
		}
		d.interrupts[c] = i
	}
}

func (d *Dispatcher) addStarter(command string, s Starter) {
	command = util.Tokenize(command)
	if _, dup := d.starters[command]; dup {
		panic(fmt.Sprintf("flow: entry command %q registered twice", command))
	}
	d.starters[command] = s
}

// IsCommand reports whether token is a registered entry or interrupt command.
func (d *Dispatcher) IsCommand(token string) bool {
	_, entry := d.starters[token]
	_, interrupt := d.interrupts[token]
	return entry || interrupt
}

// Dispatch routes ev and returns the actions to send. It never fails: handler errors
// and panics become an apology. State conflicts are retried from a fresh read until the
// turn has committed a transition.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent, user models.User) []models.OutboundAction {
	for attempt := 1; ; attempt++ {
		state, err := d.states.Get(ctx, ev.From)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: state read failed", "error", err, "user", ev.From)
			return []models.OutboundAction{models.Text(ApologyText)}
		}
		t := &Turn{
			Event:     ev,
			User:      user,
			State:     state,
			Now:       d.now(),
			states:    d.states,
			isCommand: d.IsCommand,
		}
		res, err := d.safeRoute(ctx, t)
		if errors.Is(err, ErrStateConflict) {
			if t.Committed() {
				slog.Warn("Dispatcher.Dispatch: state conflict after commit, not retrying", "user", ev.From, "flow", t.State.ActiveFlow, "step", t.State.Step)
			} else if attempt < d.maxAttempts {
				slog.Debug("Dispatcher.Dispatch: state conflict, retrying", "user", ev.From, "attempt", attempt)
				continue
			}
		}
		if err != nil {
			slog.Error("Dispatcher.Dispatch: handler failed", "error", err, "user", ev.From, "flow", state.ActiveFlow, "step", state.Step, "kind", ev.Kind, "attempt", attempt)
			return []models.OutboundAction{models.Text(ApologyText)}
		}
		slog.Debug("Dispatcher.Dispatch: routed", "user", ev.From, "kind", ev.Kind, "flow", t.State.ActiveFlow, "step", t.State.Step, "actions", len(res.Actions))
		return res.Actions
	}
}

func (d *Dispatcher) safeRoute(ctx context.Context, t *Turn) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.safeRoute: handler panic", "panic", r, "user", t.UserID(), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.route(ctx, t)
}

func (d *Dispatcher) route(ctx context.Context, t *Turn) (Result, error) {
	ev := t.Event
	switch {
	case ev.Kind.IsMedia():
		media := models.Media{}
		if ev.Media != nil {
			media = *ev.Media
		}
		for _, h := range d.handlers {
			if !h.OwnsMedia(t.State, ev.Kind) {
				continue
			}
			res, err := h.HandleMedia(ctx, t, media)
			if err != nil || res.Handled {
				return res, err
			}
		}
		return Reply(models.Text(MediaHintText)), nil

	case ev.Kind == models.EventInteractive:
		for _, h := range d.handlers {
			if !h.OwnsReply(t.State, ev.ReplyID) {
				continue
			}
			res, err := h.HandleInteractive(ctx, t, ev.ReplyID)
			if err != nil || res.Handled {
				return res, err
			}
		}
		slog.Info("Dispatcher.route: unclaimed reply ignored", "user", ev.From, "reply_id", ev.ReplyID, "flow", t.State.ActiveFlow)
		return Result{Handled: true}, nil

	case ev.Kind == models.EventText:
		return d.routeText(ctx, t)

	default:
		return Reply(models.Text(UnsupportedText)), nil
	}
}

func (d *Dispatcher) routeText(ctx context.Context, t *Turn) (Result, error) {
	t.Command = util.Tokenize(t.Event.Text)

	if i, ok := d.interrupts[t.Command]; ok {
		return i.Interrupt(ctx, t, t.Command)
	}

	if !t.State.IsIdle() {
		owner := d.owner(t.State)
		if owner == nil {
			slog.Warn("Dispatcher.routeText: no handler owns state", "user", t.UserID(), "flow", t.State.ActiveFlow, "step", t.State.Step)
		} else {
			res, err := owner.HandleText(ctx, t, t.Event.Text)
			if err != nil || res.Handled {
				return res, err
			}
		}
	}

	if s, ok := d.starters[t.Command]; ok {
		if !t.State.IsIdle() {
			if err := t.Finish(ctx); err != nil {
				return NotHandled, err
			}
			// nothing has run since the clear, so the entry is still safe to retry
			t.committed = false
		}
		return s.Start(ctx, t, t.Command)
	}

	return Reply(d.help(t)...), nil
}

func (d *Dispatcher) owner(state models.ConversationState) Handler {
	for _, h := range d.handlers {
		if h.OwnsState(state) {
			return h
		}
	}
	return nil
}
