package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// Handler is one conversational flow. Ownership predicates are checked by the dispatcher
// in registration order; a handler that declines (Result.Handled false) lets routing
// continue.
type Handler interface {
	Name() models.FlowName
	// OwnsState reports whether text in this state belongs to the handler.
	OwnsState(state models.ConversationState) bool
	// OwnsReply reports whether the handler answers replyID in this state.
	OwnsReply(state models.ConversationState, replyID string) bool
	// OwnsMedia reports whether the handler takes media of kind in this state.
	OwnsMedia(state models.ConversationState, kind models.EventKind) bool
	HandleText(ctx context.Context, t *Turn, text string) (Result, error)
	HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error)
	HandleMedia(ctx context.Context, t *Turn, media models.Media) (Result, error)
}

// Starter is implemented by handlers that begin on a typed entry command.
type Starter interface {
	Commands() []string
	Start(ctx context.Context, t *Turn, command string) (Result, error)
}

// Interrupter handles commands that apply in any state, before the active flow sees them.
type Interrupter interface {
	Interrupts() []string
	Interrupt(ctx context.Context, t *Turn, command string) (Result, error)
}

// Result is what a handler did with an event.
type Result struct {
	Handled bool
	Actions []models.OutboundAction
}

// Reply is a handled result carrying actions in send order.
func Reply(actions ...models.OutboundAction) Result {
	return Result{Handled: true, Actions: actions}
}

// NotHandled lets the dispatcher keep routing.
var NotHandled = Result{}

// BaseHandler declines everything; embed it and override what the flow supports.
type BaseHandler struct{}

func (BaseHandler) OwnsState(models.ConversationState) bool                 { return false }
func (BaseHandler) OwnsReply(models.ConversationState, string) bool         { return false }
func (BaseHandler) OwnsMedia(models.ConversationState, models.EventKind) bool { return false }

func (BaseHandler) HandleText(context.Context, *Turn, string) (Result, error) {
	return NotHandled, nil
}

func (BaseHandler) HandleInteractive(context.Context, *Turn, string) (Result, error) {
	return NotHandled, nil
}

func (BaseHandler) HandleMedia(context.Context, *Turn, models.Media) (Result, error) {
	return NotHandled, nil
}

// Turn carries one inbound event through routing, with the state it was read at.
type Turn struct {
	Event models.InboundEvent
	User  models.User
	State models.ConversationState
	Now   time.Time
	// Command is the tokenized text of a text event.
	Command string

	states    StateManager
	isCommand func(string) bool
	// committed is set once a transition has been stored for this turn.
	committed bool
}

// UserID returns the sender address.
func (t *Turn) UserID() string { return t.Event.From }

// Name returns the user's display name, or fallback when unknown.
func (t *Turn) Name(fallback string) string {
	if t.User.DisplayName != "" {
		return t.User.DisplayName
	}
	if t.Event.DisplayName != "" {
		return t.Event.DisplayName
	}
	return fallback
}

// Transition claims the state and moves it to (flow, step, aux). It fails with
// ErrStateConflict when another delivery changed the state first, so side effects
// belong after a successful transition.
func (t *Turn) Transition(ctx context.Context, flow models.FlowName, step int, aux any) error {
	next, err := t.states.Save(ctx, t.State, flow, step, aux)
	if err != nil {
		return err
	}
	t.State = next
	t.committed = true
	return nil
}

// Touch claims the state without moving it.
func (t *Turn) Touch(ctx context.Context) error {
	return t.Transition(ctx, t.State.ActiveFlow, t.State.Step, t.State.Aux)
}

// Finish claims the state and returns the user to idle.
func (t *Turn) Finish(ctx context.Context) error {
	if t.State.Version == 0 {
		return t.Touch(ctx)
	}
	next, err := t.states.Clear(ctx, t.State)
	if err != nil {
		return err
	}
	t.State = next
	t.committed = true
	return nil
}

// Restore moves the state back to prev after a side effect of the new step failed.
func (t *Turn) Restore(ctx context.Context, prev models.ConversationState) error {
	if prev.IsIdle() {
		return t.Finish(ctx)
	}
	return t.Transition(ctx, prev.ActiveFlow, prev.Step, prev.Aux)
}

// Reset forgets the state without a version check.
func (t *Turn) Reset(ctx context.Context) error {
	if err := t.states.Reset(ctx, t.UserID()); err != nil {
		return err
	}
	t.State = models.ConversationState{UserID: t.UserID()}
	t.committed = true
	return nil
}

// Committed reports whether this turn has stored a transition. Side effects may have
// followed it, so a later conflict must not rerun the turn.
func (t *Turn) Committed() bool { return t.committed }

// DecodeAux unmarshals the state's auxiliary payload into dst. An empty payload leaves
// dst untouched.
func (t *Turn) DecodeAux(dst any) error {
	if len(t.State.Aux) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.State.Aux, dst); err != nil {
		return fmt.Errorf("decode state aux for %s: %w", t.State.ActiveFlow, err)
	}
	return nil
}

// IsCommand reports whether token starts a flow. Steps that wait for a button use it to
// hand typed entry commands back to the dispatcher.
func (t *Turn) IsCommand(token string) bool {
	return t.isCommand != nil && t.isCommand(token)
}
