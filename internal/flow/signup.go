package flow

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// maxBusinessName bounds the business name captured at signup.
const maxBusinessName = 100

var drinkButtons = []models.Button{
	{ID: "drink_matcha", Title: "Matcha"},
	{ID: "drink_americano", Title: "Americano"},
	{ID: "drink_cappuccino", Title: "Cappuccino"},
}

type signupAux struct {
	Business string `json:"business"`
}

// SignupHandler captures the business name and hero product, then hands over to the demo.
type SignupHandler struct {
	BaseHandler
	store   store.RecordStore
	users   *store.UserRepo
	engine  *gamification.Engine
	content Content
}

// NewSignupHandler creates the signup flow.
func NewSignupHandler(d Deps) *SignupHandler {
	return &SignupHandler{store: d.Store, users: d.Users, engine: d.Engine, content: d.Content}
}

func (h *SignupHandler) Name() models.FlowName { return models.FlowSignup }

func (h *SignupHandler) Commands() []string { return []string{"SIGNUP", "SIGN UP"} }

func (h *SignupHandler) Start(ctx context.Context, t *Turn, _ string) (Result, error) {
	if err := t.Transition(ctx, models.FlowSignup, 1, nil); err != nil {
		return NotHandled, err
	}
	if err := resetDemo(ctx, h.users, h.engine, t.UserID()); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text(fmt.Sprintf("Awesome %s! Let's capture a few details so we can tailor the demo.\n\n"+
		"First up: *What's the name of your business?*", t.Name("there")))), nil
}

func (h *SignupHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowSignup
}

func (h *SignupHandler) OwnsReply(s models.ConversationState, replyID string) bool {
	return s.Is(models.FlowSignup, 2) && strings.HasPrefix(replyID, "drink_")
}

func (h *SignupHandler) HandleText(ctx context.Context, t *Turn, text string) (Result, error) {
	switch t.State.Step {
	case 1:
		name := strings.TrimSpace(text)
		if name == "" || utf8.RuneCountInString(name) > maxBusinessName {
			return Reply(models.Text("Please send your business name (up to 100 characters).")), nil
		}
		if err := t.Transition(ctx, models.FlowSignup, 2, signupAux{Business: name}); err != nil {
			return NotHandled, err
		}
		if err := h.store.Upsert(ctx, store.CollectionSignupLeads, store.Row{
			"user_id":       t.UserID(),
			"business_name": name,
			"created_at":    t.Now,
		}, "user_id"); err != nil {
			return NotHandled, fmt.Errorf("save signup lead: %w", err)
		}
		return Reply(models.Buttons(fmt.Sprintf("Nice — *%s* sounds great.\n\nWhich drink best matches your hero product?", name),
			drinkButtons...)), nil
	case 2:
		if t.IsCommand(t.Command) {
			return NotHandled, nil
		}
		return Reply(models.Buttons("Please tap one of the drinks below.", drinkButtons...)), nil
	}
	return NotHandled, nil
}

func (h *SignupHandler) HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error) {
	drink := strings.TrimPrefix(replyID, "drink_")
	known := false
	for _, b := range drinkButtons {
		known = known || b.ID == replyID
	}
	if !known {
		return NotHandled, nil
	}
	if err := t.Transition(ctx, models.FlowDemo, 1, nil); err != nil {
		return NotHandled, err
	}
	if err := h.users.SetPreferredChoice(ctx, t.UserID(), drink); err != nil {
		return NotHandled, err
	}
	return Reply(
		models.Text("Nice choice 😎 Here's your digital stamp card:"),
		models.Image(h.content.CardURL(0), ""),
		models.Text("From here, we track when your customers “stamp” their card via real orders.\n\n"+
			"To continue the demo, type *STAMP* after your 'purchase' ☕️"),
	), nil
}

// resetDemo zeroes the stamp counter and the simulated streak.
func resetDemo(ctx context.Context, users *store.UserRepo, engine *gamification.Engine, userID string) error {
	if err := users.ResetDemo(ctx, userID); err != nil {
		return err
	}
	return engine.Reset(ctx, userID, gamification.TrackDemo)
}
