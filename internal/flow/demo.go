package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

// demoStreakGoal is the simulated streak that completes the demo.
const demoStreakGoal = 5

// demoAux carries the simulated calendar day of the streak demo.
type demoAux struct {
	SimDay string `json:"sim_day,omitempty"`
}

const streakIntroText = "Let's test streak gamification 🔥\n\n" +
	"A streak means visiting multiple days in a row.\n\n" +
	"Send *STAMP* to make another “purchase”."

// DemoHandler runs the stamp card demo, the simulated streak, the follow-up menus, and
// real stamping for idle users.
type DemoHandler struct {
	BaseHandler
	store    store.RecordStore
	users    *store.UserRepo
	engine   *gamification.Engine
	calendar gamification.Calendar
	content  Content
}

// NewDemoHandler creates the demo flow.
func NewDemoHandler(d Deps) *DemoHandler {
	return &DemoHandler{store: d.Store, users: d.Users, engine: d.Engine, calendar: d.Calendar, content: d.Content}
}

func (h *DemoHandler) Name() models.FlowName { return models.FlowDemo }

func (h *DemoHandler) Commands() []string { return []string{"DEMO", "STAMP", "STREAK"} }

func (h *DemoHandler) Start(ctx context.Context, t *Turn, command string) (Result, error) {
	switch command {
	case "DEMO":
		return h.startDemo(ctx, t, "👋 Welcome to the WhatsApp stamp card demo.\n\n"+
			"We'll simulate a simple coffee shop:\n- Each visit = 1 stamp\n- 10 stamps = 1 free coffee\n\n"+
			"Type *STAMP* after each “visit” to see your card fill up.")
	case "STREAK":
		return h.startStreak(ctx, t)
	default:
		return h.stamp(ctx, t)
	}
}

func (h *DemoHandler) OwnsState(s models.ConversationState) bool {
	switch s.ActiveFlow {
	case models.FlowDemo, models.FlowDemoStreak, models.FlowDemoComplete, models.FlowMore:
		return true
	}
	return false
}

func (h *DemoHandler) OwnsReply(s models.ConversationState, replyID string) bool {
	switch replyID {
	case "connect_demo":
		return true
	case "more_features":
		return s.ActiveFlow == models.FlowDemoComplete
	case "more_streak", "more_dash":
		return s.ActiveFlow == models.FlowMore
	}
	return false
}

// HandleText accepts the step's keyword and re-prompts for anything else. Other entry
// commands are handed back to the dispatcher.
func (h *DemoHandler) HandleText(ctx context.Context, t *Turn, _ string) (Result, error) {
	s := t.State
	switch {
	case s.Is(models.FlowDemo, 1) && t.Command == "STAMP":
		return h.demoStamp(ctx, t)
	case s.Is(models.FlowDemoStreak, 1) && t.Command == "STREAK":
		return h.startStreak(ctx, t)
	case s.Is(models.FlowDemoStreak, 2) && t.Command == "STAMP":
		return h.streakStamp(ctx, t)
	case s.Is(models.FlowDemoComplete, 1) && t.Command == "MORE":
		return h.HandleInteractive(ctx, t, "more_features")
	case s.Is(models.FlowMore, 1) && t.Command == "DASH":
		return h.HandleInteractive(ctx, t, "more_dash")
	case t.IsCommand(t.Command):
		return NotHandled, nil
	}

	switch s.ActiveFlow {
	case models.FlowDemo:
		return Reply(models.Text("Type *STAMP* to simulate a visit.")), nil
	case models.FlowDemoStreak:
		if s.Step == 1 {
			return Reply(models.Text("Type *STREAK* to continue.")), nil
		}
		return Reply(models.Text("Send *STAMP* to make another “purchase”.")), nil
	case models.FlowDemoComplete:
		return Reply(h.completeButtons(t)), nil
	case models.FlowMore:
		return Reply(moreMenu()), nil
	}
	return NotHandled, nil
}

func (h *DemoHandler) HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error) {
	switch replyID {
	case "connect_demo":
		return h.startDemo(ctx, t, "Great — let's run the demo. Type *STAMP* to simulate a visit.")
	case "more_features":
		if err := t.Transition(ctx, models.FlowMore, 1, nil); err != nil {
			return NotHandled, err
		}
		return Reply(moreMenu()), nil
	case "more_streak":
		if err := t.Transition(ctx, models.FlowDemoStreak, 1, nil); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("We'll now simulate consecutive visits and show how streak rewards work.\n\nType *STREAK* to begin.")), nil
	case "more_dash":
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("📊 Here's a simple *demo dashboard* that could connect to your loyalty system:\n\n" + h.content.DashboardURL)), nil
	}
	return NotHandled, nil
}

func (h *DemoHandler) startDemo(ctx context.Context, t *Turn, intro string) (Result, error) {
	if err := t.Transition(ctx, models.FlowDemo, 1, nil); err != nil {
		return NotHandled, err
	}
	if err := resetDemo(ctx, h.users, h.engine, t.UserID()); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text(intro), models.Image(h.content.CardURL(0), "")), nil
}

func (h *DemoHandler) startStreak(ctx context.Context, t *Turn) (Result, error) {
	if err := t.Transition(ctx, models.FlowDemoStreak, 2, demoAux{}); err != nil {
		return NotHandled, err
	}
	if err := h.engine.Reset(ctx, t.UserID(), gamification.TrackDemo); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text(streakIntroText)), nil
}

// demoStamp adds one stamp to the demo card; a full card moves on to the streak intro.
// The next step is decided from the stored count so the turn makes a single transition.
func (h *DemoHandler) demoStamp(ctx context.Context, t *Turn) (Result, error) {
	u, err := h.users.Get(ctx, t.UserID())
	if err != nil {
		return NotHandled, err
	}
	next := 1
	if u != nil {
		next = u.VisitCount + 1
	}
	full := next >= h.content.MaxStamps
	if full {
		err = t.Transition(ctx, models.FlowDemoStreak, 1, nil)
	} else {
		err = t.Touch(ctx)
	}
	if err != nil {
		return NotHandled, err
	}

	n, err := h.addVisit(ctx, t)
	if err != nil {
		return NotHandled, err
	}
	card := models.Image(h.content.CardURL(n), "")
	if !full {
		return Reply(card, models.Text(fmt.Sprintf("Nice — you've now got *%d* stamp(s).\n\nType *STAMP* again after the next visit.", n))), nil
	}
	return Reply(card, models.Text(fmt.Sprintf("🎁 You've reached *%d stamps* — in a real system, this would unlock a free coffee or reward.\n\n"+
		"Now let's test streak-based rewards. Type *STREAK* to continue.", h.content.MaxStamps))), nil
}

// streakStamp simulates a visit on the day after the previous simulated one, so the
// real streak rules can be shown in a single sitting.
func (h *DemoHandler) streakStamp(ctx context.Context, t *Turn) (Result, error) {
	var aux demoAux
	if err := t.DecodeAux(&aux); err != nil {
		return NotHandled, err
	}
	day := h.calendar.Day(t.Now)
	if aux.SimDay != "" {
		next, err := gamification.AddDays(aux.SimDay, 1)
		if err != nil {
			return NotHandled, err
		}
		day = next
	}

	rec, err := h.engine.Load(ctx, t.UserID(), gamification.TrackDemo)
	if err != nil {
		return NotHandled, err
	}
	ahead, _, err := gamification.AdvanceStreak(rec.Streak(), day)
	if err != nil {
		return NotHandled, err
	}
	done := ahead.Current >= demoStreakGoal
	if done {
		err = t.Transition(ctx, models.FlowDemoComplete, 1, nil)
	} else {
		err = t.Transition(ctx, models.FlowDemoStreak, 2, demoAux{SimDay: day})
	}
	if err != nil {
		return NotHandled, err
	}

	n, err := h.addVisit(ctx, t)
	if err != nil {
		return NotHandled, err
	}
	out, err := h.engine.Record(ctx, gamification.Activity{UserID: t.UserID(), Track: gamification.TrackDemo, Day: day})
	if err != nil {
		return NotHandled, err
	}

	actions := []models.OutboundAction{models.Image(h.content.CardURL(n), "")}
	switch {
	case slices.Contains(out.Milestones, 5):
		actions = append(actions, models.Text("🔥 *5-day streak unlocked!*\n\nIn a real system, we'd trigger:\n"+
			"- double stamps,\n- a secret menu item,\n- or a personalised thank-you message."))
	case slices.Contains(out.Milestones, 2):
		actions = append(actions, models.Text("Wow — you're on a *2-day streak* 🙌\n\nHit a *5-day streak* to unlock surprise bonuses."))
	default:
		actions = append(actions, models.Text(fmt.Sprintf("Streak recorded. You're now on *%d consecutive visits*.", out.Streak.Current)))
	}
	if done {
		actions = append(actions, h.completeButtons(t))
	}
	return Reply(actions...), nil
}

// stamp records a real visit for an idle user and updates the stamp streak and badges.
func (h *DemoHandler) stamp(ctx context.Context, t *Turn) (Result, error) {
	if err := t.Touch(ctx); err != nil {
		return NotHandled, err
	}
	n, err := h.addVisit(ctx, t)
	if err != nil {
		return NotHandled, err
	}
	out, err := h.engine.Record(ctx, gamification.Activity{
		UserID: t.UserID(),
		Track:  gamification.TrackStamp,
		Day:    h.calendar.Day(t.Now),
	})
	if err != nil {
		return NotHandled, err
	}
	earned, err := h.engine.Award(ctx, t.UserID(), map[gamification.Metric]int{
		gamification.MetricStamps:      n,
		gamification.MetricStampStreak: out.Streak.Current,
	})
	if err != nil {
		return NotHandled, err
	}

	actions := []models.OutboundAction{
		models.Image(h.content.CardURL(n), ""),
		models.Text(fmt.Sprintf("Stamp recorded ✅ You've now got *%d* stamp(s).", n)),
	}
	for _, m := range out.Milestones {
		actions = append(actions, models.Text(fmt.Sprintf("🔥 You're on a *%d-day streak*. Keep it going!", m)))
	}
	return Reply(append(actions, badgeActions(earned)...)...), nil
}

func (h *DemoHandler) addVisit(ctx context.Context, t *Turn) (int, error) {
	n, err := h.users.IncrementVisits(ctx, t.UserID())
	if err != nil {
		return 0, err
	}
	if err := h.store.Insert(ctx, store.CollectionVisits, store.Row{
		"id":         uuid.NewString(),
		"user_id":    t.UserID(),
		"visited_at": t.Now,
	}); err != nil {
		return 0, fmt.Errorf("record visit: %w", err)
	}
	return n, nil
}

func (h *DemoHandler) completeButtons(t *Turn) models.OutboundAction {
	return models.Buttons("🎉 *Demo complete.*\n\nHere's the link to share the demo:\n"+
		h.content.ShareLink(t.UserID())+"\n\nWhat would you like to do next?",
		models.Button{ID: "more_features", Title: "MORE"},
		models.Button{ID: "book_meeting", Title: "MEETING"},
	)
}

func moreMenu() models.OutboundAction {
	return models.Buttons("Want to try more features? Pick an option:\n\n"+
		"🔥 Reply *STREAK* to test gamification.\n\n📊 Reply *DASH* to see the manager dashboard.",
		models.Button{ID: "more_streak", Title: "STREAK"},
		models.Button{ID: "more_dash", Title: "DASH"},
	)
}
