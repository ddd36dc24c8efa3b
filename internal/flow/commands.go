package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
)

// HelpText answers text that no flow recognizes.
const HelpText = "👋 Welcome to the WhatsApp stamp card demo.\n\n" +
	"Type *CONNECT* to see options, *DEMO* to start, or *STAMP* after a visit.\n\n" +
	"Also try *BUDGET*, *SPENT*, *REPORT*, *QUEUE* or *JOURNAL*."

// flowLabels names flows in STATUS replies.
var flowLabels = map[models.FlowName]string{
	models.FlowSignup:       "signing up",
	models.FlowDemo:         "the stamp card demo",
	models.FlowDemoStreak:   "the streak demo",
	models.FlowDemoComplete: "the end of the demo",
	models.FlowMore:         "the features menu",
	models.FlowMeeting:      "booking a meeting",
	models.FlowBudget:       "setting a budget",
	models.FlowBudgetLog:    "logging an expense",
	models.FlowIncident:     "reporting an incident",
	models.FlowQueue:        "a queue check-in",
	models.FlowVoicelog:     "your weekly journal",
}

// Commands handles CANCEL, RESTART and STATUS in any state.
type Commands struct {
	engine *gamification.Engine
}

// NewCommands creates the interrupt command handler.
func NewCommands(d Deps) *Commands {
	return &Commands{engine: d.Engine}
}

func (c *Commands) Interrupts() []string {
	return []string{"CANCEL", "RESTART", "STATUS"}
}

func (c *Commands) Interrupt(ctx context.Context, t *Turn, command string) (Result, error) {
	switch command {
	case "CANCEL":
		if t.State.IsIdle() {
			return Reply(models.Text("There's nothing to cancel. Type *HELP* to see what I can do.")), nil
		}
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("Cancelled ✅ You can start again any time.")), nil

	case "RESTART":
		// drops the stored row without a version check
		if err := t.Reset(ctx); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("Starting over 🔄"), models.Text(HelpText)), nil

	case "STATUS":
		return Reply(models.Text(c.status(ctx, t))), nil
	}
	return NotHandled, nil
}

func (c *Commands) status(ctx context.Context, t *Turn) string {
	var b strings.Builder
	if t.State.IsIdle() {
		b.WriteString("You're not in the middle of anything.")
	} else {
		label, ok := flowLabels[t.State.ActiveFlow]
		if !ok {
			label = string(t.State.ActiveFlow)
		}
		fmt.Fprintf(&b, "You're in %s (step %d). Send *CANCEL* to stop.", label, t.State.Step)
	}
	fmt.Fprintf(&b, "\n\nStamps: *%d*", t.User.VisitCount)
	if c.engine != nil {
		rec, err := c.engine.Load(ctx, t.UserID(), gamification.TrackStamp)
		if err != nil {
			slog.Warn("Commands.status: streak unavailable", "error", err, "user", t.UserID())
		} else {
			fmt.Fprintf(&b, "\nVisit streak: *%d* (best %d)", rec.CurrentStreak, rec.LongestStreak)
		}
	}
	return b.String()
}

// badgeActions announces newly earned badges.
func badgeActions(earned []gamification.BadgeRule) []models.OutboundAction {
	out := make([]models.OutboundAction, 0, len(earned))
	for _, r := range earned {
		out = append(out, models.Text(fmt.Sprintf("🏅 New badge unlocked: *%s*", r.Title)))
	}
	return out
}
