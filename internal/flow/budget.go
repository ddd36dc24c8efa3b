package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

// DeadLetterExpense is the dead letter kind of an expense that could not be stored.
const DeadLetterExpense = "expense"

type expenseAux struct {
	PendingCents int64 `json:"pending_cents"`
}

// BudgetHandler sets a monthly budget and logs expenses against it.
type BudgetHandler struct {
	BaseHandler
	store       store.RecordStore
	engine      *gamification.Engine
	calendar    gamification.Calendar
	content     Content
	deadLetters DeadLetterSink
}

// NewBudgetHandler creates the budget flows.
func NewBudgetHandler(d Deps) *BudgetHandler {
	return &BudgetHandler{store: d.Store, engine: d.Engine, calendar: d.Calendar, content: d.Content, deadLetters: d.DeadLetters}
}

func (h *BudgetHandler) Name() models.FlowName { return models.FlowBudget }

func (h *BudgetHandler) Commands() []string { return []string{"BUDGET", "BUDGET SET", "SPENT"} }

func (h *BudgetHandler) Start(ctx context.Context, t *Turn, command string) (Result, error) {
	switch command {
	case "SPENT":
		if err := t.Transition(ctx, models.FlowBudgetLog, 1, nil); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("💸 How much did you spend? Send an amount, e.g. *120.50*")), nil
	case "BUDGET":
		budget, err := h.budget(ctx, t)
		if err != nil {
			return NotHandled, err
		}
		if budget != nil {
			summary, err := h.summary(ctx, t, budget)
			if err != nil {
				return NotHandled, err
			}
			return Reply(models.Text(summary)), nil
		}
	}
	if err := t.Transition(ctx, models.FlowBudget, 1, nil); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text(fmt.Sprintf("What's your budget for %s? Send an amount, e.g. *3500*", h.monthName(t)))), nil
}

func (h *BudgetHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowBudget || s.ActiveFlow == models.FlowBudgetLog
}

func (h *BudgetHandler) OwnsReply(s models.ConversationState, replyID string) bool {
	return s.Is(models.FlowBudgetLog, 2) && strings.HasPrefix(replyID, "cat_")
}

func (h *BudgetHandler) HandleText(ctx context.Context, t *Turn, text string) (Result, error) {
	s := t.State
	switch {
	case s.Is(models.FlowBudget, 1):
		cents, ok := parseAmount(text, h.content.CurrencySymbol)
		if !ok {
			return Reply(models.Text("Please send a valid amount, e.g. *3500*, or *CANCEL* to stop.")), nil
		}
		return h.setBudget(ctx, t, cents)

	case s.Is(models.FlowBudgetLog, 1):
		cents, ok := parseAmount(text, h.content.CurrencySymbol)
		if !ok {
			return Reply(models.Text("Please send a valid amount, e.g. *120.50*, or *CANCEL* to stop.")), nil
		}
		if err := t.Transition(ctx, models.FlowBudgetLog, 2, expenseAux{PendingCents: cents}); err != nil {
			return NotHandled, err
		}
		return Reply(h.categoryList(cents)), nil

	case s.Is(models.FlowBudgetLog, 2):
		for _, c := range h.content.Categories {
			if strings.EqualFold(strings.TrimSpace(text), c) {
				return h.logExpense(ctx, t, c)
			}
		}
		if t.IsCommand(t.Command) {
			return NotHandled, nil
		}
		var aux expenseAux
		if err := t.DecodeAux(&aux); err != nil {
			return NotHandled, err
		}
		return Reply(h.categoryList(aux.PendingCents)), nil
	}
	return NotHandled, nil
}

func (h *BudgetHandler) HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error) {
	for _, c := range h.content.Categories {
		if categoryID(c) == replyID {
			return h.logExpense(ctx, t, c)
		}
	}
	return NotHandled, nil
}

func (h *BudgetHandler) setBudget(ctx context.Context, t *Turn, cents int64) (Result, error) {
	if err := t.Finish(ctx); err != nil {
		return NotHandled, err
	}
	if err := h.store.Upsert(ctx, store.CollectionBudgets, store.Row{
		"user_id":      t.UserID(),
		"month":        h.calendar.Month(t.Now),
		"amount_cents": cents,
		"created_at":   t.Now,
	}, "user_id", "month"); err != nil {
		return NotHandled, fmt.Errorf("save budget: %w", err)
	}
	_, days := h.calendar.MonthProgress(t.Now)
	return Reply(models.Text(fmt.Sprintf("✅ Budget set: *%s* for %s.\n\nThat's about %s a day. Send *SPENT* whenever you buy something.",
		formatMoney(h.content.CurrencySymbol, cents), h.monthName(t),
		formatMoney(h.content.CurrencySymbol, cents/int64(days))))), nil
}

// logExpense stores the pending amount under category and scores the day.
func (h *BudgetHandler) logExpense(ctx context.Context, t *Turn, category string) (Result, error) {
	var aux expenseAux
	if err := t.DecodeAux(&aux); err != nil {
		return NotHandled, err
	}
	if aux.PendingCents <= 0 {
		return NotHandled, fmt.Errorf("budget_log step 2 without a pending amount")
	}
	if err := t.Finish(ctx); err != nil {
		return NotHandled, err
	}
	day := h.calendar.Day(t.Now)
	row := store.Row{
		"id":           uuid.NewString(),
		"user_id":      t.UserID(),
		"amount_cents": aux.PendingCents,
		"category":     category,
		"spent_on":     day,
		"created_at":   t.Now,
	}
	if err := h.store.Insert(ctx, store.CollectionExpenses, row); err != nil {
		slog.Error("BudgetHandler.logExpense: expense not stored", "error", err, "user", t.UserID(), "cents", aux.PendingCents)
		h.capture(ctx, t, row, err)
		return Reply(models.Text(fmt.Sprintf("Thanks! I couldn't file your *%s* expense just now. It's been kept safe and will be added shortly.",
			formatMoney(h.content.CurrencySymbol, aux.PendingCents)))), nil
	}

	spent, err := h.spentIn(ctx, t.UserID(), h.calendar.Month(t.Now))
	if err != nil {
		return NotHandled, err
	}
	entries, err := h.expenseCount(ctx, t.UserID())
	if err != nil {
		return NotHandled, err
	}

	budget, err := h.budget(ctx, t)
	if err != nil {
		return NotHandled, err
	}
	activity := gamification.Activity{UserID: t.UserID(), Track: gamification.TrackBudget, Day: day}
	var onPace bool
	if budget != nil {
		d, dim := h.calendar.MonthProgress(t.Now)
		onPace = gamification.OnPace(spent, budget.AmountCents, d, dim)
		activity.OnPace = &onPace
	}
	out, err := h.engine.Record(ctx, activity)
	if err != nil {
		return NotHandled, err
	}
	earned, err := h.engine.Award(ctx, t.UserID(), map[gamification.Metric]int{
		gamification.MetricExpenses:     entries,
		gamification.MetricBudgetStreak: out.Streak.Current,
		gamification.MetricOnTrack:      out.OnTrack,
	})
	if err != nil {
		return NotHandled, err
	}

	cur := h.content.CurrencySymbol
	var b strings.Builder
	fmt.Fprintf(&b, "📝 Logged *%s* on %s.", formatMoney(cur, aux.PendingCents), category)
	if budget != nil {
		fmt.Fprintf(&b, "\n\nSpent this month: %s of %s.", formatMoney(cur, spent), formatMoney(cur, budget.AmountCents))
		if onPace {
			fmt.Fprintf(&b, "\n✅ You're on track (%d day(s) in a row).", out.OnTrack)
		} else {
			b.WriteString("\n⚠️ You're ahead of your budget pace. Go easy for a few days.")
		}
	} else {
		b.WriteString("\n\nSend *BUDGET* to set a monthly budget and see your pace.")
	}
	actions := []models.OutboundAction{models.Text(b.String())}
	for _, m := range out.Milestones {
		actions = append(actions, models.Text(fmt.Sprintf("🔥 %d days of tracking in a row!", m)))
	}
	return Reply(append(actions, badgeActions(earned)...)...), nil
}

func (h *BudgetHandler) summary(ctx context.Context, t *Turn, budget *models.Budget) (string, error) {
	spent, err := h.spentIn(ctx, t.UserID(), budget.Month)
	if err != nil {
		return "", err
	}
	rec, err := h.engine.Load(ctx, t.UserID(), gamification.TrackBudget)
	if err != nil {
		return "", err
	}
	day, dim := h.calendar.MonthProgress(t.Now)
	cur := h.content.CurrencySymbol
	status := "✅ on track"
	if !gamification.OnPace(spent, budget.AmountCents, day, dim) {
		status = "⚠️ over pace"
	}
	return fmt.Sprintf("📊 *%s budget*: %s\nSpent so far: %s\nIdeal by today: %s\nStatus: %s\nOn-track streak: %d day(s)\n\n"+
		"Send *SPENT* to log an expense or *BUDGET SET* to change the amount.",
		h.monthName(t), formatMoney(cur, budget.AmountCents), formatMoney(cur, spent),
		formatMoney(cur, gamification.IdealSpend(budget.AmountCents, day, dim)), status, rec.OnTrackStreak), nil
}

func (h *BudgetHandler) budget(ctx context.Context, t *Turn) (*models.Budget, error) {
	row, err := h.store.GetOne(ctx, store.CollectionBudgets, store.Where(
		store.Eq("user_id", t.UserID()),
		store.Eq("month", h.calendar.Month(t.Now)),
	))
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	var b models.Budget
	if err := store.Decode(row, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// spentIn sums the user's expenses in month (YYYY-MM).
func (h *BudgetHandler) spentIn(ctx context.Context, userID, month string) (int64, error) {
	rows, err := h.store.Select(ctx, store.CollectionExpenses, store.Query{
		Filter: store.Filter{
			store.Eq("user_id", userID),
			store.Gte("spent_on", month+"-01"),
			store.Lte("spent_on", month+"-31"),
		},
		Columns: []string{"amount_cents"},
	})
	if err != nil {
		return 0, fmt.Errorf("load expenses: %w", err)
	}
	expenses, err := store.DecodeAll[models.Expense](rows)
	if err != nil {
		return 0, err
	}
	var spent int64
	for _, e := range expenses {
		spent += e.AmountCents
	}
	return spent, nil
}

func (h *BudgetHandler) expenseCount(ctx context.Context, userID string) (int, error) {
	rows, err := h.store.Select(ctx, store.CollectionExpenses, store.Query{
		Filter:  store.Filter{store.Eq("user_id", userID)},
		Columns: []string{"id"},
	})
	if err != nil {
		return 0, fmt.Errorf("count expenses: %w", err)
	}
	return len(rows), nil
}

func (h *BudgetHandler) capture(ctx context.Context, t *Turn, row store.Row, cause error) {
	if h.deadLetters == nil {
		return
	}
	if err := h.deadLetters.Capture(ctx, recovery.Letter{
		UserID:  t.UserID(),
		Flow:    models.FlowBudgetLog,
		Kind:    DeadLetterExpense,
		Payload: row,
		Err:     cause,
	}); err != nil {
		slog.Error("BudgetHandler.capture: dead letter failed", "error", err, "user", t.UserID())
	}
}

// ReplayExpense stores a dead-lettered expense. Replaying the same letter twice keeps
// one row.
func ReplayExpense(rs store.RecordStore) recovery.ReplayFunc {
	return func(ctx context.Context, letter models.DeadLetter) error {
		var e models.Expense
		if err := recovery.DecodePayload(letter, &e); err != nil {
			return err
		}
		if e.ID == "" || e.UserID == "" || e.AmountCents <= 0 {
			return fmt.Errorf("expense payload missing id, user or amount")
		}
		_, err := rs.InsertIfAbsent(ctx, store.CollectionExpenses, store.Row{
			"id":           e.ID,
			"user_id":      e.UserID,
			"amount_cents": e.AmountCents,
			"category":     e.Category,
			"spent_on":     e.SpentOn,
			"created_at":   e.CreatedAt,
		}, "id")
		return err
	}
}

func (h *BudgetHandler) categoryList(cents int64) models.OutboundAction {
	rows := make([]models.ListRow, len(h.content.Categories))
	for i, c := range h.content.Categories {
		rows[i] = models.ListRow{ID: categoryID(c), Title: c}
	}
	return models.List(fmt.Sprintf("What was the %s for?", formatMoney(h.content.CurrencySymbol, cents)), "Categories",
		models.ListSection{Title: "Categories", Rows: rows})
}

func (h *BudgetHandler) monthName(t *Turn) string {
	return h.calendar.Local(t.Now).Format("January")
}

func categoryID(name string) string {
	return "cat_" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}
