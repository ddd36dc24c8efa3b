package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

const maxQueueNumber = 10000

type queueAux struct {
	LocationID int64  `json:"location_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Number     int    `json:"number,omitempty"`
}

var speedButtons = []models.Button{
	{ID: "speed_quickly", Title: "Quickly"},
	{ID: "speed_moderately", Title: "Moderately"},
	{ID: "speed_slow", Title: "Slow"},
}

// QueueHandler runs the community queue check-in: location, queue number, speed and
// optional issue report.
type QueueHandler struct {
	BaseHandler
	store   store.RecordStore
	content Content
}

// NewQueueHandler creates the queue flow.
func NewQueueHandler(d Deps) *QueueHandler {
	return &QueueHandler{store: d.Store, content: d.Content}
}

func (h *QueueHandler) Name() models.FlowName { return models.FlowQueue }

func (h *QueueHandler) Commands() []string { return []string{"QUEUE"} }

func (h *QueueHandler) Start(ctx context.Context, t *Turn, _ string) (Result, error) {
	list, err := h.locationList(ctx)
	if err != nil {
		return NotHandled, err
	}
	if list == nil {
		return Reply(models.Text("There are no queues to check in to right now.")), nil
	}
	if err := t.Transition(ctx, models.FlowQueue, 1, nil); err != nil {
		return NotHandled, err
	}
	return Reply(*list), nil
}

func (h *QueueHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowQueue
}

func (h *QueueHandler) OwnsReply(s models.ConversationState, replyID string) bool {
	switch {
	case strings.HasPrefix(replyID, "loc_"):
		return s.Is(models.FlowQueue, 1)
	case strings.HasPrefix(replyID, "speed_"):
		return s.Is(models.FlowQueue, 3)
	}
	return false
}

func (h *QueueHandler) HandleText(ctx context.Context, t *Turn, text string) (Result, error) {
	switch t.State.Step {
	case 1:
		if t.IsCommand(t.Command) {
			return NotHandled, nil
		}
		list, err := h.locationList(ctx)
		if err != nil || list == nil {
			return NotHandled, err
		}
		return Reply(models.Text("Please pick your location from the list."), *list), nil

	case 2:
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(text), "#"))
		if err != nil || n <= 0 || n > maxQueueNumber {
			return Reply(models.Text("Please send the number on your ticket, e.g. *42*.")), nil
		}
		var aux queueAux
		if err := t.DecodeAux(&aux); err != nil {
			return NotHandled, err
		}
		aux.Number = n
		prev := t.State
		if err := t.Transition(ctx, models.FlowQueue, 3, aux); err != nil {
			return NotHandled, err
		}
		if err := h.store.Insert(ctx, store.CollectionQueueCheckins, store.Row{
			"id":           uuid.NewString(),
			"location_id":  aux.LocationID,
			"wa_from":      t.UserID(),
			"queue_number": n,
			"created_at":   t.Now,
		}); err != nil {
			slog.Error("QueueHandler.HandleText: check-in not saved", "error", err, "user", t.UserID(), "location", aux.Slug)
			if err := t.Restore(ctx, prev); err != nil {
				return NotHandled, fmt.Errorf("restore queue step: %w", err)
			}
			return Reply(models.Text("Sorry, we couldn't save your check-in. Please send your queue number again.")), nil
		}
		return Reply(models.Buttons(fmt.Sprintf("Checked in at *%s* with number *%d* ✅\n\nHow fast is the queue moving?", aux.Name, n),
			speedButtons...)), nil

	case 3:
		if t.IsCommand(t.Command) {
			return NotHandled, nil
		}
		return Reply(models.Buttons("How fast is the queue moving?", speedButtons...)), nil

	case 4:
		var aux queueAux
		if err := t.DecodeAux(&aux); err != nil {
			return NotHandled, err
		}
		prev := t.State
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
		thanks := "🙏 Thanks for helping others plan their visit. Live view: " + h.content.QueueDashboardLink(aux.Slug)
		if t.Command == "NONE" || t.Command == "NO" {
			return Reply(models.Text(thanks)), nil
		}
		if err := h.store.Insert(ctx, store.CollectionQueueIssues, store.Row{
			"id":          uuid.NewString(),
			"location_id": aux.LocationID,
			"wa_from":     t.UserID(),
			"message":     strings.TrimSpace(text),
			"created_at":  t.Now,
		}); err != nil {
			slog.Error("QueueHandler.HandleText: issue not saved", "error", err, "user", t.UserID(), "location", aux.Slug)
			if err := t.Restore(ctx, prev); err != nil {
				return NotHandled, fmt.Errorf("restore queue step: %w", err)
			}
			return Reply(models.Text("Sorry, we couldn't save that. Please describe the issue again, or reply *NONE*.")), nil
		}
		return Reply(models.Text("Issue noted. " + thanks)), nil
	}
	return NotHandled, nil
}

func (h *QueueHandler) HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error) {
	if slug, ok := strings.CutPrefix(replyID, "loc_"); ok {
		loc, err := h.location(ctx, slug)
		if err != nil {
			return NotHandled, err
		}
		if loc == nil {
			return Reply(models.Text("That location is no longer available. Send *QUEUE* to see the current list.")), nil
		}
		if err := t.Transition(ctx, models.FlowQueue, 2, queueAux{LocationID: loc.ID, Slug: loc.Slug, Name: loc.Name}); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text(fmt.Sprintf("📍 *%s*. What's your queue number?", loc.Name))), nil
	}

	speed := models.QueueSpeed(strings.ToUpper(strings.TrimPrefix(replyID, "speed_")))
	switch speed {
	case models.SpeedQuickly, models.SpeedModerately, models.SpeedSlow:
	default:
		return NotHandled, nil
	}
	var aux queueAux
	if err := t.DecodeAux(&aux); err != nil {
		return NotHandled, err
	}
	prev := t.State
	if err := t.Transition(ctx, models.FlowQueue, 4, aux); err != nil {
		return NotHandled, err
	}
	if err := h.store.Insert(ctx, store.CollectionQueueSpeed, store.Row{
		"id":          uuid.NewString(),
		"location_id": aux.LocationID,
		"wa_from":     t.UserID(),
		"speed":       string(speed),
		"created_at":  t.Now,
	}); err != nil {
		slog.Error("QueueHandler.HandleInteractive: speed report not saved", "error", err, "user", t.UserID(), "location", aux.Slug)
		if err := t.Restore(ctx, prev); err != nil {
			return NotHandled, fmt.Errorf("restore queue step: %w", err)
		}
		return Reply(models.Buttons("Sorry, we couldn't save that. How fast is the queue moving?", speedButtons...)), nil
	}
	return Reply(models.Text("Any issues at the venue (system down, long wait, no staff)? Describe them, or reply *NONE*.")), nil
}

// locationList returns the location picker, or nil when no location is active.
func (h *QueueHandler) locationList(ctx context.Context) (*models.OutboundAction, error) {
	rows, err := h.store.Select(ctx, store.CollectionQueueLocations, store.Query{
		Filter: store.Filter{store.Eq("is_active", true)},
		Order:  []store.OrderBy{{Column: "name"}},
		Limit:  models.MaxListRows,
	})
	if err != nil {
		return nil, fmt.Errorf("load queue locations: %w", err)
	}
	locs, err := store.DecodeAll[models.QueueLocation](rows)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}
	list := make([]models.ListRow, len(locs))
	for i, l := range locs {
		list[i] = models.ListRow{ID: "loc_" + l.Slug, Title: l.Name}
	}
	a := models.List("🧾 Which queue are you in?", "Locations", models.ListSection{Title: "Locations", Rows: list})
	return &a, nil
}

func (h *QueueHandler) location(ctx context.Context, slug string) (*models.QueueLocation, error) {
	row, err := h.store.GetOne(ctx, store.CollectionQueueLocations, store.Where(
		store.Eq("slug", slug), store.Eq("is_active", true),
	))
	if err != nil {
		return nil, fmt.Errorf("load queue location: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	var loc models.QueueLocation
	if err := store.Decode(row, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}
