package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

type meetingService struct {
	id, title, name string
}

var meetingServices = []meetingService{
	{"meeting_loyalty", "Meta Loyalty Systems", "Meta Loyalty Systems"},
	{"meeting_digital", "Digital Products", "Digital Products & Automations"},
	{"meeting_strategy", "Strategic Advisory", "Strategic & Financial Advisory"},
}

// MeetingHandler books a meeting about one of the services.
type MeetingHandler struct {
	BaseHandler
	store   store.RecordStore
	content Content
}

// NewMeetingHandler creates the meeting flow.
func NewMeetingHandler(d Deps) *MeetingHandler {
	return &MeetingHandler{store: d.Store, content: d.Content}
}

func (h *MeetingHandler) Name() models.FlowName { return models.FlowMeeting }

func (h *MeetingHandler) Commands() []string { return []string{"MEETING"} }

func (h *MeetingHandler) Start(ctx context.Context, t *Turn, _ string) (Result, error) {
	return h.begin(ctx, t)
}

func (h *MeetingHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowMeeting
}

func (h *MeetingHandler) OwnsReply(s models.ConversationState, replyID string) bool {
	switch {
	case replyID == "connect_meeting", replyID == "book_meeting":
		return true
	case strings.HasPrefix(replyID, "meeting_"):
		return s.Is(models.FlowMeeting, 1)
	}
	return false
}

func (h *MeetingHandler) HandleText(_ context.Context, t *Turn, _ string) (Result, error) {
	if t.IsCommand(t.Command) {
		return NotHandled, nil
	}
	return Reply(models.Text("Please pick one of the services below."), serviceButtons()), nil
}

func (h *MeetingHandler) HandleInteractive(ctx context.Context, t *Turn, replyID string) (Result, error) {
	if replyID == "connect_meeting" || replyID == "book_meeting" {
		return h.begin(ctx, t)
	}
	var svc *meetingService
	for i := range meetingServices {
		if meetingServices[i].id == replyID {
			svc = &meetingServices[i]
		}
	}
	if svc == nil {
		return NotHandled, nil
	}
	if err := t.Finish(ctx); err != nil {
		return NotHandled, err
	}
	if err := h.store.Insert(ctx, store.CollectionMeetings, store.Row{
		"id":         uuid.NewString(),
		"user_id":    t.UserID(),
		"service":    svc.name,
		"status":     string(models.MeetingRequested),
		"created_at": t.Now,
	}); err != nil {
		return NotHandled, fmt.Errorf("record meeting request: %w", err)
	}
	return Reply(models.Text(fmt.Sprintf("Great — let's set up a meeting about *%s*.\n\n"+
		"Here's the link to pick a time:\n\n%s", svc.name, h.content.MeetingURL))), nil
}

func (h *MeetingHandler) begin(ctx context.Context, t *Turn) (Result, error) {
	if err := t.Transition(ctx, models.FlowMeeting, 1, nil); err != nil {
		return NotHandled, err
	}
	return Reply(serviceButtons()), nil
}

func serviceButtons() models.OutboundAction {
	buttons := make([]models.Button, len(meetingServices))
	for i, s := range meetingServices {
		buttons[i] = models.Button{ID: s.id, Title: s.title}
	}
	return models.Buttons("Which bespoke service are you most interested in?", buttons...)
}
