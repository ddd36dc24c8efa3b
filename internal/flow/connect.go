package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// flowConnect names the stateless info handler; it is never stored as a state.
const flowConnect models.FlowName = "connect"

// ConnectHandler answers CONNECT and EDU and the education video buttons.
type ConnectHandler struct {
	BaseHandler
	content Content
}

// NewConnectHandler creates the info handler.
func NewConnectHandler(content Content) *ConnectHandler {
	return &ConnectHandler{content: content}
}

func (h *ConnectHandler) Name() models.FlowName { return flowConnect }

func (h *ConnectHandler) Commands() []string { return []string{"CONNECT", "EDU"} }

func (h *ConnectHandler) Start(_ context.Context, t *Turn, command string) (Result, error) {
	if command == "EDU" {
		return Reply(models.Text(fmt.Sprintf("🎓 *Meta Loyalty Systems – Product Videos*\n\n"+
			"1️⃣ Overview: %s\n2️⃣ Stamp card & gamification: %s\n\n"+
			"(Short videos showing how the system works from both the customer and owner side.)",
			h.content.EduOverviewURL, h.content.EduStampURL))), nil
	}

	greeting := "Hi"
	if name := t.Name(""); name != "" {
		greeting += " " + name
	}
	body := greeting + " 👋\n\n" +
		"*" + h.content.BrandName + "* helps “good” businesses grow via:\n\n" +
		"1️⃣ Meta-powered loyalty systems (WhatsApp/Instagram)\n" +
		"2️⃣ Digital products & automations\n" +
		"3️⃣ Strategic & financial advisory\n\n" +
		"Would you like to book a *meeting* or *try a demo*?"
	return Reply(models.Buttons(body,
		models.Button{ID: "connect_meeting", Title: "MEETING"},
		models.Button{ID: "connect_demo", Title: "DEMO"},
	)), nil
}

func (h *ConnectHandler) OwnsReply(_ models.ConversationState, replyID string) bool {
	return strings.HasPrefix(replyID, "edu_")
}

func (h *ConnectHandler) HandleInteractive(_ context.Context, _ *Turn, replyID string) (Result, error) {
	switch replyID {
	case "edu_overview":
		return Reply(models.Text("Overview video:\n" + h.content.EduOverviewURL)), nil
	case "edu_stamp":
		return Reply(models.Text("Stamp card & gamification:\n" + h.content.EduStampURL)), nil
	}
	return NotHandled, nil
}
