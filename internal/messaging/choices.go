package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// ChoiceStore persists the reply ids last offered to a user.
type ChoiceStore interface {
	Remember(ctx context.Context, userID string, ids []string) error
	Offered(ctx context.Context, userID string) ([]string, error)
}

// textMenu is embedded by gateways without native buttons. It remembers what each
// numbered menu offered so the reply can be mapped back.
type textMenu struct {
	choices ChoiceStore
}

// RecordChoices replaces the remembered menu for the recipient.
func (m textMenu) RecordChoices(ctx context.Context, to string, ids []string) error {
	if m.choices == nil {
		return nil
	}
	return m.choices.Remember(ctx, to, ids)
}

// ResolveTypedChoice converts a typed menu number ("2") into the interactive reply it
// selects, using the choices last offered to the sender. Anything else is returned
// unchanged.
func ResolveTypedChoice(ctx context.Context, choices ChoiceStore, ev models.InboundEvent) models.InboundEvent {
	if choices == nil || ev.Kind != models.EventText {
		return ev
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(ev.Text), ".")))
	if err != nil || n < 1 {
		return ev
	}
	offered, err := choices.Offered(ctx, ev.From)
	if err != nil {
		slog.Warn("ResolveTypedChoice: could not load offered choices", "error", err, "from", ev.From)
		return ev
	}
	if n > len(offered) {
		return ev
	}
	slog.Debug("ResolveTypedChoice: typed number mapped to reply", "from", ev.From, "n", n, "reply_id", offered[n-1])
	ev.Kind = models.EventInteractive
	ev.ReplyID = offered[n-1]
	ev.ReplyTitle = ev.Text
	ev.Text = ""
	return ev
}
