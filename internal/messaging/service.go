// Package messaging delivers outbound actions through a WhatsApp provider and turns
// provider-specific inbound payloads into models.InboundEvent.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// DefaultSendTimeout bounds each individual provider call.
const DefaultSendTimeout = 10 * time.Second

// ErrServiceStopped is returned by gateways after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches every non-digit character.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Gateway is a pluggable outbound WhatsApp provider.
type Gateway interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient address.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to, url, caption string) error
	SendButtons(ctx context.Context, to, body string, buttons []models.Button) error
	SendList(ctx context.Context, to, body, button string, sections []models.ListSection) error

	// FetchMedia returns the bytes and mime type of inbound media.
	FetchMedia(ctx context.Context, media models.Media) ([]byte, string, error)
}

// ChoiceRecorder is implemented by gateways that render interactive messages as a
// numbered text menu and need to remember what was offered.
type ChoiceRecorder interface {
	RecordChoices(ctx context.Context, to string, ids []string) error
}

// canonicalPhone strips formatting from a phone number and checks it is plausible.
func canonicalPhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Deliver sends actions to one recipient strictly in order. A failed action is logged
// and skipped so the rest of the reply still goes out; nothing is retried. The joined
// send errors are returned for the caller's log.
func Deliver(ctx context.Context, gw Gateway, to string, actions []models.OutboundAction) error {
	if len(actions) == 0 {
		return nil
	}
	canonical, err := gw.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("Deliver: invalid recipient", "error", err, "to", to)
		return err
	}

	var errs []error
	var offered []string
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			slog.Error("Deliver: dropping invalid action", "error", err, "to", canonical, "index", i, "kind", a.Kind)
			errs = append(errs, err)
			continue
		}
		if err := send(ctx, gw, canonical, a); err != nil {
			slog.Error("Deliver: send failed", "error", err, "to", canonical, "index", i, "kind", a.Kind)
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, a.Kind, err))
			continue
		}
		offered = append(offered, a.ChoiceIDs()...)
	}

	if rec, ok := gw.(ChoiceRecorder); ok {
		if err := rec.RecordChoices(ctx, canonical, offered); err != nil {
			slog.Warn("Deliver: could not record offered choices", "error", err, "to", canonical)
		}
	}
	slog.Debug("Deliver: reply delivered", "to", canonical, "actions", len(actions), "failed", len(errs))
	return errors.Join(errs...)
}

func send(ctx context.Context, gw Gateway, to string, a models.OutboundAction) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()
	switch a.Kind {
	case models.ActionText:
		return gw.SendText(ctx, to, a.Body)
	case models.ActionImage:
		return gw.SendImage(ctx, to, a.URL, a.Caption)
	case models.ActionButtons:
		return gw.SendButtons(ctx, to, a.Body, a.Buttons)
	case models.ActionList:
		return gw.SendList(ctx, to, a.Body, a.ListButton, a.Sections)
	default:
		return fmt.Errorf("unsupported action kind %q", a.Kind)
	}
}
