package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/twiliowhatsapp"
)

// TwilioGateway implements Gateway over the Twilio WhatsApp API. Twilio's freeform
// messages cannot carry reply buttons, so interactive messages go out as numbered menus.
type TwilioGateway struct {
	textMenu
	client  twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioGateway creates a Twilio gateway. choices may be nil, in which case typed
// menu numbers are not resolved.
func NewTwilioGateway(client twiliowhatsapp.Sender, choices ChoiceStore) *TwilioGateway {
	return &TwilioGateway{textMenu: textMenu{choices: choices}, client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioGateway", recipient)
}

// Stop makes every later send fail with ErrServiceStopped.
func (s *TwilioGateway) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *TwilioGateway) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}

// SendText sends a plain message.
func (s *TwilioGateway) SendText(ctx context.Context, to, body string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	return s.client.SendMessage(ctx, to, body)
}

// SendImage sends an image by URL.
func (s *TwilioGateway) SendImage(ctx context.Context, to, url, caption string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	return s.client.SendMedia(ctx, to, caption, url)
}

// SendButtons sends the buttons as a numbered text menu.
func (s *TwilioGateway) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	return s.SendText(ctx, to, models.Buttons(body, buttons...).PlainText())
}

// SendList sends the list rows as a numbered text menu.
func (s *TwilioGateway) SendList(ctx context.Context, to, body, button string, sections []models.ListSection) error {
	return s.SendText(ctx, to, models.List(body, button, sections...).PlainText())
}

// FetchMedia downloads inbound media from its Twilio MediaUrl.
func (s *TwilioGateway) FetchMedia(ctx context.Context, media models.Media) ([]byte, string, error) {
	if len(media.Data) > 0 {
		return media.Data, media.MimeType, nil
	}
	if media.URL == "" {
		return nil, "", errors.New("media url is empty")
	}
	data, mime, err := s.client.FetchMedia(ctx, media.URL)
	if err != nil {
		slog.Error("TwilioGateway.FetchMedia failed", "error", err)
		return nil, "", err
	}
	if mime == "" {
		mime = media.MimeType
	}
	return data, mime, nil
}
