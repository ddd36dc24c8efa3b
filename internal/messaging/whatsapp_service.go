package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// DefaultInboundTimeout bounds the processing of one message received over whatsmeow.
const DefaultInboundTimeout = 25 * time.Second

// InboundHandler consumes normalized inbound events.
type InboundHandler func(ctx context.Context, ev models.InboundEvent)

// MediaDownloader decrypts media attached to whatsmeow messages.
type MediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// WhatsAppGateway implements Gateway over a whatsmeow session. WhatsApp Web cannot send
// native reply buttons, so interactive messages become numbered menus.
type WhatsAppGateway struct {
	textMenu
	client whatsapp.WhatsAppSender
}

// NewWhatsAppGateway wraps the given sender.
func NewWhatsAppGateway(client whatsapp.WhatsAppSender, choices ChoiceStore) *WhatsAppGateway {
	return &WhatsAppGateway{textMenu: textMenu{choices: choices}, client: client}
}

// ValidateAndCanonicalizeRecipient reduces the recipient to the digits of its JID user.
func (s *WhatsAppGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("WhatsAppGateway", strings.TrimSuffix(recipient, "@"+whatsapp.JIDSuffix))
}

// SendText sends a plain message.
func (s *WhatsAppGateway) SendText(ctx context.Context, to, body string) error {
	return s.client.SendMessage(ctx, to, body)
}

// SendImage sends an image by URL.
func (s *WhatsAppGateway) SendImage(ctx context.Context, to, url, caption string) error {
	return s.client.SendImage(ctx, to, url, caption)
}

// SendButtons sends the buttons as a numbered text menu.
func (s *WhatsAppGateway) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	return s.SendText(ctx, to, models.Buttons(body, buttons...).PlainText())
}

// SendList sends the list rows as a numbered text menu.
func (s *WhatsAppGateway) SendList(ctx context.Context, to, body, button string, sections []models.ListSection) error {
	return s.SendText(ctx, to, models.List(body, button, sections...).PlainText())
}

// FetchMedia returns media downloaded when the message arrived.
func (s *WhatsAppGateway) FetchMedia(_ context.Context, media models.Media) ([]byte, string, error) {
	if len(media.Data) == 0 {
		return nil, "", errors.New("whatsapp media was not downloaded")
	}
	return media.Data, media.MimeType, nil
}

// WhatsAppListener feeds whatsmeow message events into an InboundHandler.
type WhatsAppListener struct {
	client  *whatsapp.Client
	choices ChoiceStore
	handle  InboundHandler
}

// NewWhatsAppListener creates a listener. choices resolves typed menu numbers.
func NewWhatsAppListener(client *whatsapp.Client, choices ChoiceStore, handle InboundHandler) *WhatsAppListener {
	return &WhatsAppListener{client: client, choices: choices, handle: handle}
}

// Start registers the event handler and blocks until ctx is cancelled.
func (l *WhatsAppListener) Start(ctx context.Context) error {
	if l.client == nil || l.client.GetClient() == nil {
		return errors.New("whatsapp listener: no client available")
	}
	l.client.AddEventHandler(func(evt any) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		go l.dispatch(ctx, msg)
	})
	slog.Info("WhatsAppListener started")
	<-ctx.Done()
	l.client.Disconnect()
	slog.Info("WhatsAppListener stopped")
	return nil
}

func (l *WhatsAppListener) dispatch(parent context.Context, msg *events.Message) {
	ctx, cancel := context.WithTimeout(parent, DefaultInboundTimeout)
	defer cancel()
	ev, ok := EventFromWhatsApp(ctx, msg, l.client)
	if !ok {
		return
	}
	l.handle(ctx, ResolveTypedChoice(ctx, l.choices, ev))
}

// EventFromWhatsApp normalizes a whatsmeow message. Group chats, own messages and empty
// payloads are skipped. Media is downloaded eagerly because whatsmeow needs the original
// message to decrypt it.
func EventFromWhatsApp(ctx context.Context, evt *events.Message, dl MediaDownloader) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		MessageID:   string(evt.Info.ID),
		From:        evt.Info.Sender.User,
		DisplayName: evt.Info.PushName,
		ReceivedAt:  evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		ev.Kind, ev.Text = models.EventText, m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		ev.Kind, ev.Text = models.EventText, m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage() != nil:
		ev.Kind = models.EventInteractive
		ev.ReplyID = m.GetButtonsResponseMessage().GetSelectedButtonID()
	case m.GetListResponseMessage() != nil:
		ev.Kind = models.EventInteractive
		ev.ReplyID = m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	case m.GetAudioMessage() != nil:
		ev.Kind = models.EventAudio
		ev.Media = downloadMedia(ctx, dl, m.GetAudioMessage(), m.GetAudioMessage().GetMimetype(), "")
	case m.GetImageMessage() != nil:
		ev.Kind = models.EventImage
		ev.Media = downloadMedia(ctx, dl, m.GetImageMessage(), m.GetImageMessage().GetMimetype(), m.GetImageMessage().GetCaption())
	default:
		ev.Kind = models.EventUnsupported
	}
	return ev, true
}

func downloadMedia(ctx context.Context, dl MediaDownloader, msg whatsmeow.DownloadableMessage, mime, caption string) *models.Media {
	media := &models.Media{MimeType: mime, Caption: caption}
	if dl == nil {
		return media
	}
	data, err := dl.Download(ctx, msg)
	if err != nil {
		slog.Error("EventFromWhatsApp: media download failed", "error", err)
		return media
	}
	media.Data = data
	return media
}
