package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// cloudEnvelope is the subset of the Cloud API webhook payload that carries messages.
type cloudEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []cloudMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type cloudReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type cloudMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string     `json:"type"`
		ButtonReply cloudReply `json:"button_reply"`
		ListReply   cloudReply `json:"list_reply"`
	} `json:"interactive"`
	Button struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Audio *cloudMedia `json:"audio"`
	Image *cloudMedia `json:"image"`
}

// ParseCloudWebhook extracts the first message of a Cloud API webhook body. ok is false
// for deliveries that carry no message, such as status callbacks.
func ParseCloudWebhook(body []byte) (ev models.InboundEvent, ok bool, err error) {
	var env cloudEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.InboundEvent{}, false, fmt.Errorf("decode webhook body: %w", err)
	}
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		return models.InboundEvent{}, false, nil
	}
	value := env.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return models.InboundEvent{}, false, nil
	}
	m := value.Messages[0]

	ev = models.InboundEvent{
		MessageID:  m.ID,
		From:       m.From,
		ReceivedAt: parseUnix(m.Timestamp),
	}
	if len(value.Contacts) > 0 {
		ev.DisplayName = value.Contacts[0].Profile.Name
	}

	switch m.Type {
	case "text":
		ev.Kind, ev.Text = models.EventText, m.Text.Body
	case "interactive":
		ev.Kind = models.EventInteractive
		switch m.Interactive.Type {
		case "button_reply":
			ev.ReplyID, ev.ReplyTitle = m.Interactive.ButtonReply.ID, m.Interactive.ButtonReply.Title
		case "list_reply":
			ev.ReplyID, ev.ReplyTitle = m.Interactive.ListReply.ID, m.Interactive.ListReply.Title
		}
	case "button":
		ev.Kind = models.EventInteractive
		ev.ReplyID, ev.ReplyTitle = m.Button.Payload, m.Button.Text
	case "audio":
		ev.Kind = models.EventAudio
		ev.Media = mediaRef(m.Audio)
	case "image":
		ev.Kind = models.EventImage
		ev.Media = mediaRef(m.Image)
	default:
		ev.Kind = models.EventUnsupported
	}
	return ev, true, nil
}

func mediaRef(m *cloudMedia) *models.Media {
	if m == nil {
		return &models.Media{}
	}
	return &models.Media{ID: m.ID, MimeType: m.MimeType, Caption: m.Caption}
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// VerifyCloudSignature checks an X-Hub-Signature-256 header ("sha256=<hex>") against
// the raw body and the app secret.
func VerifyCloudSignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// EventFromTwilioForm normalizes a Twilio inbound WhatsApp webhook. Quick-reply button
// presses arrive as ButtonPayload; the first attachment becomes the event media.
func EventFromTwilioForm(form url.Values) (models.InboundEvent, bool) {
	sid := form.Get("MessageSid")
	from := strings.TrimPrefix(form.Get("From"), "whatsapp:")
	if sid == "" || from == "" {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		MessageID:   sid,
		From:        phoneNumberRegex.ReplaceAllString(from, ""),
		DisplayName: form.Get("ProfileName"),
		ReceivedAt:  time.Now().UTC(),
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	switch {
	case form.Get("ButtonPayload") != "":
		ev.Kind = models.EventInteractive
		ev.ReplyID, ev.ReplyTitle = form.Get("ButtonPayload"), form.Get("ButtonText")
	case numMedia > 0:
		media := &models.Media{
			URL:      form.Get("MediaUrl0"),
			MimeType: form.Get("MediaContentType0"),
			Caption:  form.Get("Body"),
		}
		ev.Media = media
		switch {
		case strings.HasPrefix(media.MimeType, "audio/"):
			ev.Kind = models.EventAudio
		case strings.HasPrefix(media.MimeType, "image/"):
			ev.Kind = models.EventImage
		default:
			ev.Kind, ev.Media = models.EventUnsupported, nil
		}
	case form.Get("Body") != "":
		ev.Kind, ev.Text = models.EventText, form.Get("Body")
	default:
		ev.Kind = models.EventUnsupported
	}
	return ev, true
}
