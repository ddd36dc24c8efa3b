package models

import "time"

// EventKind classifies an inbound message.
type EventKind string

const (
	EventText        EventKind = "text"
	EventInteractive EventKind = "interactive"
	EventAudio       EventKind = "audio"
	EventImage       EventKind = "image"
	EventUnsupported EventKind = "unsupported"
)

// IsMedia reports whether the event carries an audio or image attachment.
func (k EventKind) IsMedia() bool {
	return k == EventAudio || k == EventImage
}

// Media references an attachment. Transports that deliver bytes eagerly fill Data;
// others leave a provider ID or URL for the gateway to fetch.
type Media struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"-"`
}

// InboundEvent is one message delivered by a transport, normalized across providers.
type InboundEvent struct {
	MessageID   string    `json:"message_id"`
	From        string    `json:"from"`
	DisplayName string    `json:"display_name,omitempty"`
	Kind        EventKind `json:"kind"`
	Text        string    `json:"text,omitempty"`
	ReplyID     string    `json:"reply_id,omitempty"`
	ReplyTitle  string    `json:"reply_title,omitempty"`
	Media       *Media    `json:"media,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Validate checks the fields every transport must supply.
func (e InboundEvent) Validate() error {
	if e.From == "" {
		return ErrEmptyRecipient
	}
	switch e.Kind {
	case EventText, EventInteractive, EventAudio, EventImage, EventUnsupported:
		return nil
	default:
		return ErrUnknownEventKind
	}
}
