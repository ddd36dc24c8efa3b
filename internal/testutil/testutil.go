// Package testutil provides common test utilities and helpers for StampPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// Sent is one action delivered through a RecordingGateway.
type Sent struct {
	To     string
	Action models.OutboundAction
}

// RecordingGateway is an in-memory messaging gateway that records every send.
type RecordingGateway struct {
	mu      sync.Mutex
	sent    []Sent
	choices map[string][]string

	// Media maps a media id or URL to the bytes FetchMedia returns.
	Media map[string][]byte
	// FailKinds makes sends of the given kinds fail.
	FailKinds map[models.ActionKind]bool
}

// ErrSendFailed is returned for kinds listed in FailKinds.
var ErrSendFailed = errors.New("recording gateway: send failed")

// NewRecordingGateway creates an empty recording gateway.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{
		choices:   make(map[string][]string),
		Media:     make(map[string][]byte),
		FailKinds: make(map[models.ActionKind]bool),
	}
}

func (g *RecordingGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	return recipient, nil
}

func (g *RecordingGateway) record(to string, a models.OutboundAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailKinds[a.Kind] {
		return ErrSendFailed
	}
	g.sent = append(g.sent, Sent{To: to, Action: a})
	return nil
}

func (g *RecordingGateway) SendText(_ context.Context, to, body string) error {
	return g.record(to, models.Text(body))
}

func (g *RecordingGateway) SendImage(_ context.Context, to, url, caption string) error {
	return g.record(to, models.Image(url, caption))
}

func (g *RecordingGateway) SendButtons(_ context.Context, to, body string, buttons []models.Button) error {
	return g.record(to, models.Buttons(body, buttons...))
}

func (g *RecordingGateway) SendList(_ context.Context, to, body, button string, sections []models.ListSection) error {
	return g.record(to, models.List(body, button, sections...))
}

func (g *RecordingGateway) FetchMedia(_ context.Context, media models.Media) ([]byte, string, error) {
	if len(media.Data) > 0 {
		return media.Data, media.MimeType, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range []string{media.ID, media.URL} {
		if data, ok := g.Media[key]; ok && key != "" {
			return data, media.MimeType, nil
		}
	}
	return nil, "", fmt.Errorf("recording gateway: no media %q", media.ID+media.URL)
}

// RecordChoices remembers the last offered reply ids per recipient.
func (g *RecordingGateway) RecordChoices(_ context.Context, to string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.choices[to] = ids
	return nil
}

// Sent returns every recorded send in order.
func (g *RecordingGateway) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

// Actions returns the actions sent to one recipient in order.
func (g *RecordingGateway) Actions(to string) []models.OutboundAction {
	var out []models.OutboundAction
	for _, s := range g.Sent() {
		if s.To == to {
			out = append(out, s.Action)
		}
	}
	return out
}

// Choices returns the reply ids last offered to a recipient.
func (g *RecordingGateway) Choices(to string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.choices[to]
}

// Reset forgets all recorded sends.
func (g *RecordingGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TextEvent builds an inbound text message.
func TextEvent(from, id, text string) models.InboundEvent {
	return models.InboundEvent{MessageID: id, From: from, Kind: models.EventText, Text: text}
}

// ReplyEvent builds an inbound button or list reply.
func ReplyEvent(from, id, replyID string) models.InboundEvent {
	return models.InboundEvent{MessageID: id, From: from, Kind: models.EventInteractive, ReplyID: replyID}
}

// MediaEvent builds an inbound audio or image message whose bytes are already attached.
func MediaEvent(from, id string, kind models.EventKind, mime string, data []byte) models.InboundEvent {
	return models.InboundEvent{
		MessageID: id,
		From:      from,
		Kind:      kind,
		Media:     &models.Media{ID: id, MimeType: mime, Data: data},
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSON decodes a recorded JSON response body and fails the test on error.
func DecodeJSON(t testing.TB, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
