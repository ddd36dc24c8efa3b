package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

func TestRecordingGateway_RecordsInOrder(t *testing.T) {
	g := NewRecordingGateway()
	ctx := context.Background()
	_ = g.SendText(ctx, "u1", "one")
	_ = g.SendImage(ctx, "u1", "https://example.com/card?stamps=1", "")
	_ = g.SendButtons(ctx, "u2", "pick", []models.Button{{ID: "a", Title: "A"}})

	got := g.Actions("u1")
	if len(got) != 2 || got[0].Body != "one" || got[1].Kind != models.ActionImage {
		t.Fatalf("unexpected actions for u1: %+v", got)
	}
	if len(g.Sent()) != 3 {
		t.Errorf("expected 3 sends, got %d", len(g.Sent()))
	}
	g.Reset()
	if len(g.Sent()) != 0 {
		t.Error("Reset should clear sends")
	}
}

func TestRecordingGateway_FailKinds(t *testing.T) {
	g := NewRecordingGateway()
	g.FailKinds[models.ActionImage] = true
	if err := g.SendImage(context.Background(), "u1", "x", ""); err != ErrSendFailed {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
}

func TestRecordingGateway_FetchMedia(t *testing.T) {
	g := NewRecordingGateway()
	g.Media["m1"] = []byte("ogg")
	data, _, err := g.FetchMedia(context.Background(), models.Media{ID: "m1"})
	if err != nil || string(data) != "ogg" {
		t.Fatalf("FetchMedia = %q, %v", data, err)
	}
	if _, _, err := g.FetchMedia(context.Background(), models.Media{ID: "missing"}); err == nil {
		t.Error("expected error for unknown media")
	}
}

func TestClock(t *testing.T) {
	start := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.Advance(24 * time.Hour)
	if !c.Now().Equal(start.Add(24 * time.Hour)) {
		t.Errorf("unexpected time %v", c.Now())
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	AssertHTTPStatus(t, 200, 200, "matching status codes")
}

func TestDecodeJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok"}`)
	var got map[string]string
	DecodeJSON(t, rr, &got)
	if got["status"] != "ok" {
		t.Errorf("unexpected body %v", got)
	}
}
