package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/testutil"
)

func TestDeliver_SendsInOrder(t *testing.T) {
	gw := testutil.NewRecordingGateway()
	actions := []models.OutboundAction{
		models.Text("first"),
		models.Image("https://example.com/card?stamps=1", ""),
		models.Buttons("pick", models.Button{ID: "more_streak", Title: "STREAK"}, models.Button{ID: "more_dash", Title: "DASH"}),
	}
	if err := Deliver(context.Background(), gw, "27821234567", actions); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	got := gw.Actions("27821234567")
	if len(got) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(got))
	}
	for i := range actions {
		if got[i].Kind != actions[i].Kind {
			t.Errorf("action %d: expected kind %s, got %s", i, actions[i].Kind, got[i].Kind)
		}
	}
	if ids := gw.Choices("27821234567"); len(ids) != 2 || ids[0] != "more_streak" {
		t.Errorf("expected offered choices to be recorded, got %v", ids)
	}
}

func TestDeliver_FailureDoesNotStopLaterActions(t *testing.T) {
	gw := testutil.NewRecordingGateway()
	gw.FailKinds[models.ActionImage] = true
	err := Deliver(context.Background(), gw, "u1", []models.OutboundAction{
		models.Image("https://example.com/card?stamps=2", ""),
		models.Text("after the image"),
	})
	if !errors.Is(err, testutil.ErrSendFailed) {
		t.Fatalf("expected joined send error, got %v", err)
	}
	got := gw.Actions("u1")
	if len(got) != 1 || got[0].Body != "after the image" {
		t.Errorf("expected the text to still be sent, got %+v", got)
	}
}

func TestDeliver_DropsInvalidAction(t *testing.T) {
	gw := testutil.NewRecordingGateway()
	err := Deliver(context.Background(), gw, "u1", []models.OutboundAction{models.Text(""), models.Text("ok")})
	if !errors.Is(err, models.ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	if got := gw.Actions("u1"); len(got) != 1 {
		t.Errorf("expected only the valid action, got %+v", got)
	}
}

func TestDeliver_TextOnlyReplyForgetsMenu(t *testing.T) {
	gw := testutil.NewRecordingGateway()
	ctx := context.Background()
	_ = Deliver(ctx, gw, "u1", []models.OutboundAction{models.Buttons("pick", models.Button{ID: "a", Title: "A"})})
	_ = Deliver(ctx, gw, "u1", []models.OutboundAction{models.Text("How much did you spend?")})
	if ids := gw.Choices("u1"); len(ids) != 0 {
		t.Errorf("expected menu to be forgotten, got %v", ids)
	}
}

func TestDeliver_InvalidRecipient(t *testing.T) {
	gw := testutil.NewRecordingGateway()
	if err := Deliver(context.Background(), gw, "", []models.OutboundAction{models.Text("x")}); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+27 82 123 4567", "27821234567", false},
		{"whatsapp:+14155238886", "14155238886", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone("test", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
