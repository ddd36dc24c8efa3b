// Package recovery keeps user data that could not be persisted on the normal path and
// replays it later.
//
// A flow that fails to store something the user already gave it (a transcribed voice
// note, an incident photo) hands it to a Sink instead of dropping it. The Manager
// re-attempts each dead letter with the replay function registered for its kind and
// removes the letters that succeed.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

// Letter is a failed write handed to the sink.
type Letter struct {
	UserID  string
	Flow    models.FlowName
	Kind    string
	Payload any
	Err     error
}

// Sink stores dead letters in the record store.
type Sink struct {
	store store.RecordStore
	now   func() time.Time
}

// NewSink creates a sink over rs.
func NewSink(rs store.RecordStore) *Sink {
	return &Sink{store: rs, now: time.Now}
}

// Capture stores the letter. If the store is unreachable too, the payload is written to
// the log so it can still be recovered by hand.
func (s *Sink) Capture(ctx context.Context, letter Letter) error {
	payload, err := json.Marshal(letter.Payload)
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	cause := ""
	if letter.Err != nil {
		cause = letter.Err.Error()
	}
	row := store.Row{
		"id":         uuid.NewString(),
		"user_id":    letter.UserID,
		"flow":       string(letter.Flow),
		"kind":       letter.Kind,
		"payload":    string(payload),
		"error":      cause,
		"created_at": s.now(),
	}
	if err := s.store.Insert(ctx, store.CollectionDeadLetters, row); err != nil {
		slog.Error("Sink.Capture: dead letter not stored", "error", err, "user", letter.UserID,
			"flow", letter.Flow, "kind", letter.Kind, "payload", string(payload), "cause", cause)
		return fmt.Errorf("store dead letter: %w", err)
	}
	slog.Warn("Sink.Capture: dead letter stored", "id", row["id"], "user", letter.UserID, "flow", letter.Flow, "kind", letter.Kind, "cause", cause)
	return nil
}

// DecodePayload unmarshals a stored letter's payload into dst.
func DecodePayload(letter models.DeadLetter, dst any) error {
	if err := json.Unmarshal([]byte(letter.Payload), dst); err != nil {
		return fmt.Errorf("decode dead letter %s: %w", letter.ID, err)
	}
	return nil
}
