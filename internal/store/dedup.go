package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID  string     `json:"message_id"`
	UserID     string     `json:"user_id"`
	ReceivedAt time.Time  `json:"received_at"`
	HandledAt  *time.Time `json:"handled_at"`
}

// Guard gates inbound messages so each provider message id is acted on at most once.
type Guard struct {
	store RecordStore
	now   func() time.Time
}

// NewGuard creates a guard over the processed_events collection.
func NewGuard(rs RecordStore) *Guard {
	return &Guard{store: rs, now: time.Now}
}

// Claim records messageID and reports whether this is its first delivery. The check
// and the mark are one conditional insert, so concurrent deliveries of the same id
// cannot both win. Store failures are logged and treated as a first delivery: losing a
// user message is worse than a rare double reply. Empty ids cannot be deduplicated and
// are always processed.
func (g *Guard) Claim(ctx context.Context, messageID, userID string) bool {
	if messageID == "" {
		slog.Warn("Guard.Claim: empty message id, processing without dedup", "user", userID)
		return true
	}
	inserted, err := g.store.InsertIfAbsent(ctx, CollectionProcessed, Row{
		"message_id":  messageID,
		"user_id":     userID,
		"received_at": g.now(),
	}, "message_id")
	if err != nil {
		slog.Error("Guard.Claim: dedup insert failed, failing open", "error", err, "message_id", messageID)
		return true
	}
	if !inserted {
		slog.Info("Guard.Claim: duplicate delivery ignored", "message_id", messageID, "user", userID)
	}
	return inserted
}

// MarkHandled stamps handled_at once dispatch has finished.
func (g *Guard) MarkHandled(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if _, err := g.store.Update(ctx, CollectionProcessed, Filter{Eq("message_id", messageID)}, Row{"handled_at": g.now()}); err != nil {
		return fmt.Errorf("mark handled failed: %w", err)
	}
	return nil
}

// Prune deletes records received before now-retention and returns how many were removed.
func (g *Guard) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := g.now().Add(-retention)
	n, err := g.store.Delete(ctx, CollectionProcessed, Filter{Lt("received_at", cutoff)})
	if err != nil {
		return 0, fmt.Errorf("prune processed events failed: %w", err)
	}
	slog.Info("Guard.Prune: pruned processed events", "removed", n, "cutoff", cutoff)
	return n, nil
}
