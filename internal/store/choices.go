package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ChoiceRepo remembers the reply ids last offered to a user, so transports that render
// buttons as a numbered text menu can map a typed "2" back to its reply id.
type ChoiceRepo struct {
	store RecordStore
	ttl   time.Duration
	now   func() time.Time
}

// DefaultChoiceTTL is how long an offered menu stays answerable.
const DefaultChoiceTTL = 24 * time.Hour

// NewChoiceRepo creates a choice repository.
func NewChoiceRepo(rs RecordStore) *ChoiceRepo {
	return &ChoiceRepo{store: rs, ttl: DefaultChoiceTTL, now: time.Now}
}

// Remember replaces the user's offered choices. An empty set forgets the previous menu
// so a later typed number is read as plain text.
func (r *ChoiceRepo) Remember(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		if _, err := r.store.Delete(ctx, CollectionChoices, Filter{Eq("user_id", userID)}); err != nil {
			return fmt.Errorf("forget choices failed: %w", err)
		}
		return nil
	}
	err := r.store.Upsert(ctx, CollectionChoices, Row{
		"user_id":    userID,
		"choices":    strings.Join(ids, "\n"),
		"offered_at": r.now(),
	}, "user_id")
	if err != nil {
		return fmt.Errorf("remember choices failed: %w", err)
	}
	return nil
}

// Offered returns the unexpired choices last offered to the user.
func (r *ChoiceRepo) Offered(ctx context.Context, userID string) ([]string, error) {
	row, err := r.store.GetOne(ctx, CollectionChoices, Where(
		Eq("user_id", userID),
		Gte("offered_at", r.now().Add(-r.ttl)),
	))
	if err != nil {
		return nil, fmt.Errorf("load choices failed: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	raw, _ := row["choices"].(string)
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}
