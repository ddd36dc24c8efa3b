package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// UserRepo reads and writes the users collection.
type UserRepo struct {
	store RecordStore
	now   func() time.Time
}

// NewUserRepo creates a user repository.
func NewUserRepo(rs RecordStore) *UserRepo {
	return &UserRepo{store: rs, now: time.Now}
}

// Ensure creates the user on first contact and refreshes last_seen_at afterwards.
// The display name is only overwritten when the provider supplied one.
func (r *UserRepo) Ensure(ctx context.Context, id, displayName string) error {
	now := r.now()
	inserted, err := r.store.InsertIfAbsent(ctx, CollectionUsers, Row{
		"user_id":      id,
		"display_name": displayName,
		"created_at":   now,
		"last_seen_at": now,
	}, "user_id")
	if err != nil {
		return fmt.Errorf("ensure user failed: %w", err)
	}
	if inserted {
		return nil
	}
	patch := Row{"last_seen_at": now}
	if displayName != "" {
		patch["display_name"] = displayName
	}
	if _, err := r.store.Update(ctx, CollectionUsers, Filter{Eq("user_id", id)}, patch); err != nil {
		return fmt.Errorf("touch user failed: %w", err)
	}
	return nil
}

// Get returns the user, or nil when unknown.
func (r *UserRepo) Get(ctx context.Context, id string) (*models.User, error) {
	row, err := r.store.GetOne(ctx, CollectionUsers, Where(Eq("user_id", id)))
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	var u models.User
	if err := Decode(row, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementVisits adds one stamp and returns the new count.
func (r *UserRepo) IncrementVisits(ctx context.Context, id string) (int, error) {
	u, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, fmt.Errorf("increment visits: unknown user %s", id)
	}
	count := u.VisitCount + 1
	now := r.now()
	if _, err := r.store.Update(ctx, CollectionUsers, Filter{Eq("user_id", id)}, Row{
		"visit_count":   count,
		"last_visit_at": now,
	}); err != nil {
		return 0, fmt.Errorf("increment visits failed: %w", err)
	}
	return count, nil
}

// ResetDemo zeroes the stamp counter for a fresh demo run.
func (r *UserRepo) ResetDemo(ctx context.Context, id string) error {
	if _, err := r.store.Update(ctx, CollectionUsers, Filter{Eq("user_id", id)}, Row{
		"visit_count":   0,
		"last_visit_at": nil,
	}); err != nil {
		return fmt.Errorf("reset demo failed: %w", err)
	}
	return nil
}

// SetPreferredChoice stores the user's usual order.
func (r *UserRepo) SetPreferredChoice(ctx context.Context, id, choice string) error {
	if _, err := r.store.Update(ctx, CollectionUsers, Filter{Eq("user_id", id)}, Row{"preferred_choice": choice}); err != nil {
		return fmt.Errorf("set preferred choice failed: %w", err)
	}
	return nil
}

// SetVoicelogOptIn toggles the weekly voice-log reminder.
func (r *UserRepo) SetVoicelogOptIn(ctx context.Context, id string, optIn bool) error {
	if _, err := r.store.Update(ctx, CollectionUsers, Filter{Eq("user_id", id)}, Row{"voicelog_opt_in": optIn}); err != nil {
		return fmt.Errorf("set voicelog opt-in failed: %w", err)
	}
	return nil
}

// ListVoicelogOptIns returns ids of users who want the weekly reminder.
func (r *UserRepo) ListVoicelogOptIns(ctx context.Context) ([]string, error) {
	rows, err := r.store.Select(ctx, CollectionUsers, Query{
		Filter:  Filter{Eq("voicelog_opt_in", true)},
		Columns: []string{"user_id"},
	})
	if err != nil {
		return nil, fmt.Errorf("list voicelog opt-ins failed: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["user_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
