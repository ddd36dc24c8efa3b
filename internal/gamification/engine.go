package gamification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StampPipe/internal/store"
)

// ErrStreakConflict is returned when a streak row kept changing underneath us.
var ErrStreakConflict = errors.New("streak update conflict")

// maxStreakAttempts bounds the read-modify-write retries on a contended streak row.
const maxStreakAttempts = 3

// StreakRecord is the persisted form of one user's streak on one track.
type StreakRecord struct {
	UserID        string `json:"user_id"`
	Track         Track  `json:"track"`
	CurrentStreak int    `json:"current_streak"`
	LongestStreak int    `json:"longest_streak"`
	LastDate      string `json:"last_date"`
	OnTrackStreak int    `json:"on_track_streak"`
	OnTrackDate   string `json:"on_track_date"`
	Notified      string `json:"notified"`
	Version       int64  `json:"version"`
}

// Streak returns the streak counters of the record.
func (r StreakRecord) Streak() Streak {
	return Streak{Current: r.CurrentStreak, Longest: r.LongestStreak, LastDate: r.LastDate}
}

// Activity is one qualifying action to apply to a track.
type Activity struct {
	UserID string
	Track  Track
	Day    string
	// OnPace, when set, also advances the on-track pacing counter.
	OnPace *bool
}

// Outcome reports what an activity changed.
type Outcome struct {
	Streak     Streak
	Change     StreakChange
	OnTrack    int
	Milestones []int // thresholds crossed by this activity; announce each once
}

// Engine persists gamification state.
type Engine struct {
	store      store.RecordStore
	rules      []BadgeRule
	milestones map[Track][]int
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBadgeRules replaces the badge table.
func WithBadgeRules(rules []BadgeRule) Option {
	return func(e *Engine) {
		if len(rules) > 0 {
			e.rules = rules
		}
	}
}

// WithMilestones overrides the milestone thresholds of individual tracks.
func WithMilestones(m map[Track][]int) Option {
	return func(e *Engine) {
		for k, v := range m {
			e.milestones[k] = v
		}
	}
}

// WithClock sets the time source used for earned_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the streaks and badges collections.
func NewEngine(rs store.RecordStore, opts ...Option) *Engine {
	e := &Engine{
		store:      rs,
		rules:      DefaultBadgeRules,
		milestones: make(map[Track][]int, len(DefaultMilestones)),
		now:        time.Now,
	}
	for k, v := range DefaultMilestones {
		e.milestones[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the active badge table.
func (e *Engine) Rules() []BadgeRule { return e.rules }

// Load returns the stored streak, or a zero record (Version 0) when none exists.
func (e *Engine) Load(ctx context.Context, userID string, track Track) (StreakRecord, error) {
	row, err := e.store.GetOne(ctx, store.CollectionStreaks, store.Where(
		store.Eq("user_id", userID), store.Eq("track", string(track)),
	))
	if err != nil {
		return StreakRecord{}, fmt.Errorf("load streak failed: %w", err)
	}
	if row == nil {
		return StreakRecord{UserID: userID, Track: track}, nil
	}
	var rec StreakRecord
	if err := store.Decode(row, &rec); err != nil {
		return StreakRecord{}, err
	}
	return rec, nil
}

// Record applies an activity with compare-and-swap on the row version. Milestone
// flags are written in the same conditional update that advances the streak, so only
// the writer that wins the swap reports a crossing.
func (e *Engine) Record(ctx context.Context, a Activity) (Outcome, error) {
	for attempt := 1; attempt <= maxStreakAttempts; attempt++ {
		rec, err := e.Load(ctx, a.UserID, a.Track)
		if err != nil {
			return Outcome{}, err
		}
		next, change, err := AdvanceStreak(rec.Streak(), a.Day)
		if err != nil {
			return Outcome{}, err
		}
		pace := Pace{OnTrack: rec.OnTrackStreak, LastDate: rec.OnTrackDate}
		if a.OnPace != nil {
			if pace, err = AdvancePace(pace, a.Day, *a.OnPace); err != nil {
				return Outcome{}, err
			}
		}
		fire, flags := CrossMilestones(e.milestones[a.Track], next.Current, parseFlags(rec.Notified))
		out := Outcome{Streak: next, Change: change, OnTrack: pace.OnTrack, Milestones: fire}

		if change == StreakUnchanged && pace == (Pace{OnTrack: rec.OnTrackStreak, LastDate: rec.OnTrackDate}) && len(fire) == 0 {
			return out, nil
		}

		row := store.Row{
			"current_streak":  next.Current,
			"longest_streak":  next.Longest,
			"last_date":       next.LastDate,
			"on_track_streak": pace.OnTrack,
			"on_track_date":   pace.LastDate,
			"notified":        formatFlags(flags),
			"version":         rec.Version + 1,
			"updated_at":      e.now(),
		}
		ok, err := e.save(ctx, rec, row)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			slog.Debug("Engine.Record: streak updated", "user", a.UserID, "track", a.Track, "current", next.Current, "change", change.String(), "milestones", fire)
			return out, nil
		}
		slog.Debug("Engine.Record: streak version conflict, retrying", "user", a.UserID, "track", a.Track, "attempt", attempt)
	}
	return Outcome{}, ErrStreakConflict
}

func (e *Engine) save(ctx context.Context, rec StreakRecord, row store.Row) (bool, error) {
	if rec.Version == 0 {
		row["user_id"] = rec.UserID
		row["track"] = string(rec.Track)
		ok, err := e.store.InsertIfAbsent(ctx, store.CollectionStreaks, row, "user_id", "track")
		if err != nil {
			return false, fmt.Errorf("insert streak failed: %w", err)
		}
		return ok, nil
	}
	n, err := e.store.Update(ctx, store.CollectionStreaks, store.Filter{
		store.Eq("user_id", rec.UserID),
		store.Eq("track", string(rec.Track)),
		store.Eq("version", rec.Version),
	}, row)
	if err != nil {
		return false, fmt.Errorf("update streak failed: %w", err)
	}
	return n > 0, nil
}

// Reset forgets a track's streak, for example when a demo is restarted.
func (e *Engine) Reset(ctx context.Context, userID string, track Track) error {
	if _, err := e.store.Delete(ctx, store.CollectionStreaks, store.Filter{
		store.Eq("user_id", userID), store.Eq("track", string(track)),
	}); err != nil {
		return fmt.Errorf("reset streak failed: %w", err)
	}
	return nil
}

// Owned returns the badge codes the user already holds.
func (e *Engine) Owned(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := e.store.Select(ctx, store.CollectionBadges, store.Query{
		Filter:  store.Filter{store.Eq("user_id", userID)},
		Columns: []string{"code"},
	})
	if err != nil {
		return nil, fmt.Errorf("load badges failed: %w", err)
	}
	owned := make(map[string]bool, len(rows))
	for _, r := range rows {
		if code, ok := r["code"].(string); ok {
			owned[code] = true
		}
	}
	return owned, nil
}

// Award grants every newly eligible badge and returns the ones this call inserted.
// Badges are never removed, and a badge already present is never returned again.
func (e *Engine) Award(ctx context.Context, userID string, metrics map[Metric]int) ([]BadgeRule, error) {
	owned, err := e.Owned(ctx, userID)
	if err != nil {
		return nil, err
	}
	var earned []BadgeRule
	for _, r := range EligibleBadges(e.rules, metrics, owned) {
		ok, err := e.store.InsertIfAbsent(ctx, store.CollectionBadges, store.Row{
			"user_id":   userID,
			"code":      r.Code,
			"earned_at": e.now(),
		}, "user_id", "code")
		if err != nil {
			return earned, fmt.Errorf("award badge %s failed: %w", r.Code, err)
		}
		if ok {
			earned = append(earned, r)
		}
	}
	if len(earned) > 0 {
		slog.Info("Engine.Award: badges earned", "user", userID, "count", len(earned))
	}
	return earned, nil
}
