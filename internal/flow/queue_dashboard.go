package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueLocation is shown when the dashboard is asked for no location.
const DefaultQueueLocation = "home-affairs"

const recentIssueLimit = 10

// ErrLocationNotFound is returned for unknown or inactive locations.
var ErrLocationNotFound = errors.New("location not found")

// DashboardLocation identifies the location in a snapshot.
type DashboardLocation struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	MaxCapacity int    `json:"max_capacity"`
}

// SpeedCounts is today's distribution of speed reports.
type SpeedCounts struct {
	Quickly    int `json:"QUICKLY"`
	Moderately int `json:"MODERATELY"`
	Slow       int `json:"SLOW"`
}

// DashboardIssue is one recent issue with a relative age.
type DashboardIssue struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	TimeAgo   string    `json:"time_ago"`
}

// QueueSnapshot is the public dashboard view of one location.
type QueueSnapshot struct {
	Location            DashboardLocation `json:"location"`
	LatestCapacityPct   *int              `json:"latest_capacity_pct"`
	LatestQueueNumber   *int              `json:"latest_queue_number"`
	CheckinsToday       int               `json:"checkins_today"`
	UniqueCheckinsToday int               `json:"unique_checkins_today"`
	SpeedToday          SpeedCounts       `json:"speed_today"`
	RecentIssues        []DashboardIssue  `json:"recent_issues"`
	FetchedAt           time.Time         `json:"fetched_at"`
}

// QueueDashboard aggregates community reports for the public dashboard.
type QueueDashboard struct {
	store    store.RecordStore
	calendar gamification.Calendar
	now      func() time.Time
}

// DashboardOption configures a QueueDashboard.
type DashboardOption func(*QueueDashboard)

// WithDashboardClock sets the time source that decides "today".
func WithDashboardClock(now func() time.Time) DashboardOption {
	return func(d *QueueDashboard) { d.now = now }
}

// NewQueueDashboard creates the aggregator. Days are bounded in the calendar's zone.
func NewQueueDashboard(rs store.RecordStore, cal gamification.Calendar, opts ...DashboardOption) *QueueDashboard {
	d := &QueueDashboard{store: rs, calendar: cal, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshot aggregates today's check-ins and speed reports and the last day's issues.
func (d *QueueDashboard) Snapshot(ctx context.Context, slug string) (*QueueSnapshot, error) {
	if slug == "" {
		slug = DefaultQueueLocation
	}
	row, err := d.store.GetOne(ctx, store.CollectionQueueLocations, store.Where(
		store.Eq("slug", slug), store.Eq("is_active", true),
	))
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	if row == nil {
		return nil, ErrLocationNotFound
	}
	var loc models.QueueLocation
	if err := store.Decode(row, &loc); err != nil {
		return nil, err
	}

	now := d.now()
	start, end := d.calendar.DayBounds(now)
	var (
		checkins []models.QueueCheckin
		speeds   []models.SpeedReport
		issues   []models.QueueIssue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := d.store.Select(gctx, store.CollectionQueueCheckins, store.Query{
			Filter: store.Filter{store.Eq("location_id", loc.ID), store.Gte("created_at", start), store.Lt("created_at", end)},
			Order:  []store.OrderBy{{Column: "created_at", Desc: true}},
		})
		if err != nil {
			return fmt.Errorf("load check-ins: %w", err)
		}
		checkins, err = store.DecodeAll[models.QueueCheckin](rows)
		return err
	})
	g.Go(func() error {
		rows, err := d.store.Select(gctx, store.CollectionQueueSpeed, store.Query{
			Filter: store.Filter{store.Eq("location_id", loc.ID), store.Gte("created_at", start), store.Lt("created_at", end)},
		})
		if err != nil {
			return fmt.Errorf("load speed reports: %w", err)
		}
		speeds, err = store.DecodeAll[models.SpeedReport](rows)
		return err
	})
	g.Go(func() error {
		rows, err := d.store.Select(gctx, store.CollectionQueueIssues, store.Query{
			Filter: store.Filter{store.Eq("location_id", loc.ID), store.Gte("created_at", now.Add(-24*time.Hour))},
			Order:  []store.OrderBy{{Column: "created_at", Desc: true}},
			Limit:  recentIssueLimit,
		})
		if err != nil {
			return fmt.Errorf("load issues: %w", err)
		}
		issues, err = store.DecodeAll[models.QueueIssue](rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &QueueSnapshot{
		Location:      DashboardLocation{Slug: loc.Slug, Name: loc.Name, MaxCapacity: loc.MaxCapacity},
		CheckinsToday: len(checkins),
		RecentIssues:  make([]DashboardIssue, 0, len(issues)),
		FetchedAt:     now.UTC(),
	}
	unique := make(map[string]struct{}, len(checkins))
	for _, c := range checkins {
		unique[c.From] = struct{}{}
	}
	snap.UniqueCheckinsToday = len(unique)
	if len(checkins) > 0 {
		latest := checkins[0].QueueNumber
		snap.LatestQueueNumber = &latest
		if loc.MaxCapacity > 0 {
			pct := int(math.Round(float64(latest) / float64(loc.MaxCapacity) * 100))
			snap.LatestCapacityPct = &pct
		}
	}
	for _, s := range speeds {
		switch s.Speed {
		case models.SpeedQuickly:
			snap.SpeedToday.Quickly++
		case models.SpeedModerately:
			snap.SpeedToday.Moderately++
		case models.SpeedSlow:
			snap.SpeedToday.Slow++
		}
	}
	for _, i := range issues {
		snap.RecentIssues = append(snap.RecentIssues, DashboardIssue{
			Message:   i.Message,
			CreatedAt: i.CreatedAt,
			TimeAgo:   TimeAgo(now, i.CreatedAt),
		})
	}
	return snap, nil
}

// TimeAgo renders the age of then relative to now: "just now", "5 min ago", "3h ago",
// "2d ago".
func TimeAgo(now, then time.Time) string {
	d := now.Sub(then)
	switch mins := int(d / time.Minute); {
	case mins < 1:
		return "just now"
	case mins < 60:
		return fmt.Sprintf("%d min ago", mins)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
