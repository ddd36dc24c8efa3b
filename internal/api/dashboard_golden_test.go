package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/BTreeMap/StampPipe/internal/testutil"
)

func TestQueueDashboard_Golden(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	rs := store.NewMemoryStore()
	seed := []struct {
		collection string
		row        store.Row
	}{
		{store.CollectionQueueCheckins, store.Row{"id": "c1", "location_id": int64(1), "wa_from": "27820000001", "queue_number": 42, "created_at": now.Add(-30 * time.Minute)}},
		{store.CollectionQueueSpeed, store.Row{"id": "s1", "location_id": int64(1), "wa_from": "27820000001", "speed": "SLOW", "created_at": now.Add(-25 * time.Minute)}},
		{store.CollectionQueueIssues, store.Row{"id": "i1", "location_id": int64(1), "wa_from": "27820000001", "message": "System down", "created_at": now.Add(-3 * time.Hour)}},
	}
	for _, s := range seed {
		if err := rs.Insert(ctx, s.collection, s.row); err != nil {
			t.Fatalf("seed %s: %v", s.collection, err)
		}
	}

	dash := flow.NewQueueDashboard(rs, gamification.NewCalendar(2), flow.WithDashboardClock(func() time.Time { return now }))
	s := NewServer(&recordingProcessor{}, dash)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/qmunity", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dashboard")

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, rr.Body.Bytes(), "", "  "); err != nil {
		t.Fatalf("indent: %v", err)
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "qmunity_snapshot", pretty.Bytes())
}
