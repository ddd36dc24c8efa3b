package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
)

func TestQueue_CheckInFlow(t *testing.T) {
	e := newEnv(t)

	out := e.text("QUEUE")
	require.Len(t, out, 1)
	assert.Equal(t, []string{"loc_home-affairs"}, out[0].ChoiceIDs())
	e.requireState(models.FlowQueue, 1)

	out = e.reply("loc_home-affairs")
	assert.Contains(t, bodies(out), "*Home Affairs*")
	e.requireState(models.FlowQueue, 2)

	out = e.text("forty two")
	assert.Contains(t, bodies(out), "number on your ticket")
	e.requireState(models.FlowQueue, 2)

	out = e.text("#42")
	require.Len(t, out, 1)
	assert.Equal(t, []string{"speed_quickly", "speed_moderately", "speed_slow"}, out[0].ChoiceIDs())
	e.requireState(models.FlowQueue, 3)
	require.Len(t, e.rows(store.CollectionQueueCheckins), 1)

	out = e.reply("speed_slow")
	assert.Contains(t, bodies(out), "Any issues")
	e.requireState(models.FlowQueue, 4)

	out = e.text("The system is down again")
	assert.Contains(t, bodies(out), "Issue noted")
	assert.Contains(t, bodies(out), e.deps.Content.QueueDashboardLink("home-affairs"))
	assert.True(t, e.state().IsIdle())

	issues := e.rows(store.CollectionQueueIssues)
	require.Len(t, issues, 1)
	assert.Equal(t, "The system is down again", issues[0]["message"])

	dash := NewQueueDashboard(e.store, e.deps.Calendar, WithDashboardClock(e.clock.Now))
	snap, err := dash.Snapshot(e.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "home-affairs", snap.Location.Slug)
	assert.Equal(t, 1, snap.CheckinsToday)
	require.NotNil(t, snap.LatestQueueNumber)
	assert.Equal(t, 42, *snap.LatestQueueNumber)
	require.NotNil(t, snap.LatestCapacityPct)
	assert.Equal(t, 28, *snap.LatestCapacityPct)
	assert.Equal(t, SpeedCounts{Slow: 1}, snap.SpeedToday)
	require.Len(t, snap.RecentIssues, 1)
	assert.Equal(t, "just now", snap.RecentIssues[0].TimeAgo)
}

func TestQueue_CheckInSaveFailureKeepsNumberStep(t *testing.T) {
	e := newEnv(t, failInserts(store.CollectionQueueCheckins))
	e.text("QUEUE")
	e.reply("loc_home-affairs")

	out := e.text("42")
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Body, "send your queue number again")
	e.requireState(models.FlowQueue, 2)

	var aux queueAux
	require.NoError(t, json.Unmarshal(e.state().Aux, &aux))
	assert.Equal(t, "home-affairs", aux.Slug)
	assert.Zero(t, aux.Number)

	// a speed reply cannot land on the unsaved check-in
	e.reply("speed_slow")
	e.requireState(models.FlowQueue, 2)
	assert.Empty(t, e.rows(store.CollectionQueueSpeed))
}

func TestQueue_SpeedSaveFailureAsksAgain(t *testing.T) {
	e := newEnv(t, failInserts(store.CollectionQueueSpeed))
	e.text("QUEUE")
	e.reply("loc_home-affairs")
	e.text("42")

	out := e.reply("speed_quickly")
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Body, "couldn't save that")
	assert.Equal(t, []string{"speed_quickly", "speed_moderately", "speed_slow"}, out[0].ChoiceIDs())
	e.requireState(models.FlowQueue, 3)
}

func TestQueue_NoneSkipsIssue(t *testing.T) {
	e := newEnv(t)
	e.text("QUEUE")
	e.reply("loc_home-affairs")
	e.text("7")
	e.reply("speed_quickly")
	out := e.text("none")
	assert.Contains(t, bodies(out), "Thanks for helping")
	assert.NotContains(t, bodies(out), "Issue noted")
	assert.Empty(t, e.rows(store.CollectionQueueIssues))
}

func TestQueue_StaleSpeedReplyIgnored(t *testing.T) {
	e := newEnv(t)
	e.text("QUEUE")
	out := e.reply("speed_slow")
	assert.Empty(t, out)
	e.requireState(models.FlowQueue, 1)
	assert.Empty(t, e.rows(store.CollectionQueueSpeed))
}

func TestQueue_NoActiveLocations(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.Update(e.ctx, store.CollectionQueueLocations, store.Filter{store.Eq("slug", "home-affairs")}, store.Row{"is_active": false})
	require.NoError(t, err)

	out := e.text("QUEUE")
	assert.Contains(t, bodies(out), "no queues")
	assert.True(t, e.state().IsIdle())
}

func TestQueueDashboard_Snapshot(t *testing.T) {
	e := newEnv(t)
	now := e.clock.Now()
	rows := []struct {
		collection string
		row        store.Row
	}{
		{store.CollectionQueueCheckins, store.Row{"id": "c1", "location_id": int64(1), "wa_from": "a", "queue_number": 10, "created_at": now.Add(-2 * time.Hour)}},
		{store.CollectionQueueCheckins, store.Row{"id": "c2", "location_id": int64(1), "wa_from": "b", "queue_number": 75, "created_at": now.Add(-time.Hour)}},
		{store.CollectionQueueCheckins, store.Row{"id": "c3", "location_id": int64(1), "wa_from": "a", "queue_number": 60, "created_at": now.Add(-30 * time.Minute)}},
		// yesterday in the calendar's zone
		{store.CollectionQueueCheckins, store.Row{"id": "c4", "location_id": int64(1), "wa_from": "c", "queue_number": 140, "created_at": now.Add(-11 * time.Hour)}},
		{store.CollectionQueueSpeed, store.Row{"id": "s1", "location_id": int64(1), "wa_from": "a", "speed": "QUICKLY", "created_at": now.Add(-time.Hour)}},
		{store.CollectionQueueSpeed, store.Row{"id": "s2", "location_id": int64(1), "wa_from": "b", "speed": "MODERATELY", "created_at": now.Add(-time.Hour)}},
		{store.CollectionQueueSpeed, store.Row{"id": "s3", "location_id": int64(1), "wa_from": "c", "speed": "MODERATELY", "created_at": now.Add(-time.Hour)}},
		{store.CollectionQueueIssues, store.Row{"id": "i1", "location_id": int64(1), "wa_from": "a", "message": "No staff", "created_at": now.Add(-3 * time.Hour)}},
		{store.CollectionQueueIssues, store.Row{"id": "i2", "location_id": int64(1), "wa_from": "b", "message": "Printer broken", "created_at": now.Add(-5 * time.Minute)}},
		{store.CollectionQueueIssues, store.Row{"id": "i3", "location_id": int64(1), "wa_from": "c", "message": "Old news", "created_at": now.Add(-25 * time.Hour)}},
	}
	for _, r := range rows {
		require.NoError(t, e.store.Insert(e.ctx, r.collection, r.row))
	}

	dash := NewQueueDashboard(e.store, e.deps.Calendar, WithDashboardClock(e.clock.Now))
	snap, err := dash.Snapshot(e.ctx, "home-affairs")
	require.NoError(t, err)

	assert.Equal(t, 3, snap.CheckinsToday)
	assert.Equal(t, 2, snap.UniqueCheckinsToday)
	assert.Equal(t, 60, *snap.LatestQueueNumber)
	assert.Equal(t, 40, *snap.LatestCapacityPct)
	assert.Equal(t, SpeedCounts{Quickly: 1, Moderately: 2}, snap.SpeedToday)
	require.Len(t, snap.RecentIssues, 2)
	assert.Equal(t, "Printer broken", snap.RecentIssues[0].Message)
	assert.Equal(t, "5 min ago", snap.RecentIssues[0].TimeAgo)
	assert.Equal(t, "3h ago", snap.RecentIssues[1].TimeAgo)
}

func TestQueueDashboard_EmptyAndUnknown(t *testing.T) {
	e := newEnv(t)
	dash := NewQueueDashboard(e.store, e.deps.Calendar, WithDashboardClock(e.clock.Now))

	snap, err := dash.Snapshot(e.ctx, "home-affairs")
	require.NoError(t, err)
	assert.Nil(t, snap.LatestQueueNumber)
	assert.Nil(t, snap.LatestCapacityPct)
	assert.NotNil(t, snap.RecentIssues)

	_, err = dash.Snapshot(e.ctx, "nowhere")
	assert.ErrorIs(t, err, ErrLocationNotFound)
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{time.Minute, "1 min ago"},
		{59 * time.Minute, "59 min ago"},
		{time.Hour, "1h ago"},
		{23*time.Hour + 59*time.Minute, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{72 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeAgo(now, now.Add(-tt.ago)), tt.ago.String())
	}
}
