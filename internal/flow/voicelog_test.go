package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// weeklyLogDownStore fails every weekly log write.
type weeklyLogDownStore struct {
	*store.MemoryStore
}

func (s weeklyLogDownStore) Upsert(ctx context.Context, collection string, row store.Row, conflict ...string) error {
	if collection == store.CollectionWeeklyLogs {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Upsert(ctx, collection, row, conflict...)
}

func TestVoicelog_VoiceNoteSaved(t *testing.T) {
	e := newEnv(t)

	out := e.text("journal")
	assert.Contains(t, bodies(out), "Send a *voice note*")
	e.requireState(models.FlowVoicelog, 1)
	u, err := e.deps.Users.Get(e.ctx, testUser)
	require.NoError(t, err)
	assert.True(t, u.VoicelogOptIn)

	out = e.media(models.EventAudio, "audio/ogg")
	text := bodies(out)
	assert.Contains(t, text, "Saved to this week's journal")
	assert.Contains(t, text, "*Summary:* A busy, good week.")
	assert.Contains(t, text, "*Mood:* proud")
	assert.Contains(t, text, "• New barista")
	assert.Contains(t, text, "First Reflection")
	assert.True(t, e.state().IsIdle())

	logs := e.rows(store.CollectionWeeklyLogs)
	require.Len(t, logs, 1)
	var wl models.WeeklyLog
	require.NoError(t, store.Decode(logs[0], &wl))
	assert.Equal(t, "2026-W42", wl.Week)
	assert.Equal(t, e.reflector.transcript, wl.Transcript)
	assert.Equal(t, "Sold out Friday\nNew barista", wl.Highlights)
	assert.True(t, strings.HasPrefix(wl.AudioURL, "https://media.test/media/voicelogs/"+testUser+"/2026-W42-"), wl.AudioURL)
}

func TestVoicelog_TranscriptionFailureKeepsStep(t *testing.T) {
	e := newEnv(t)
	e.reflector.transcribeErr = errors.New("timeout")
	e.text("JOURNAL")

	out := e.media(models.EventAudio, "audio/ogg")
	assert.Contains(t, bodies(out), "couldn't make out that voice note")
	e.requireState(models.FlowVoicelog, 1)
	assert.Empty(t, e.rows(store.CollectionWeeklyLogs))

	e.reflector.transcribeErr = nil
	e.reflector.transcript = "   "
	out = e.media(models.EventAudio, "audio/ogg")
	assert.Contains(t, bodies(out), "couldn't make out that voice note")
	assert.Equal(t, 2, e.reflector.calls)
}

func TestVoicelog_IdleVoiceNoteAfterOptIn(t *testing.T) {
	e := newEnv(t)

	// not opted in: the voice note is not claimed
	out := e.media(models.EventAudio, "audio/ogg")
	require.Len(t, out, 1)
	assert.Equal(t, MediaHintText, out[0].Body)
	assert.Zero(t, e.reflector.calls)

	e.text("JOURNAL")
	e.media(models.EventAudio, "audio/ogg")
	require.True(t, e.state().IsIdle())

	e.clock.Advance(7 * 24 * time.Hour)
	out = e.media(models.EventAudio, "audio/mpeg")
	assert.Contains(t, bodies(out), "Saved to this week's journal")
	assert.True(t, e.state().IsIdle())
	assert.Len(t, e.rows(store.CollectionWeeklyLogs), 2)
}

func TestVoicelog_SameWeekOverwrites(t *testing.T) {
	e := newEnv(t)
	e.text("JOURNAL")
	e.media(models.EventAudio, "audio/ogg")
	e.reflector.transcript = "Second thoughts on the week, mostly about the new supplier."
	e.media(models.EventAudio, "audio/ogg")

	logs := e.rows(store.CollectionWeeklyLogs)
	require.Len(t, logs, 1)
	assert.Equal(t, e.reflector.transcript, logs[0]["transcript"])
}

func TestVoicelog_TypedReflection(t *testing.T) {
	e := newEnv(t)
	e.text("JOURNAL")

	out := e.text("good week")
	assert.Contains(t, bodies(out), "type a few sentences")
	e.requireState(models.FlowVoicelog, 1)

	out = e.text("Quiet week, but the new loyalty cards are getting noticed.")
	assert.Contains(t, bodies(out), "Saved to this week's journal")
	assert.True(t, e.state().IsIdle())

	logs := e.rows(store.CollectionWeeklyLogs)
	require.Len(t, logs, 1)
	assert.Equal(t, "Quiet week, but the new loyalty cards are getting noticed.", logs[0]["transcript"])
	assert.Equal(t, "", logs[0]["audio_url"])
	assert.Zero(t, e.reflector.calls)
}

func TestVoicelog_CommandLeavesJournalStep(t *testing.T) {
	e := newEnv(t)
	e.text("JOURNAL")
	out := e.text("STATUS")
	assert.Contains(t, bodies(out), "Stamps:")
	assert.Empty(t, e.rows(store.CollectionWeeklyLogs))
}

func TestVoicelog_JournalOff(t *testing.T) {
	e := newEnv(t)
	e.text("JOURNAL")
	out := e.text("journal off")
	assert.Contains(t, bodies(out), "reminders are off")

	u, err := e.deps.Users.Get(e.ctx, testUser)
	require.NoError(t, err)
	assert.False(t, u.VoicelogOptIn)
}

func TestVoicelog_StoreFailureDeadLetters(t *testing.T) {
	e := newEnv(t, func(d *Deps) {
		d.Store = weeklyLogDownStore{MemoryStore: d.Store.(*store.MemoryStore)}
	})
	e.text("JOURNAL")

	out := e.media(models.EventAudio, "audio/ogg")
	assert.Contains(t, bodies(out), "kept safe")
	assert.True(t, e.state().IsIdle())
	assert.Empty(t, e.rows(store.CollectionWeeklyLogs))

	require.Len(t, e.sink.letters, 1)
	letter := e.sink.letters[0]
	assert.Equal(t, models.FlowVoicelog, letter.Flow)
	assert.Equal(t, DeadLetterWeeklyLog, letter.Kind)
	assert.Equal(t, testUser, letter.UserID)
	row, ok := letter.Payload.(store.Row)
	require.True(t, ok)
	assert.Equal(t, e.reflector.transcript, row["transcript"])
}

func TestReplayWeeklyLog(t *testing.T) {
	e := newEnv(t)
	ctx := e.ctx
	created := e.clock.Now()

	sink := recovery.NewSink(e.store)
	require.NoError(t, sink.Capture(ctx, recovery.Letter{
		UserID: testUser,
		Flow:   models.FlowVoicelog,
		Kind:   DeadLetterWeeklyLog,
		Payload: store.Row{
			"id": "wl-1", "user_id": testUser, "week": "2026-W42",
			"transcript": "Recovered words", "summary": "", "mood": "",
			"highlights": "", "audio_url": "", "created_at": created,
		},
		Err: errors.New("connection reset"),
	}))
	require.NoError(t, sink.Capture(ctx, recovery.Letter{
		UserID: testUser, Flow: models.FlowVoicelog, Kind: DeadLetterWeeklyLog,
		Payload: store.Row{"transcript": "no owner"},
	}))

	m := recovery.NewManager(e.store)
	m.Register(DeadLetterWeeklyLog, ReplayWeeklyLog(e.store))
	n, err := m.ReplayAll(ctx)
	assert.Error(t, err, "the payload without a user is kept for inspection")
	assert.Equal(t, 1, n)
	assert.Len(t, e.rows(store.CollectionDeadLetters), 1)

	logs := e.rows(store.CollectionWeeklyLogs)
	require.Len(t, logs, 1)
	var wl models.WeeklyLog
	require.NoError(t, store.Decode(logs[0], &wl))
	assert.Equal(t, "Recovered words", wl.Transcript)
	assert.True(t, created.Equal(wl.CreatedAt))
}

func TestVoicelogReminder_SkipsJournaledUsers(t *testing.T) {
	e := newEnv(t)
	users := e.deps.Users
	for _, id := range []string{"27820000002", "27820000003", "27820000004"} {
		require.NoError(t, users.Ensure(e.ctx, id, ""))
	}
	require.NoError(t, users.SetVoicelogOptIn(e.ctx, "27820000002", true))
	require.NoError(t, users.SetVoicelogOptIn(e.ctx, "27820000003", true))
	require.NoError(t, e.store.Insert(e.ctx, store.CollectionWeeklyLogs, store.Row{
		"id": "wl-1", "user_id": "27820000002", "week": e.deps.Calendar.Week(e.clock.Now()),
		"transcript": "done", "created_at": e.clock.Now(),
	}))

	r := NewVoicelogReminder(e.store, users, e.deps.Calendar, e.gw)
	r.now = e.clock.Now
	sent, err := r.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Empty(t, e.gw.Actions("27820000002"))
	assert.Empty(t, e.gw.Actions("27820000004"))
	got := e.gw.Actions("27820000003")
	require.Len(t, got, 1)
	assert.Equal(t, reminderText, got[0].Body)
}
