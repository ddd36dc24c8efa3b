package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/genai"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/BTreeMap/StampPipe/internal/testutil"
)

const testUser = "27820000001"

// testNow is a Monday morning in the test calendar's zone.
var testNow = time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

type fakeReflector struct {
	transcript    string
	transcribeErr error
	reflection    genai.Reflection
	structureErr  error
	calls         int
}

func (f *fakeReflector) Transcribe(_ context.Context, _ string, _ []byte) (string, error) {
	f.calls++
	return f.transcript, f.transcribeErr
}

func (f *fakeReflector) StructureReflection(_ context.Context, _ string) (genai.Reflection, error) {
	return f.reflection, f.structureErr
}

type fakeSink struct {
	letters []recovery.Letter
}

func (f *fakeSink) Capture(_ context.Context, l recovery.Letter) error {
	f.letters = append(f.letters, l)
	return nil
}

type env struct {
	t         *testing.T
	ctx       context.Context
	store     *store.MemoryStore
	gw        *testutil.RecordingGateway
	clock     *testutil.Clock
	deps      Deps
	states    *StoreBasedStateManager
	pipeline  *Pipeline
	reflector *fakeReflector
	sink      *fakeSink
	seq       int
}

func newEnv(t *testing.T, mods ...func(*Deps)) *env {
	t.Helper()
	rs := store.NewMemoryStore()
	clock := testutil.NewClock(testNow)
	gw := testutil.NewRecordingGateway()
	objects, err := store.NewLocalObjectStore(t.TempDir(), "https://media.test/media")
	require.NoError(t, err)

	states := NewStoreBasedStateManager(rs)
	states.now = clock.Now
	reflector := &fakeReflector{
		transcript: "Busy week. Sold out of croissants on Friday and hired a new barista.",
		reflection: genai.Reflection{Summary: "A busy, good week.", Mood: "proud", Highlights: []string{"Sold out Friday", "New barista"}},
	}
	sink := &fakeSink{}
	users := store.NewUserRepo(rs)
	deps := Deps{
		Store:       rs,
		States:      states,
		Users:       users,
		Engine:      gamification.NewEngine(rs, gamification.WithClock(clock.Now)),
		Calendar:    gamification.NewCalendar(2),
		Objects:     objects,
		Media:       gw,
		Reflector:   reflector,
		DeadLetters: sink,
		Content:     DefaultContent(),
	}
	for _, m := range mods {
		m(&deps)
	}
	disp := NewDefaultDispatcher(deps, WithDispatchClock(clock.Now))
	return &env{
		t:         t,
		ctx:       context.Background(),
		store:     rs,
		gw:        gw,
		clock:     clock,
		deps:      deps,
		states:    states,
		pipeline:  NewPipeline(store.NewGuard(rs), users, disp, gw),
		reflector: reflector,
		sink:      sink,
	}
}

func (e *env) nextID() string {
	e.seq++
	return fmt.Sprintf("wamid.%d", e.seq)
}

// send processes ev and returns what was sent back to its sender.
func (e *env) send(ev models.InboundEvent) []models.OutboundAction {
	e.t.Helper()
	e.gw.Reset()
	e.pipeline.Process(e.ctx, ev)
	return e.gw.Actions(ev.From)
}

func (e *env) text(body string) []models.OutboundAction {
	e.t.Helper()
	return e.send(testutil.TextEvent(testUser, e.nextID(), body))
}

func (e *env) reply(id string) []models.OutboundAction {
	e.t.Helper()
	return e.send(testutil.ReplyEvent(testUser, e.nextID(), id))
}

func (e *env) media(kind models.EventKind, mime string) []models.OutboundAction {
	e.t.Helper()
	return e.send(testutil.MediaEvent(testUser, e.nextID(), kind, mime, []byte("media-bytes")))
}

func (e *env) state() models.ConversationState {
	e.t.Helper()
	st, err := e.states.Get(e.ctx, testUser)
	require.NoError(e.t, err)
	return st
}

func (e *env) rows(collection string) []store.Row {
	e.t.Helper()
	rows, err := e.store.Select(e.ctx, collection, store.Query{})
	require.NoError(e.t, err)
	return rows
}

func (e *env) requireState(flow models.FlowName, step int) {
	e.t.Helper()
	st := e.state()
	require.Equal(e.t, flow, st.ActiveFlow, "flow")
	require.Equal(e.t, step, st.Step, "step")
}

// bodies joins the text of every action for substring checks.
func bodies(actions []models.OutboundAction) string {
	var parts []string
	for _, a := range actions {
		parts = append(parts, a.Body, a.URL)
	}
	return strings.Join(parts, "\n")
}

func TestDispatch_UnknownTextGetsHelp(t *testing.T) {
	e := newEnv(t)
	out := e.text("hello there")
	require.Len(t, out, 1)
	assert.Equal(t, HelpText, out[0].Body)
	assert.True(t, e.state().IsIdle())
}

func TestDispatch_CancelInterruptsAnyFlow(t *testing.T) {
	e := newEnv(t)
	e.text("REPORT")
	e.requireState(models.FlowIncident, 1)

	out := e.text("cancel")
	assert.Contains(t, bodies(out), "Cancelled")
	assert.True(t, e.state().IsIdle())

	out = e.text("CANCEL")
	assert.Contains(t, bodies(out), "nothing to cancel")
}

func TestDispatch_RestartReturnsHelp(t *testing.T) {
	e := newEnv(t)
	e.text("BUDGET")
	out := e.text("restart")
	require.Len(t, out, 2)
	assert.Equal(t, HelpText, out[1].Body)
	assert.True(t, e.state().IsIdle())
}

func TestDispatch_RestartSkipsVersionCheck(t *testing.T) {
	var states *conflictingStates
	e := newEnv(t, func(d *Deps) {
		states = &conflictingStates{StateManager: d.States}
		d.States = states
	})
	e.text("SPENT")
	e.requireState(models.FlowBudgetLog, 1)

	// every versioned save now loses, RESTART still goes through
	states.n = 1000
	out := e.text("RESTART")
	require.Len(t, out, 2)
	assert.Equal(t, "Starting over 🔄", out[0].Body)
	assert.Equal(t, HelpText, out[1].Body)
	assert.Zero(t, e.state().Version)
	assert.True(t, e.state().IsIdle())
	assert.Empty(t, e.rows(store.CollectionStates))
}

func TestDispatch_StatusReportsFlow(t *testing.T) {
	e := newEnv(t)
	e.text("SPENT")
	out := e.text("status")
	assert.Contains(t, bodies(out), "logging an expense (step 1)")
	e.requireState(models.FlowBudgetLog, 1)
}

func TestDispatch_ActiveTextStepConsumesKeywords(t *testing.T) {
	e := newEnv(t)
	e.text("REPORT")
	// a free-text step takes entry keywords as its answer
	out := e.text("STAMP")
	assert.Contains(t, bodies(out), "reference is")
	e.requireState(models.FlowIncident, 2)
	assert.Empty(t, e.rows(store.CollectionVisits))
}

func TestDispatch_EntryCommandLeavesButtonStep(t *testing.T) {
	e := newEnv(t)
	e.text("MEETING")
	e.requireState(models.FlowMeeting, 1)

	out := e.text("queue")
	require.Len(t, out, 1)
	assert.Equal(t, models.ActionList, out[0].Kind)
	e.requireState(models.FlowQueue, 1)
}

func TestDispatch_ButtonStepRepromptsOnOtherText(t *testing.T) {
	e := newEnv(t)
	e.text("MEETING")
	out := e.text("maybe later")
	require.Len(t, out, 2)
	assert.Equal(t, models.ActionButtons, out[1].Kind)
	e.requireState(models.FlowMeeting, 1)
}

func TestDispatch_UnclaimedReplyIsIgnored(t *testing.T) {
	e := newEnv(t)
	out := e.reply("meeting_loyalty")
	assert.Empty(t, out)
	assert.True(t, e.state().IsIdle())
	assert.Empty(t, e.rows(store.CollectionMeetings))
}

func TestDispatch_UnexpectedMediaGetsHint(t *testing.T) {
	e := newEnv(t)
	out := e.media(models.EventImage, "image/jpeg")
	require.Len(t, out, 1)
	assert.Equal(t, MediaHintText, out[0].Body)

	// voice notes from users who never opted in to the journal
	out = e.media(models.EventAudio, "audio/ogg")
	require.Len(t, out, 1)
	assert.Equal(t, MediaHintText, out[0].Body)
	assert.Zero(t, e.reflector.calls)
}

func TestDispatch_UnsupportedKind(t *testing.T) {
	e := newEnv(t)
	out := e.send(models.InboundEvent{MessageID: e.nextID(), From: testUser, Kind: models.EventUnsupported})
	require.Len(t, out, 1)
	assert.Equal(t, UnsupportedText, out[0].Body)
}

// scriptedHandler is a minimal handler for dispatcher unit tests.
type scriptedHandler struct {
	BaseHandler
	commands []string
	start    func(ctx context.Context, t *Turn) (Result, error)
	calls    int
}

func (h *scriptedHandler) Name() models.FlowName { return "scripted" }
func (h *scriptedHandler) Commands() []string    { return h.commands }
func (h *scriptedHandler) Start(ctx context.Context, t *Turn, _ string) (Result, error) {
	h.calls++
	return h.start(ctx, t)
}

// conflictingStates fails the first n saves with ErrStateConflict.
type conflictingStates struct {
	StateManager
	n     int
	saves int
}

func (c *conflictingStates) Save(ctx context.Context, cur models.ConversationState, flow models.FlowName, step int, aux any) (models.ConversationState, error) {
	c.saves++
	if c.saves <= c.n {
		return cur, ErrStateConflict
	}
	return c.StateManager.Save(ctx, cur, flow, step, aux)
}

// conflictOnSave fails the save numbered at with ErrStateConflict.
type conflictOnSave struct {
	StateManager
	at    int
	saves int
}

func (c *conflictOnSave) Save(ctx context.Context, cur models.ConversationState, flow models.FlowName, step int, aux any) (models.ConversationState, error) {
	c.saves++
	if c.saves == c.at {
		return cur, ErrStateConflict
	}
	return c.StateManager.Save(ctx, cur, flow, step, aux)
}

// insertDownStore fails every insert into one collection.
type insertDownStore struct {
	*store.MemoryStore
	collection string
}

func (s insertDownStore) Insert(ctx context.Context, collection string, rows ...store.Row) error {
	if collection == s.collection {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Insert(ctx, collection, rows...)
}

func failInserts(collection string) func(*Deps) {
	return func(d *Deps) {
		d.Store = insertDownStore{MemoryStore: d.Store.(*store.MemoryStore), collection: collection}
	}
}

func TestDispatcher_PanicBecomesApology(t *testing.T) {
	d := NewDispatcher(NewStoreBasedStateManager(store.NewMemoryStore()))
	d.Register(&scriptedHandler{commands: []string{"BOOM"}, start: func(context.Context, *Turn) (Result, error) {
		panic("nil map")
	}})
	out := d.Dispatch(context.Background(), testutil.TextEvent(testUser, "m1", "boom"), models.User{ID: testUser})
	require.Len(t, out, 1)
	assert.Equal(t, ApologyText, out[0].Body)
}

func TestDispatcher_HandlerErrorBecomesApology(t *testing.T) {
	d := NewDispatcher(NewStoreBasedStateManager(store.NewMemoryStore()))
	d.Register(&scriptedHandler{commands: []string{"FAIL"}, start: func(context.Context, *Turn) (Result, error) {
		return NotHandled, errors.New("db down")
	}})
	out := d.Dispatch(context.Background(), testutil.TextEvent(testUser, "m1", "fail"), models.User{ID: testUser})
	require.Len(t, out, 1)
	assert.Equal(t, ApologyText, out[0].Body)
}

func TestDispatcher_RetriesStateConflicts(t *testing.T) {
	states := &conflictingStates{StateManager: NewStoreBasedStateManager(store.NewMemoryStore()), n: 2}
	h := &scriptedHandler{commands: []string{"GO"}}
	h.start = func(ctx context.Context, t *Turn) (Result, error) {
		if err := t.Transition(ctx, models.FlowQueue, 1, nil); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("went")), nil
	}
	d := NewDispatcher(states)
	d.Register(h)

	out := d.Dispatch(context.Background(), testutil.TextEvent(testUser, "m1", "go"), models.User{ID: testUser})
	require.Len(t, out, 1)
	assert.Equal(t, "went", out[0].Body)
	assert.Equal(t, 3, h.calls)

	states.saves, states.n = 0, 10
	out = d.Dispatch(context.Background(), testutil.TextEvent("27820000002", "m2", "go"), models.User{ID: "27820000002"})
	require.Len(t, out, 1)
	assert.Equal(t, ApologyText, out[0].Body)
	assert.Equal(t, DefaultMaxAttempts, states.saves)
}

func TestDispatcher_NoRetryAfterCommit(t *testing.T) {
	states := &conflictOnSave{StateManager: NewStoreBasedStateManager(store.NewMemoryStore()), at: 2}
	writes := 0
	h := &scriptedHandler{commands: []string{"GO"}}
	h.start = func(ctx context.Context, t *Turn) (Result, error) {
		if err := t.Transition(ctx, models.FlowQueue, 1, nil); err != nil {
			return NotHandled, err
		}
		writes++
		if err := t.Transition(ctx, models.FlowQueue, 2, nil); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("went")), nil
	}
	d := NewDispatcher(states)
	d.Register(h)

	out := d.Dispatch(context.Background(), testutil.TextEvent(testUser, "m1", "go"), models.User{ID: testUser})
	require.Len(t, out, 1)
	assert.Equal(t, ApologyText, out[0].Body)
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 1, writes)
}

func TestDispatcher_EntryAfterClearStillRetries(t *testing.T) {
	rs := store.NewMemoryStore()
	base := NewStoreBasedStateManager(rs)
	idle, err := base.Get(context.Background(), testUser)
	require.NoError(t, err)
	_, err = base.Save(context.Background(), idle, models.FlowBudget, 1, nil)
	require.NoError(t, err)

	// the stale flow is cleared through Clear, so save 1 is the entry transition
	states := &conflictOnSave{StateManager: base, at: 1}
	h := &scriptedHandler{commands: []string{"GO"}}
	h.start = func(ctx context.Context, t *Turn) (Result, error) {
		if err := t.Transition(ctx, models.FlowQueue, 1, nil); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("went")), nil
	}
	d := NewDispatcher(states)
	d.Register(h)

	out := d.Dispatch(context.Background(), testutil.TextEvent(testUser, "m1", "go"), models.User{ID: testUser})
	require.Len(t, out, 1)
	assert.Equal(t, "went", out[0].Body)
	assert.Equal(t, 2, h.calls)
	got, err := base.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, got.Is(models.FlowQueue, 1))
}

func TestDispatcher_DuplicateCommandPanics(t *testing.T) {
	d := NewDispatcher(NewStoreBasedStateManager(store.NewMemoryStore()))
	d.Register(&scriptedHandler{commands: []string{"GO"}})
	assert.Panics(t, func() {
		d.Register(&scriptedHandler{commands: []string{"go"}})
	})
}

func TestDispatcher_IsCommand(t *testing.T) {
	d := NewDefaultDispatcher(newEnv(t).deps)
	for _, c := range []string{"DEMO", "STAMP", "SIGN UP", "BUDGET SET", "JOURNAL OFF", "CANCEL", "STATUS"} {
		assert.True(t, d.IsCommand(c), c)
	}
	assert.False(t, d.IsCommand("MORE"))
	assert.False(t, d.IsCommand("SKIP"))
}
