package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/genai"
	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/google/uuid"
)

// DeadLetterWeeklyLog is the dead-letter kind of an unsaved weekly reflection.
const DeadLetterWeeklyLog = "weekly_log"

// minTypedReflection is the shortest typed text accepted instead of a voice note.
const minTypedReflection = 20

const reminderText = "🎙️ Weekly check-in: how did your week go? Send a short *voice note* and I'll keep it in your journal."

// VoicelogHandler records the weekly voice journal.
type VoicelogHandler struct {
	BaseHandler
	store       store.RecordStore
	users       *store.UserRepo
	engine      *gamification.Engine
	calendar    gamification.Calendar
	objects     store.ObjectStore
	media       MediaFetcher
	reflector   Reflector
	deadLetters DeadLetterSink
	timeout     time.Duration
}

// NewVoicelogHandler creates the voice journal flow.
func NewVoicelogHandler(d Deps) *VoicelogHandler {
	timeout := d.TranscribeTimeout
	if timeout <= 0 {
		timeout = DefaultTranscribeTimeout
	}
	return &VoicelogHandler{
		store:       d.Store,
		users:       d.Users,
		engine:      d.Engine,
		calendar:    d.Calendar,
		objects:     d.Objects,
		media:       d.Media,
		reflector:   d.Reflector,
		deadLetters: d.DeadLetters,
		timeout:     timeout,
	}
}

func (h *VoicelogHandler) Name() models.FlowName { return models.FlowVoicelog }

func (h *VoicelogHandler) Commands() []string { return []string{"JOURNAL", "JOURNAL OFF"} }

func (h *VoicelogHandler) Start(ctx context.Context, t *Turn, command string) (Result, error) {
	if command == "JOURNAL OFF" {
		if err := h.users.SetVoicelogOptIn(ctx, t.UserID(), false); err != nil {
			return NotHandled, err
		}
		return Reply(models.Text("Weekly journal reminders are off. Send *JOURNAL* to turn them back on.")), nil
	}
	if err := t.Transition(ctx, models.FlowVoicelog, 1, nil); err != nil {
		return NotHandled, err
	}
	if err := h.users.SetVoicelogOptIn(ctx, t.UserID(), true); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text("🎙️ Send a *voice note* about your week: what went well, what was hard, what's next.\n\n" +
		"I'll remind you every week. Send *JOURNAL OFF* to stop the reminders.")), nil
}

func (h *VoicelogHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowVoicelog
}

// OwnsMedia takes voice notes at the journal step, and from idle users who opted in.
func (h *VoicelogHandler) OwnsMedia(s models.ConversationState, kind models.EventKind) bool {
	return kind == models.EventAudio && (s.Is(models.FlowVoicelog, 1) || s.IsIdle())
}

func (h *VoicelogHandler) HandleText(ctx context.Context, t *Turn, text string) (Result, error) {
	if t.IsCommand(t.Command) {
		return NotHandled, nil
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTypedReflection {
		return Reply(models.Text("Please send a *voice note*, or type a few sentences about your week.")), nil
	}
	if err := t.Touch(ctx); err != nil {
		return NotHandled, err
	}
	return h.save(ctx, t, text, "")
}

func (h *VoicelogHandler) HandleMedia(ctx context.Context, t *Turn, media models.Media) (Result, error) {
	if t.State.IsIdle() && !t.User.VoicelogOptIn {
		return NotHandled, nil
	}
	if h.media == nil || h.reflector == nil {
		slog.Warn("VoicelogHandler.HandleMedia: transcription not configured", "user", t.UserID())
		return Reply(models.Text("Voice notes aren't available right now. You can type your reflection instead.")), nil
	}
	if err := t.Touch(ctx); err != nil {
		return NotHandled, err
	}

	data, mimeType, err := h.media.FetchMedia(ctx, media)
	if err != nil {
		slog.Error("VoicelogHandler.HandleMedia: fetch failed", "error", err, "user", t.UserID())
		return Reply(models.Text("Sorry, I couldn't download that voice note. Please try sending it again.")), nil
	}
	if mimeType == "" {
		mimeType = media.MimeType
	}
	ext := extensionFor(mimeType)

	tctx, cancel := context.WithTimeout(ctx, h.timeout)
	transcript, err := h.reflector.Transcribe(tctx, "voicenote"+ext, data)
	cancel()
	if err != nil || strings.TrimSpace(transcript) == "" {
		slog.Error("VoicelogHandler.HandleMedia: transcription failed", "error", err, "user", t.UserID(), "bytes", len(data))
		return Reply(models.Text("Sorry, I couldn't make out that voice note. Please try again, ideally somewhere quieter.")), nil
	}

	audioURL := ""
	if h.objects != nil {
		path := fmt.Sprintf("voicelogs/%s/%s-%s%s", t.UserID(), h.calendar.Week(t.Now), uuid.NewString()[:8], ext)
		if audioURL, err = h.objects.Upload(ctx, path, mimeType, data); err != nil {
			slog.Warn("VoicelogHandler.HandleMedia: audio upload failed, keeping transcript only", "error", err, "user", t.UserID())
			audioURL = ""
		}
	}
	return h.save(ctx, t, strings.TrimSpace(transcript), audioURL)
}

// save structures the transcript and stores it as this week's log. Once a transcript
// exists it is never dropped: a failed write goes to the dead-letter sink.
func (h *VoicelogHandler) save(ctx context.Context, t *Turn, transcript, audioURL string) (Result, error) {
	var refl genai.Reflection
	if h.reflector != nil {
		var err error
		if refl, err = h.reflector.StructureReflection(ctx, transcript); err != nil {
			slog.Warn("VoicelogHandler.save: structuring failed, storing transcript only", "error", err, "user", t.UserID())
			refl = genai.Reflection{}
		}
	}

	week := h.calendar.Week(t.Now)
	row := store.Row{
		"id":         uuid.NewString(),
		"user_id":    t.UserID(),
		"week":       week,
		"transcript": transcript,
		"summary":    refl.Summary,
		"mood":       refl.Mood,
		"highlights": strings.Join(refl.Highlights, "\n"),
		"audio_url":  audioURL,
		"created_at": t.Now,
	}

	if !t.State.IsIdle() {
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
	}
	if err := h.store.Upsert(ctx, store.CollectionWeeklyLogs, row, "user_id", "week"); err != nil {
		slog.Error("VoicelogHandler.save: weekly log not stored", "error", err, "user", t.UserID(), "week", week)
		if h.deadLetters != nil {
			if derr := h.deadLetters.Capture(ctx, recovery.Letter{
				UserID:  t.UserID(),
				Flow:    models.FlowVoicelog,
				Kind:    DeadLetterWeeklyLog,
				Payload: row,
				Err:     err,
			}); derr != nil {
				slog.Error("VoicelogHandler.save: dead letter failed", "error", derr, "user", t.UserID())
			}
		}
		return Reply(models.Text("Thanks! I heard you, but couldn't file your journal entry just now. It's been kept safe and will be added shortly.")), nil
	}

	actions := []models.OutboundAction{models.Text(h.confirmation(refl))}
	more, err := h.score(ctx, t)
	if err != nil {
		slog.Warn("VoicelogHandler.save: reflection rewards skipped", "error", err, "user", t.UserID())
	}
	return Reply(append(actions, more...)...), nil
}

func (h *VoicelogHandler) confirmation(refl genai.Reflection) string {
	var b strings.Builder
	b.WriteString("📓 Saved to this week's journal.")
	if refl.Summary != "" {
		fmt.Fprintf(&b, "\n\n*Summary:* %s", refl.Summary)
	}
	if refl.Mood != "" {
		fmt.Fprintf(&b, "\n*Mood:* %s", refl.Mood)
	}
	for _, hl := range refl.Highlights {
		fmt.Fprintf(&b, "\n• %s", hl)
	}
	return b.String()
}

// score advances the weekly reflection streak and awards reflection badges.
func (h *VoicelogHandler) score(ctx context.Context, t *Turn) ([]models.OutboundAction, error) {
	out, err := h.engine.Record(ctx, gamification.Activity{
		UserID: t.UserID(),
		Track:  gamification.TrackReflection,
		Day:    h.calendar.WeekSlot(t.Now),
	})
	if err != nil {
		return nil, err
	}
	rows, err := h.store.Select(ctx, store.CollectionWeeklyLogs, store.Query{
		Filter:  store.Filter{store.Eq("user_id", t.UserID())},
		Columns: []string{"week"},
	})
	if err != nil {
		return nil, fmt.Errorf("count weekly logs: %w", err)
	}
	earned, err := h.engine.Award(ctx, t.UserID(), map[gamification.Metric]int{
		gamification.MetricReflections: len(rows),
	})
	var actions []models.OutboundAction
	for _, m := range out.Milestones {
		actions = append(actions, models.Text(fmt.Sprintf("🔥 %d weeks of reflections in a row!", m)))
	}
	return append(actions, badgeActions(earned)...), err
}

// ReplayWeeklyLog stores a dead-lettered weekly log payload.
func ReplayWeeklyLog(rs store.RecordStore) recovery.ReplayFunc {
	return func(ctx context.Context, letter models.DeadLetter) error {
		var wl models.WeeklyLog
		if err := recovery.DecodePayload(letter, &wl); err != nil {
			return err
		}
		if wl.UserID == "" || wl.Week == "" {
			return fmt.Errorf("weekly log payload missing user or week")
		}
		return rs.Upsert(ctx, store.CollectionWeeklyLogs, store.Row{
			"id":         wl.ID,
			"user_id":    wl.UserID,
			"week":       wl.Week,
			"transcript": wl.Transcript,
			"summary":    wl.Summary,
			"mood":       wl.Mood,
			"highlights": wl.Highlights,
			"audio_url":  wl.AudioURL,
			"created_at": wl.CreatedAt,
		}, "user_id", "week")
	}
}

// VoicelogReminder nudges opted-in users who have not journaled this week.
type VoicelogReminder struct {
	store    store.RecordStore
	users    *store.UserRepo
	calendar gamification.Calendar
	gateway  messaging.Gateway
	now      func() time.Time
}

// NewVoicelogReminder creates the weekly reminder job.
func NewVoicelogReminder(rs store.RecordStore, users *store.UserRepo, cal gamification.Calendar, gw messaging.Gateway) *VoicelogReminder {
	return &VoicelogReminder{store: rs, users: users, calendar: cal, gateway: gw, now: time.Now}
}

// Run sends the reminder and returns how many users were reminded. A failed send is
// logged and does not stop the others.
func (r *VoicelogReminder) Run(ctx context.Context) (int, error) {
	ids, err := r.users.ListVoicelogOptIns(ctx)
	if err != nil {
		return 0, err
	}
	week := r.calendar.Week(r.now())
	sent := 0
	for _, id := range ids {
		row, err := r.store.GetOne(ctx, store.CollectionWeeklyLogs, store.Where(store.Eq("user_id", id), store.Eq("week", week)))
		if err != nil {
			slog.Error("VoicelogReminder.Run: lookup failed", "error", err, "user", id)
			continue
		}
		if row != nil {
			continue
		}
		if err := messaging.Deliver(ctx, r.gateway, id, []models.OutboundAction{models.Text(reminderText)}); err != nil {
			slog.Error("VoicelogReminder.Run: reminder not sent", "error", err, "user", id)
			continue
		}
		sent++
	}
	slog.Info("VoicelogReminder.Run: reminders sent", "sent", sent, "opted_in", len(ids), "week", week)
	return sent, nil
}
