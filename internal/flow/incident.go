package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/BTreeMap/StampPipe/internal/util"
	"github.com/google/uuid"
)

const (
	minIncidentDescription = 5
	maxIncidentDescription = 1000
)

// DeadLetterIncidentPhoto is the dead letter kind of a photo that could not be stored.
const DeadLetterIncidentPhoto = "incident_photo"

// errIncidentMissing means the report a turn refers to was never stored.
var errIncidentMissing = errors.New("incident not found")

const incidentMissingText = "Sorry, we couldn't find that report. Send *REPORT* to log it again."

type incidentAux struct {
	IncidentID string `json:"incident_id"`
	Reference  string `json:"reference"`
}

// IncidentHandler records incident reports with an optional photo.
type IncidentHandler struct {
	BaseHandler
	store       store.RecordStore
	objects     store.ObjectStore
	media       MediaFetcher
	deadLetters DeadLetterSink
}

// NewIncidentHandler creates the incident flow.
func NewIncidentHandler(d Deps) *IncidentHandler {
	return &IncidentHandler{store: d.Store, objects: d.Objects, media: d.Media, deadLetters: d.DeadLetters}
}

func (h *IncidentHandler) Name() models.FlowName { return models.FlowIncident }

func (h *IncidentHandler) Commands() []string { return []string{"REPORT"} }

func (h *IncidentHandler) Start(ctx context.Context, t *Turn, _ string) (Result, error) {
	if err := t.Transition(ctx, models.FlowIncident, 1, nil); err != nil {
		return NotHandled, err
	}
	return Reply(models.Text("🚨 Let's log an incident. Briefly describe what happened and where.")), nil
}

func (h *IncidentHandler) OwnsState(s models.ConversationState) bool {
	return s.ActiveFlow == models.FlowIncident
}

// OwnsMedia takes photos at the photo step, and photos from idle users who still have a
// report waiting for one.
func (h *IncidentHandler) OwnsMedia(s models.ConversationState, kind models.EventKind) bool {
	return kind == models.EventImage && (s.Is(models.FlowIncident, 2) || s.IsIdle())
}

func (h *IncidentHandler) HandleText(ctx context.Context, t *Turn, text string) (Result, error) {
	switch t.State.Step {
	case 1:
		desc := strings.TrimSpace(text)
		if n := utf8.RuneCountInString(desc); n < minIncidentDescription || n > maxIncidentDescription {
			return Reply(models.Text("Please describe the incident in a sentence or two (up to 1000 characters).")), nil
		}
		aux := incidentAux{IncidentID: uuid.NewString(), Reference: util.GenerateReference("INC")}
		prev := t.State
		if err := t.Transition(ctx, models.FlowIncident, 2, aux); err != nil {
			return NotHandled, err
		}
		if err := h.store.Insert(ctx, store.CollectionIncidents, store.Row{
			"id":          aux.IncidentID,
			"user_id":     t.UserID(),
			"reference":   aux.Reference,
			"description": desc,
			"photo_url":   "",
			"status":      string(models.IncidentAwaitingMedia),
			"created_at":  t.Now,
			"updated_at":  t.Now,
		}); err != nil {
			slog.Error("IncidentHandler.HandleText: incident not saved", "error", err, "user", t.UserID(), "reference", aux.Reference)
			if err := t.Restore(ctx, prev); err != nil {
				return NotHandled, fmt.Errorf("restore incident step: %w", err)
			}
			return Reply(models.Text("Sorry, we couldn't save your report. Please send the description again.")), nil
		}
		return Reply(models.Text(fmt.Sprintf("Thanks. Your reference is *%s*.\n\nSend a photo of the incident, or type *SKIP* to submit without one.", aux.Reference))), nil

	case 2:
		if t.Command != "SKIP" {
			return Reply(models.Text("Please send a photo, or type *SKIP* to submit without one.")), nil
		}
		var aux incidentAux
		if err := t.DecodeAux(&aux); err != nil {
			return NotHandled, err
		}
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
		if err := h.submit(ctx, t, aux.IncidentID, ""); errors.Is(err, errIncidentMissing) {
			return Reply(models.Text(incidentMissingText)), nil
		} else if err != nil {
			return NotHandled, err
		}
		return Reply(models.Text(fmt.Sprintf("✅ Incident *%s* submitted. Thank you for reporting it.", aux.Reference))), nil
	}
	return NotHandled, nil
}

func (h *IncidentHandler) HandleMedia(ctx context.Context, t *Turn, media models.Media) (Result, error) {
	var aux incidentAux
	if t.State.IsIdle() {
		pending, err := h.awaitingMedia(ctx, t.UserID())
		if err != nil {
			return NotHandled, err
		}
		if pending == nil {
			return NotHandled, nil
		}
		aux = incidentAux{IncidentID: pending.ID, Reference: pending.Reference}
	} else if err := t.DecodeAux(&aux); err != nil {
		return NotHandled, err
	}
	if err := t.Touch(ctx); err != nil {
		return NotHandled, err
	}

	photoURL, err := h.storePhoto(ctx, t, aux, media)
	if err != nil {
		slog.Error("IncidentHandler.HandleMedia: photo not stored", "error", err, "user", t.UserID(), "reference", aux.Reference)
		h.capture(ctx, t, aux, media, err)
		return Reply(models.Text("Sorry, we couldn't save that photo. Please send it again, or type *SKIP* to submit without one.")), nil
	}

	if !t.State.IsIdle() {
		if err := t.Finish(ctx); err != nil {
			return NotHandled, err
		}
	}
	if err := h.submit(ctx, t, aux.IncidentID, photoURL); errors.Is(err, errIncidentMissing) {
		return Reply(models.Text(incidentMissingText)), nil
	} else if err != nil {
		return NotHandled, err
	}
	return Reply(models.Text(fmt.Sprintf("📸 Photo received. Incident *%s* submitted. Thank you!", aux.Reference))), nil
}

func (h *IncidentHandler) storePhoto(ctx context.Context, t *Turn, aux incidentAux, media models.Media) (string, error) {
	return uploadIncidentPhoto(ctx, h.media, h.objects, t.UserID(), aux.Reference, media)
}

func uploadIncidentPhoto(ctx context.Context, fetcher MediaFetcher, objects store.ObjectStore, userID, reference string, media models.Media) (string, error) {
	if fetcher == nil || objects == nil {
		return "", fmt.Errorf("media storage not configured")
	}
	data, mimeType, err := fetcher.FetchMedia(ctx, media)
	if err != nil {
		return "", fmt.Errorf("fetch photo: %w", err)
	}
	if mimeType == "" {
		mimeType = media.MimeType
	}
	path := fmt.Sprintf("incidents/%s/%s%s", userID, reference, extensionFor(mimeType))
	return objects.Upload(ctx, path, mimeType, data)
}

func (h *IncidentHandler) capture(ctx context.Context, t *Turn, aux incidentAux, media models.Media, cause error) {
	if h.deadLetters == nil {
		return
	}
	if err := h.deadLetters.Capture(ctx, recovery.Letter{
		UserID: t.UserID(),
		Flow:   models.FlowIncident,
		Kind:   DeadLetterIncidentPhoto,
		Payload: map[string]string{
			"incident_id": aux.IncidentID,
			"reference":   aux.Reference,
			"media_id":    media.ID,
			"media_url":   media.URL,
			"mime_type":   media.MimeType,
		},
		Err: cause,
	}); err != nil {
		slog.Error("IncidentHandler.capture: dead letter failed", "error", err, "user", t.UserID())
	}
}

func (h *IncidentHandler) submit(ctx context.Context, t *Turn, incidentID, photoURL string) error {
	n, err := h.store.Update(ctx, store.CollectionIncidents, store.Filter{store.Eq("id", incidentID)}, store.Row{
		"photo_url":  photoURL,
		"status":     string(models.IncidentSubmitted),
		"updated_at": t.Now,
	})
	if err != nil {
		return fmt.Errorf("submit incident: %w", err)
	}
	if n == 0 {
		slog.Warn("IncidentHandler.submit: incident missing", "user", t.UserID(), "incident_id", incidentID)
		return errIncidentMissing
	}
	return nil
}

func (h *IncidentHandler) awaitingMedia(ctx context.Context, userID string) (*models.Incident, error) {
	row, err := h.store.GetOne(ctx, store.CollectionIncidents, store.Query{
		Filter: store.Filter{
			store.Eq("user_id", userID),
			store.Eq("status", string(models.IncidentAwaitingMedia)),
		},
		Order: []store.OrderBy{{Column: "created_at", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("load pending incident: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	var inc models.Incident
	if err := store.Decode(row, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// ReplayIncidentPhoto fetches a dead-lettered photo again and attaches it to its
// incident. It only works while the provider still serves the media.
func ReplayIncidentPhoto(rs store.RecordStore, fetcher MediaFetcher, objects store.ObjectStore) recovery.ReplayFunc {
	return func(ctx context.Context, letter models.DeadLetter) error {
		var p map[string]string
		if err := recovery.DecodePayload(letter, &p); err != nil {
			return err
		}
		if p["incident_id"] == "" || (p["media_id"] == "" && p["media_url"] == "") {
			return fmt.Errorf("incident photo payload missing incident or media")
		}
		media := models.Media{ID: p["media_id"], URL: p["media_url"], MimeType: p["mime_type"]}
		photoURL, err := uploadIncidentPhoto(ctx, fetcher, objects, letter.UserID, p["reference"], media)
		if err != nil {
			return err
		}
		n, err := rs.Update(ctx, store.CollectionIncidents, store.Filter{store.Eq("id", p["incident_id"])}, store.Row{
			"photo_url":  photoURL,
			"status":     string(models.IncidentSubmitted),
			"updated_at": time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("attach replayed photo: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("incident %s not found", p["incident_id"])
		}
		return nil
	}
}
