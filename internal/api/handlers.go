package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/twiliowhatsapp"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// webhookHandler serves the Cloud API webhook: GET for the subscription handshake and
// POST for deliveries.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyHandler(w, r)
	case http.MethodPost:
		s.cloudDeliveryHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.opts.VerifyToken {
		slog.Info("Server.verifyHandler: webhook verified")
		writeTextResponse(w, http.StatusOK, q.Get("hub.challenge"))
		return
	}
	slog.Warn("Server.verifyHandler: verification rejected", "mode", q.Get("hub.mode"))
	writeTextResponse(w, http.StatusForbidden, "forbidden")
}

// cloudDeliveryHandler always acknowledges with 200 so the provider does not retry; the
// idempotency guard absorbs any redelivery that happens anyway.
func (s *Server) cloudDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.cloudDeliveryHandler: failed to read body", "error", err)
		writeTextResponse(w, http.StatusOK, "ignored")
		return
	}
	if s.opts.AppSecret != "" && !messaging.VerifyCloudSignature(s.opts.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("Server.cloudDeliveryHandler: signature mismatch")
		writeTextResponse(w, http.StatusOK, "ignored")
		return
	}
	ev, ok, err := messaging.ParseCloudWebhook(body)
	if err != nil {
		slog.Warn("Server.cloudDeliveryHandler: malformed payload", "error", err)
		writeTextResponse(w, http.StatusOK, "ignored")
		return
	}
	if !ok {
		writeTextResponse(w, http.StatusOK, "ignored")
		return
	}
	outcome := s.pipeline.Process(context.WithoutCancel(r.Context()), ev)
	slog.Debug("Server.cloudDeliveryHandler: delivery handled", "message_id", ev.MessageID, "outcome", outcome)
	writeTextResponse(w, http.StatusOK, "ok")
}

// twilioWebhookHandler serves Twilio's form-encoded inbound webhook.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w)
		return
	}
	if s.opts.TwilioAuthToken != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		fullURL := strings.TrimRight(s.opts.PublicURL, "/") + r.URL.RequestURI()
		if !twiliowhatsapp.ValidateWebhook(s.opts.TwilioAuthToken, fullURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: signature mismatch", "url", fullURL)
			writeTwiML(w)
			return
		}
	}
	ev, ok := messaging.EventFromTwilioForm(r.PostForm)
	if !ok {
		slog.Warn("Server.twilioWebhookHandler: form without message")
		writeTwiML(w)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	ev = messaging.ResolveTypedChoice(ctx, s.choices, ev)
	outcome := s.pipeline.Process(ctx, ev)
	slog.Debug("Server.twilioWebhookHandler: delivery handled", "message_id", ev.MessageID, "outcome", outcome)
	writeTwiML(w)
}

// writeTwiML acknowledges with an empty TwiML document so Twilio sends nothing itself.
func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, emptyTwiML); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}

// queueDashboardHandler serves GET /qmunity?location=<slug> with open CORS.
func (s *Server) queueDashboardHandler(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		h.Set("Allow", "GET, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	slug := r.URL.Query().Get("location")
	snap, err := s.dashboard.Snapshot(r.Context(), slug)
	if errors.Is(err, flow.ErrLocationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, errorResponse{Error: "Location not found"})
		return
	}
	if err != nil {
		slog.Error("Server.queueDashboardHandler: snapshot failed", "error", err, "location", slug)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}
