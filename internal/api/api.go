// Package api provides the HTTP server for StampPipe.
//
// It exposes the WhatsApp webhooks (Cloud API and Twilio), the public queue dashboard,
// a health check and, when media is stored locally, the uploaded files.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/models"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultVerifyToken answers the Cloud API subscription handshake when none is configured.
	DefaultVerifyToken = "myverifytoken"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxWebhookBody caps inbound webhook payloads.
	maxWebhookBody = 1 << 20
)

// Processor handles one normalized inbound event.
type Processor interface {
	Process(ctx context.Context, ev models.InboundEvent) flow.Outcome
}

// DashboardSource produces the public queue snapshot.
type DashboardSource interface {
	Snapshot(ctx context.Context, slug string) (*flow.QueueSnapshot, error)
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr            string
	VerifyToken     string
	AppSecret       string // verifies X-Hub-Signature-256 when set
	TwilioAuthToken string // verifies X-Twilio-Signature when set
	PublicURL       string // externally visible base URL, used for Twilio signatures
	MediaDir        string // served under /media/ when set
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.opts.Addr = addr
		}
	}
}

// WithVerifyToken sets the Cloud API verify token.
func WithVerifyToken(token string) Option {
	return func(s *Server) {
		if token != "" {
			s.opts.VerifyToken = token
		}
	}
}

// WithAppSecret enables Cloud API payload signature checks.
func WithAppSecret(secret string) Option {
	return func(s *Server) { s.opts.AppSecret = secret }
}

// WithTwilioAuth enables Twilio signature checks against publicURL.
func WithTwilioAuth(authToken, publicURL string) Option {
	return func(s *Server) {
		s.opts.TwilioAuthToken = authToken
		s.opts.PublicURL = publicURL
	}
}

// WithMediaDir serves locally stored uploads under /media/.
func WithMediaDir(dir string) Option {
	return func(s *Server) { s.opts.MediaDir = dir }
}

// WithChoices resolves typed menu numbers on the Twilio webhook.
func WithChoices(choices messaging.ChoiceStore) Option {
	return func(s *Server) { s.choices = choices }
}

// WithClock sets the time source of the health check.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server routes HTTP requests to the inbound pipeline and the dashboard.
type Server struct {
	opts      Opts
	pipeline  Processor
	dashboard DashboardSource
	choices   messaging.ChoiceStore
	now       func() time.Time
}

// NewServer creates a server. dashboard may be nil, in which case /qmunity is not routed.
func NewServer(pipeline Processor, dashboard DashboardSource, opts ...Option) *Server {
	s := &Server{
		opts:      Opts{Addr: DefaultAddr, VerifyToken: DefaultVerifyToken},
		pipeline:  pipeline,
		dashboard: dashboard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("Server config loaded", "addr", s.opts.Addr, "app_secret_set", s.opts.AppSecret != "",
		"twilio_auth_set", s.opts.TwilioAuthToken != "", "media_dir", s.opts.MediaDir)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.dashboard != nil {
		mux.HandleFunc("/qmunity", s.queueDashboardHandler)
	}
	if s.opts.MediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.opts.MediaDir))))
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
