package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/StampPipe/internal/config"
	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/genai"
	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/scheduler"
	"github.com/BTreeMap/StampPipe/internal/store"
	"github.com/BTreeMap/StampPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/StampPipe/internal/whatsapp"
)

// mediaDirName is the directory under the state directory holding local uploads.
const mediaDirName = "media"

// buildStoreOptions constructs record store options. Without a database URL or REST
// endpoint the store falls back to SQLite in the state directory.
func buildStoreOptions(c config.Config) []store.Option {
	var opts []store.Option
	if c.Store.Backend != "" {
		opts = append(opts, store.WithBackend(c.Store.Backend))
	}
	switch {
	case c.Store.DatabaseURL != "" && store.DetectDSNType(c.Store.DatabaseURL) == "postgres":
		opts = append(opts, store.WithPostgresDSN(c.Store.DatabaseURL))
	case c.Store.DatabaseURL != "":
		opts = append(opts, store.WithSQLiteDSN(c.Store.DatabaseURL))
	case c.Store.SupabaseURL != "" && c.Store.SupabaseKey != "":
		// REST backend, added below
	case c.Store.Backend == "":
		opts = append(opts, store.WithSQLiteDSN(filepath.Join(c.StateDir, config.DefaultAppDBFileName)))
	}
	if c.Store.SupabaseURL != "" {
		opts = append(opts, store.WithREST(c.Store.SupabaseURL, c.Store.SupabaseKey))
	}
	return opts
}

// storeBackend reports which backend opts select.
func storeBackend(opts []store.Option) string {
	var o store.Opts
	for _, opt := range opts {
		opt(&o)
	}
	return store.DetectBackend(o)
}

// ensureDirectoriesExist creates the state directory and, for a file based store, the
// directory of the database file.
func ensureDirectoriesExist(c config.Config, storeOpts []store.Option) error {
	dirs := []string{c.StateDir}
	if storeBackend(storeOpts) == store.BackendSQLite {
		var o store.Opts
		for _, opt := range storeOpts {
			opt(&o)
		}
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(o.DSN, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, store.DefaultDirPermissions); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// openStore opens the record store and seeds the configured queue locations.
func openStore(ctx context.Context, c config.Config) (store.RecordStore, error) {
	opts := buildStoreOptions(c)
	if !c.AutoMigrate {
		opts = append(opts, store.WithoutMigrations())
	}
	if err := ensureDirectoriesExist(c, opts); err != nil {
		return nil, err
	}
	rs, err := store.Open(opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if locs := c.Features.Locations(); len(locs) > 0 {
		if err := store.SeedQueueLocations(ctx, rs, locs); err != nil {
			rs.Close()
			return nil, err
		}
	}
	return rs, nil
}

// buildObjectStore uploads to a Supabase bucket when one is configured and to the
// state directory otherwise. mediaDir is set only for the local store and is what the
// API server must expose under /media/.
func buildObjectStore(c config.Config) (objects store.ObjectStore, mediaDir string, err error) {
	if c.Store.StorageBucket != "" {
		sos, err := store.NewSupabaseObjectStore(c.Store.StorageBucket, store.WithREST(c.Store.SupabaseURL, c.Store.SupabaseKey))
		if err != nil {
			return nil, "", err
		}
		slog.Info("Object storage: Supabase bucket", "bucket", c.Store.StorageBucket)
		return sos, "", nil
	}
	publicBase := strings.TrimRight(c.PublicURL, "/") + "/media"
	los, err := store.NewLocalObjectStore(filepath.Join(c.StateDir, mediaDirName), publicBase)
	if err != nil {
		return nil, "", err
	}
	if c.PublicURL == "" {
		slog.Warn("Object storage: PUBLIC_URL not set; stored media links will not be reachable by the provider")
	}
	slog.Info("Object storage: local directory", "dir", los.Dir())
	return los, los.Dir(), nil
}

// buildWhatsAppOptions constructs whatsmeow session options
func buildWhatsAppOptions(c config.Config, qrOutput string, numeric bool) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(c.Messaging.WhatsAppDBDSN)}
	if qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(qrOutput))
	}
	if numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// gatewaySet is the outbound gateway plus, for whatsmeow, the session that delivers
// inbound messages.
type gatewaySet struct {
	gateway messaging.Gateway
	session *whatsapp.Client
}

// buildGateway creates the gateway for the configured provider.
func buildGateway(c config.Config, choices messaging.ChoiceStore, waOpts []whatsapp.Option) (gatewaySet, error) {
	switch c.Messaging.Provider {
	case config.ProviderCloud:
		gw, err := messaging.NewCloudAPIGateway(messaging.WithCloudCredentials(c.Messaging.WhatsAppToken, c.Messaging.PhoneID))
		if err != nil {
			return gatewaySet{}, err
		}
		return gatewaySet{gateway: gw}, nil
	case config.ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.Messaging.TwilioSID),
			twiliowhatsapp.WithAuthToken(c.Messaging.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(c.Messaging.TwilioFrom),
		)
		if err != nil {
			return gatewaySet{}, fmt.Errorf("create twilio client: %w", err)
		}
		return gatewaySet{gateway: messaging.NewTwilioGateway(client, choices)}, nil
	case config.ProviderWhatsmeow:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return gatewaySet{}, fmt.Errorf("create whatsapp session: %w", err)
		}
		return gatewaySet{gateway: messaging.NewWhatsAppGateway(client, choices), session: client}, nil
	default:
		return gatewaySet{}, fmt.Errorf("unknown messaging provider %q", c.Messaging.Provider)
	}
}

// buildReflector returns the OpenAI client, or nil when no key is configured; the voice
// log flow then asks users to type their reflection.
func buildReflector(c config.Config) flow.Reflector {
	if c.OpenAIKey == "" {
		slog.Warn("OPENAI_API_KEY not set; voice notes will not be transcribed")
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(c.OpenAIKey))
	if err != nil {
		slog.Error("Failed to create GenAI client", "error", err)
		return nil
	}
	return client
}

// buildEngine constructs the gamification engine from the configured rules.
func buildEngine(rs store.RecordStore, c config.Config) *gamification.Engine {
	var opts []gamification.Option
	if len(c.Features.Badges) > 0 {
		opts = append(opts, gamification.WithBadgeRules(c.Features.Badges))
	}
	if len(c.Features.Milestones) > 0 {
		opts = append(opts, gamification.WithMilestones(c.Features.Milestones))
	}
	return gamification.NewEngine(rs, opts...)
}

// newReplayManager registers a replay for every dead letter kind the flows produce.
func newReplayManager(rs store.RecordStore, media flow.MediaFetcher, objects store.ObjectStore) *recovery.Manager {
	m := recovery.NewManager(rs)
	m.Register(flow.DeadLetterWeeklyLog, flow.ReplayWeeklyLog(rs))
	m.Register(flow.DeadLetterIncidentPhoto, flow.ReplayIncidentPhoto(rs, media, objects))
	m.Register(flow.DeadLetterExpense, flow.ReplayExpense(rs))
	return m
}

// jobs are the background tasks run on the scheduler.
type jobs struct {
	reminder *flow.VoicelogReminder
	replays  *recovery.Manager
	guard    *store.Guard
}

// scheduleJobs adds the reminder, dead letter replay and dedup pruning jobs.
func scheduleJobs(s *scheduler.Scheduler, c config.Config, j jobs) error {
	if err := s.AddNamedJob("voicelog_reminder", c.Features.VoicelogReminderCron, func(ctx context.Context) error {
		_, err := j.reminder.Run(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("schedule voicelog reminder %q: %w", c.Features.VoicelogReminderCron, err)
	}
	if err := s.AddNamedJob("dead_letter_replay", c.ReplayCron, func(ctx context.Context) error {
		_, err := j.replays.ReplayAll(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("schedule dead letter replay %q: %w", c.ReplayCron, err)
	}
	if err := s.AddNamedJob("processed_prune", c.PruneCron, func(ctx context.Context) error {
		_, err := j.guard.Prune(ctx, c.ProcessedRetention)
		return err
	}); err != nil {
		return fmt.Errorf("schedule prune %q: %w", c.PruneCron, err)
	}
	return nil
}

// zoneFor is the fixed business time zone used by the calendar and the scheduler.
func zoneFor(c config.Config) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.TZOffsetHours), c.TZOffsetHours*3600)
}
