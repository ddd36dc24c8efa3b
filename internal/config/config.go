// Package config loads StampPipe configuration from the environment, an optional .env
// file and an optional YAML file of feature overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/util"
)

// Default configuration constants
const (
	DefaultStateDir             = "/var/lib/stamppipe"
	DefaultAppDBFileName        = "stamppipe.db"
	DefaultWhatsAppDBFileName   = "whatsmeow.db"
	DefaultAPIAddr              = ":8080"
	DefaultVerifyToken          = "myverifytoken"
	DefaultTZOffsetHours        = 2
	DefaultVoicelogReminderCron = "0 18 * * 0"
	DefaultPruneCron            = "30 3 * * *"
	DefaultReplayCron           = "*/15 * * * *"
	DefaultProcessedRetention   = 720 * time.Hour
)

// Messaging providers.
const (
	ProviderCloud     = "cloud"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
)

// StoreConfig selects and addresses the record store.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	SupabaseURL   string
	SupabaseKey   string
	StorageBucket string
}

// MessagingConfig selects the WhatsApp provider and holds its credentials.
type MessagingConfig struct {
	Provider        string
	WhatsAppToken   string
	PhoneID         string
	AppSecret       string
	VerifyToken     string
	TwilioSID       string
	TwilioAuthToken string
	TwilioFrom      string
	WhatsAppDBDSN   string
}

// QueueLocation is a queue location as written in the YAML file.
type QueueLocation struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	MaxCapacity int    `yaml:"max_capacity"`
	Active      *bool  `yaml:"active"`
}

// Features are the values a deployment may override from the YAML file.
type Features struct {
	Content              flow.Content                 `yaml:"content"`
	Badges               []gamification.BadgeRule     `yaml:"badges"`
	Milestones           map[gamification.Track][]int `yaml:"milestones"`
	QueueLocations       []QueueLocation              `yaml:"queue_locations"`
	VoicelogReminderCron string                       `yaml:"voicelog_reminder_cron"`
}

// Config is the full runtime configuration.
type Config struct {
	StateDir           string
	LogLevel           string
	APIAddr            string
	PublicURL          string
	OpenAIKey          string
	TZOffsetHours      int
	PruneCron          string
	ReplayCron         string
	ProcessedRetention time.Duration
	// AutoMigrate applies embedded migrations when a command opens an SQL store.
	AutoMigrate        bool
	Store              StoreConfig
	Messaging          MessagingConfig
	Features           Features
}

// LoadDotEnv loads a .env file if present. A missing file is not an error.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// Load reads the environment and then applies the YAML file at path, if any. Values
// set in the environment win over the file.
func Load(path string) (Config, error) {
	cfg := Config{
		StateDir:           envOr("STAMPPIPE_STATE_DIR", DefaultStateDir),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		APIAddr:            envOr("API_ADDR", DefaultAPIAddr),
		PublicURL:          os.Getenv("PUBLIC_URL"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		TZOffsetHours:      util.ParseIntEnv("TZ_OFFSET_HOURS", DefaultTZOffsetHours),
		PruneCron:          envOr("PRUNE_CRON", DefaultPruneCron),
		ReplayCron:         envOr("DEAD_LETTER_REPLAY_CRON", DefaultReplayCron),
		ProcessedRetention: util.ParseDurationEnv("PROCESSED_RETENTION", DefaultProcessedRetention),
		AutoMigrate:        util.ParseBoolEnv("AUTO_MIGRATE", true),
		Store: StoreConfig{
			Backend:       os.Getenv("STORE_BACKEND"),
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			SupabaseURL:   os.Getenv("SUPABASE_URL"),
			SupabaseKey:   util.FirstEnv("SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_KEY"),
			StorageBucket: os.Getenv("STORAGE_BUCKET"),
		},
		Messaging: MessagingConfig{
			Provider:        strings.ToLower(os.Getenv("MESSAGING_PROVIDER")),
			WhatsAppToken:   os.Getenv("WHATSAPP_TOKEN"),
			PhoneID:         os.Getenv("WHATSAPP_PHONE_ID"),
			AppSecret:       os.Getenv("WHATSAPP_APP_SECRET"),
			VerifyToken:     util.FirstEnv("VERIFY_TOKEN", "WHATSAPP_VERIFY_TOKEN"),
			TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
			TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
			TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
			WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		},
		Features: Features{
			Content:              flow.DefaultContent(),
			VoicelogReminderCron: DefaultVoicelogReminderCron,
		},
	}
	if cfg.Messaging.VerifyToken == "" {
		cfg.Messaging.VerifyToken = DefaultVerifyToken
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnvOverrides()

	if cfg.Messaging.Provider == "" {
		cfg.Messaging.Provider = DetectProvider(cfg.Messaging)
	}
	if cfg.Messaging.WhatsAppDBDSN == "" {
		cfg.Messaging.WhatsAppDBDSN = WhatsAppDSNFor(cfg.StateDir)
	}

	slog.Debug("environment variables loaded",
		"STAMPPIPE_STATE_DIR", cfg.StateDir,
		"STORE_BACKEND", cfg.Store.Backend,
		"DATABASE_URL_SET", cfg.Store.DatabaseURL != "",
		"SUPABASE_URL_SET", cfg.Store.SupabaseURL != "",
		"MESSAGING_PROVIDER", cfg.Messaging.Provider,
		"WHATSAPP_TOKEN_SET", cfg.Messaging.WhatsAppToken != "",
		"TWILIO_AUTH_TOKEN_SET", cfg.Messaging.TwilioAuthToken != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"API_ADDR", cfg.APIAddr,
		"AUTO_MIGRATE", cfg.AutoMigrate,
		"TZ_OFFSET_HOURS", cfg.TZOffsetHours)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.Features); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	slog.Debug("config file applied", "path", path, "badges", len(c.Features.Badges), "queue_locations", len(c.Features.QueueLocations))
	return nil
}

func (c *Config) applyEnvOverrides() {
	content := &c.Features.Content
	setIf(&content.CardBaseURL, "CARD_BASE_URL")
	setIf(&content.DashboardURL, "DASHBOARD_URL")
	setIf(&content.QueueDashURL, "QUEUE_DASHBOARD_URL")
	setIf(&content.EduOverviewURL, "EDU_YT_URL")
	setIf(&content.EduStampURL, "EDU_YT2_URL")
	setIf(&content.MeetingURL, "MEETING_URL")
	setIf(&c.Features.VoicelogReminderCron, "VOICELOG_REMINDER_CRON")
}

// WhatsAppDSNFor is the default whatsmeow session database inside stateDir.
func WhatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// DetectProvider picks a provider from the credentials present: Cloud API, then Twilio,
// then a whatsmeow session.
func DetectProvider(m MessagingConfig) string {
	switch {
	case m.WhatsAppToken != "" && m.PhoneID != "":
		return ProviderCloud
	case m.TwilioSID != "" && m.TwilioAuthToken != "":
		return ProviderTwilio
	default:
		return ProviderWhatsmeow
	}
}

// Locations converts the configured queue locations. Locations are active unless the
// file says otherwise.
func (f Features) Locations() []models.QueueLocation {
	out := make([]models.QueueLocation, 0, len(f.QueueLocations))
	for _, l := range f.QueueLocations {
		active := l.Active == nil || *l.Active
		out = append(out, models.QueueLocation{Slug: l.Slug, Name: l.Name, MaxCapacity: l.MaxCapacity, IsActive: active})
	}
	return out
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setIf(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
