package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/StampPipe/internal/config"
)

// Flags holds the persistent command line flags. Empty values leave the environment
// configuration untouched.
type Flags struct {
	configPath string
	logLevel   string
	stateDir   string
	dbDSN      string
	apiAddr    string
}

var (
	flags Flags
	cfg   config.Config
)

var rootCmd = &cobra.Command{
	Use:           "stamppipe",
	Short:         "WhatsApp stamp card and small business assistant",
	Long:          "Runs the StampPipe WhatsApp bot. Without a subcommand it behaves like serve.",
	Args:          cobra.NoArgs,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initializeLogger(slog.LevelInfo)
		config.LoadDotEnv()
		if flags.configPath == "" {
			flags.configPath = os.Getenv("STAMPPIPE_CONFIG")
		}
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		cfg = applyFlags(loaded, flags)
		initializeLogger(cfg.SlogLevel())
		slog.Debug("flags parsed",
			"config", flags.configPath,
			"log_level", cfg.LogLevel,
			"state_dir", cfg.StateDir,
			"db_dsn_set", flags.dbDSN != "",
			"api_addr", cfg.APIAddr)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML file with content, badge and queue location overrides (overrides $STAMPPIPE_CONFIG)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	pf.StringVar(&flags.stateDir, "state-dir", "", "state directory for StampPipe data (overrides $STAMPPIPE_STATE_DIR)")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "record store DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	pf.StringVar(&flags.apiAddr, "api-addr", "", "API server address (overrides $API_ADDR)")
}

// initializeLogger sets up structured logging at level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// applyFlags lays explicitly set flags over the loaded configuration.
func applyFlags(c config.Config, f Flags) config.Config {
	if f.logLevel != "" {
		c.LogLevel = f.logLevel
	}
	if f.stateDir != "" && f.stateDir != c.StateDir {
		defaultDSN := config.WhatsAppDSNFor(c.StateDir)
		c.StateDir = f.stateDir
		// The session database follows the state directory unless it was set explicitly.
		if c.Messaging.WhatsAppDBDSN == defaultDSN {
			c.Messaging.WhatsAppDBDSN = config.WhatsAppDSNFor(f.stateDir)
		}
	}
	if f.dbDSN != "" {
		c.Store.DatabaseURL = f.dbDSN
	}
	if f.apiAddr != "" {
		c.APIAddr = f.apiAddr
	}
	return c
}
