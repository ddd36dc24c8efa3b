package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/StampPipe/internal/api"
	"github.com/BTreeMap/StampPipe/internal/config"
	"github.com/BTreeMap/StampPipe/internal/flow"
	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/lockfile"
	"github.com/BTreeMap/StampPipe/internal/messaging"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/scheduler"
	"github.com/BTreeMap/StampPipe/internal/store"
)

var serveFlags struct {
	qrOutput string
	numeric  bool
}

func init() {
	// root runs serve too, so both carry the login flags
	for _, c := range []*cobra.Command{serveCmd, rootCmd} {
		c.Flags().StringVar(&serveFlags.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
		c.Flags().BoolVar(&serveFlags.numeric, "numeric-code", false, "use a numeric login code instead of a QR code")
	}
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and background jobs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.Acquire(cfg.StateDir, "serve")
	if err != nil {
		return err
	}
	defer lock.Release()

	rs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer rs.Close()

	objects, mediaDir, err := buildObjectStore(cfg)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	choices := store.NewChoiceRepo(rs)
	gws, err := buildGateway(cfg, choices, buildWhatsAppOptions(cfg, serveFlags.qrOutput, serveFlags.numeric))
	if err != nil {
		return err
	}

	users := store.NewUserRepo(rs)
	guard := store.NewGuard(rs)
	calendar := gamification.NewCalendar(cfg.TZOffsetHours)
	deps := flow.Deps{
		Store:       rs,
		States:      flow.NewStoreBasedStateManager(rs),
		Users:       users,
		Engine:      buildEngine(rs, cfg),
		Calendar:    calendar,
		Objects:     objects,
		Media:       gws.gateway,
		Reflector:   buildReflector(cfg),
		DeadLetters: recovery.NewSink(rs),
		Content:     cfg.Features.Content,
	}
	pipeline := flow.NewPipeline(guard, users, flow.NewDefaultDispatcher(deps), gws.gateway)
	dashboard := flow.NewQueueDashboard(rs, calendar)

	apiOpts := buildAPIOptions(cfg, choices, mediaDir)
	server := api.NewServer(pipeline, dashboard, apiOpts...)

	sched := scheduler.NewScheduler(scheduler.WithLocation(zoneFor(cfg)))
	defer sched.Stop()
	if err := scheduleJobs(sched, cfg, jobs{
		reminder: flow.NewVoicelogReminder(rs, users, calendar, gws.gateway),
		replays:  newReplayManager(rs, gws.gateway, objects),
		guard:    guard,
	}); err != nil {
		return err
	}

	slog.Info("StampPipe started",
		"provider", cfg.Messaging.Provider,
		"api_addr", cfg.APIAddr,
		"state_dir", cfg.StateDir,
		"jobs", sched.Len(),
		"transcription", deps.Reflector != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if gws.session != nil {
		listener := messaging.NewWhatsAppListener(gws.session, choices, func(ctx context.Context, ev models.InboundEvent) {
			pipeline.Process(ctx, ev)
		})
		g.Go(func() error { return listener.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		slog.Error("StampPipe stopped with error", "error", err)
		return err
	}
	slog.Info("StampPipe exited successfully")
	return nil
}

// buildAPIOptions constructs API server options
func buildAPIOptions(c config.Config, choices messaging.ChoiceStore, mediaDir string) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(c.APIAddr),
		api.WithVerifyToken(c.Messaging.VerifyToken),
		api.WithChoices(choices),
	}
	if c.Messaging.AppSecret != "" {
		apiOpts = append(apiOpts, api.WithAppSecret(c.Messaging.AppSecret))
	}
	if c.Messaging.Provider == config.ProviderTwilio {
		apiOpts = append(apiOpts, api.WithTwilioAuth(c.Messaging.TwilioAuthToken, c.PublicURL))
	}
	if mediaDir != "" {
		apiOpts = append(apiOpts, api.WithMediaDir(mediaDir))
	}
	return apiOpts
}
