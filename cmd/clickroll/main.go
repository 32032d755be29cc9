package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/clickroll/internal/api"
	"github.com/rcourtman/clickroll/internal/config"
	"github.com/rcourtman/clickroll/internal/ingest"
	"github.com/rcourtman/clickroll/internal/logging"
	"github.com/rcourtman/clickroll/internal/notifications"
	"github.com/rcourtman/clickroll/internal/ratelimit"
	"github.com/rcourtman/clickroll/internal/roll"
	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/telemetry"
	"github.com/rcourtman/clickroll/internal/turnstile"
	"github.com/rcourtman/clickroll/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	sweepInterval = 5 * time.Minute
	idleHorizon   = 12 * time.Hour
)

var rootCmd = &cobra.Command{
	Use:     "clickroll",
	Short:   "clickroll - realtime global click counter",
	Long:    `clickroll is a realtime click counter with rolling per-second aggregation across minutes, hours, days, months and years`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clickroll %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs, reconfigured once config loads
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "clickroll",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "clickroll",
	})

	log.Info().Str("version", Version).Msg("Starting clickroll server")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dataDir", cfg.DataDir).Msg("Failed to open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(cfg.AllowedOriginList())
	telemetry.RegisterClientGauge(hub.GetClientCount)

	guard := ratelimit.New(ratelimit.Thresholds{
		SecondThreshold:   cfg.RateSecondThreshold,
		MinuteThreshold:   cfg.RateMinuteThreshold,
		HourThreshold:     cfg.RateHourThreshold,
		SustainedActivity: cfg.SustainedActivity,
		SessionGap:        cfg.SessionGap,
	})

	ing := ingest.New(st, hub, ingest.Milestones{
		Step:  cfg.MilestoneStep,
		Grand: cfg.GrandMilestone,
	})

	scheduler := roll.New(st, hub)

	verifier := turnstile.New(cfg.TurnstileSecretKey)
	if !verifier.Enabled() {
		log.Warn().Msg("Turnstile secret not configured, challenge verification disabled")
	}

	mailer := notifications.New(notifications.Config{
		APIKey:    cfg.MailjetAPIKey,
		SecretKey: cfg.MailjetSecretKey,
		FromEmail: cfg.MailjetFromEmail,
		FromName:  cfg.MailjetFromName,
		ToEmail:   cfg.MailjetToEmail,
	})
	if !mailer.Configured() {
		log.Warn().Msg("Mailjet not configured, operator notifications disabled")
	}

	router := api.NewRouter(cfg, st, guard, ing, verifier, mailer, hub)

	// ReadHeaderTimeout instead of ReadTimeout so the deadline does not
	// outlive the websocket upgrade.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		guard.RunSweeper(ctx, sweepInterval, idleHorizon)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Shutdown complete")
}
