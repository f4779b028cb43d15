package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/coach-planner/internal/agent"
	"github.com/PortNumber53/coach-planner/internal/auth"
	"github.com/PortNumber53/coach-planner/internal/billing"
	"github.com/PortNumber53/coach-planner/internal/config"
	"github.com/PortNumber53/coach-planner/internal/handlers"
	"github.com/PortNumber53/coach-planner/internal/httpserver"
	"github.com/PortNumber53/coach-planner/internal/logging"
	"github.com/PortNumber53/coach-planner/internal/mailer"
	"github.com/PortNumber53/coach-planner/internal/media"
	"github.com/PortNumber53/coach-planner/internal/migrations"
	"github.com/PortNumber53/coach-planner/internal/search"
	"github.com/PortNumber53/coach-planner/internal/store"
	stripeClient "github.com/PortNumber53/coach-planner/internal/stripe"
	"github.com/PortNumber53/coach-planner/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Init("console", "info")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.Init(cfg.LogFormat, cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(logger, cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(logger, db); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	srv, err := build(cfg, logger, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func build(cfg config.Config, logger zerolog.Logger, db *sql.DB) (*httpserver.Server, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		return nil, err
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		return nil, err
	}

	prices, err := billing.NewPriceTable(cfg.Stripe.PriceIDMonthly, cfg.Stripe.PriceIDYearly)
	if err != nil {
		return nil, err
	}
	stripe := stripeClient.NewClient(cfg.Stripe.SecretKey)
	reconciler := billing.NewReconciler(st, stripe, prices)

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, st)

	orchestrator := agent.New(
		agent.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL),
		search.NewClient(cfg.Search.APIKey, cfg.Search.BaseURL),
		cfg.LLM.Model,
		cfg.LLM.Temperature,
	)

	var sender mailer.Sender = mailer.LogSender{}
	if cfg.Email.Host != "" {
		smtp, err := mailer.NewSMTP(cfg.Email)
		if err != nil {
			return nil, err
		}
		sender = smtp
	} else {
		logger.Warn().Msg("EMAIL_HOST not set; outbound email is logged instead of sent")
	}

	// Profile pictures are optional; without a bucket uploads are refused.
	var pictures handlers.ProfileMedia
	if cfg.Storage.Bucket != "" {
		storage, err := media.New(context.Background(), cfg.Storage)
		if err != nil {
			return nil, err
		}
		pictures = storage
	}

	jobWorker := worker.New(worker.DefaultConfig(), jobs, nil)
	worker.RegisterEmailJobs(jobWorker, sender)
	jobWorker.SetInstrumentation(worker.PrometheusInstrumentation())

	secureCookies := strings.HasPrefix(cfg.FrontendDomain, "https://")

	return httpserver.New(cfg, httpserver.Deps{
		Logger:   logger,
		DB:       db,
		Jobs:     jobs,
		Tokens:   issuer,
		Users:    handlers.NewUserHandler(st, issuer, jobs, reconciler, pictures, secureCookies),
		Chats:    handlers.NewChatHandler(plans, st, orchestrator),
		Classes:  handlers.NewClassHandler(plans, plans),
		Payments: handlers.NewPaymentHandler(st, stripe, reconciler, prices, cfg.Stripe.WebhookSecret, cfg.FrontendDomain),
		Worker:   jobWorker,
	})
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(logger zerolog.Logger, db *sql.DB) error {
	if err := migrations.Up(db); err != nil {
		if strings.Contains(err.Error(), "Dirty database version") {
			logger.Warn().Err(err).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				logger.Error().Err(fixErr).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(logger zerolog.Logger, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	logger.Info().Str("host", u.Hostname()).Str("db", strings.TrimPrefix(u.Path, "/")).Msg("db: configured")
}
