package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/cajacentral/facturador/internal"
	"github.com/cajacentral/facturador/internal/builder"
	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/events"
	"github.com/cajacentral/facturador/internal/hacienda"
	"github.com/cajacentral/facturador/internal/handler"
	"github.com/cajacentral/facturador/internal/middleware"
	"github.com/cajacentral/facturador/internal/postgres"
	"github.com/cajacentral/facturador/internal/service"
	"github.com/cajacentral/facturador/internal/signer"
	"github.com/cajacentral/facturador/internal/telemetry"
	"github.com/cajacentral/facturador/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	logger.Info().Msg("connecting to database")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info().Msg("running database migrations")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	store := postgres.New(pool)

	// Signing material. A missing or expired certificate does not block
	// startup: issuance fails fast while delivery of already signed
	// documents continues.
	var (
		docSigner *signer.Signer
		certWatch worker.CertWatcher
	)
	cert, err := signer.LoadCertificate(cfg.Certificate.CertPath, cfg.Certificate.KeyPath)
	if err != nil {
		logger.Error().Err(err).Msg("signing certificate unavailable, issuance disabled until fixed")
		docSigner = signer.New(nil)
	} else {
		docSigner = signer.New(cert)
		certWatch = cert
		logger.Info().
			Int("days_to_expiry", cert.DaysUntilExpiry(time.Now())).
			Msg("signing certificate loaded")
	}

	tolerance, err := decimal.NewFromString(cfg.RoundingTolerance)
	if err != nil {
		return fmt.Errorf("invalid ROUNDING_TOLERANCE: %w", err)
	}

	issuerParty := domain.Party{
		Name: cfg.Hacienda.IssuerName,
		Identification: domain.Identification{
			Type:   cfg.Hacienda.IssuerIDType,
			Number: cfg.Hacienda.IssuerIDNumber,
		},
		Email:   cfg.Hacienda.IssuerEmail,
		Phone:   cfg.Hacienda.IssuerPhone,
		Address: cfg.Hacienda.IssuerAddress,
	}

	// Status events go to NATS when a broker is configured, otherwise
	// to the log.
	var publisher domain.EventPublisher
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("facturador"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer conn.Drain()
		publisher = events.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix)
		logger.Info().Str("url", cfg.NATS.URL).Msg("publishing status events to NATS")
	} else {
		publisher = events.NewLogPublisher(logger)
		logger.Info().Msg("no NATS broker configured, status events go to the log")
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	tracker := service.NewTracker(store.Audit, publisher, logger)

	client := hacienda.NewHTTPClient(hacienda.ClientConfig{
		APIBaseURL: cfg.Hacienda.APIBaseURL,
		TokenURL:   cfg.Hacienda.TokenURL,
		Username:   cfg.Hacienda.Username,
		Password:   cfg.Hacienda.Password,
		ClientID:   cfg.Hacienda.ClientID(),
		Timeout:    cfg.Hacienda.RequestTimeout,
	}, logger)

	issuer := service.NewIssuer(service.IssuerParams{
		IssuerID:  cfg.Hacienda.IssuerIDNumber,
		Builder:   builder.New(issuerParty, cfg.Hacienda.ActivityCode, tolerance),
		Sequences: store.Sequences,
		Documents: store.Documents,
		Outbox:    store.Outbox,
		Audit:     store.Audit,
		Signer:    docSigner,
		Marshaler: hacienda.NewCodec(),
		Tracker:   tracker,
		Metrics:   metrics,
		Logger:    logger,
	})

	hostname, _ := os.Hostname()
	deliveryWorker := worker.New(worker.Config{
		ID:                fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		PollInterval:      cfg.Worker.PollInterval,
		BranchConcurrency: cfg.Worker.BranchConcurrency,
		LeaseTTL:          cfg.Worker.LeaseTTL,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		CertExpiryWindow:  cfg.Certificate.ExpiryAlertWindow,
	}, store.Outbox, store.Documents, client, tracker, certWatch, metrics, logger)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := deliveryWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("delivery worker exited")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.NewHTTPMetrics(prometheus.DefaultRegisterer).Middleware())
	e.Use(middleware.RequestLogger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler.New(issuer, logger).Register(e.Group("/api/v1"))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info().Str("addr", addr).Msg("http server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	<-workerDone

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
