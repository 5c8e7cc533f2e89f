package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medstock/medstock/internal/config"
	"github.com/medstock/medstock/internal/domain/backup"
	"github.com/medstock/medstock/internal/domain/medication"
	"github.com/medstock/medstock/internal/domain/report"
	"github.com/medstock/medstock/internal/platform/db"
	"github.com/medstock/medstock/internal/platform/middleware"
	"github.com/medstock/medstock/internal/platform/scheduler"
	"github.com/medstock/medstock/internal/platform/telemetry"
	"github.com/medstock/medstock/migrations"
)

const shutdownTimeout = 10 * time.Second

// store is an opened backend and the repositories on top of it.
type store struct {
	backend string
	repos   medication.Repos
	pinger  db.Pinger
	pool    *pgxpool.Pool
	kv      *badger.DB
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.kv != nil {
		s.kv.Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{backend: cfg.StoreBackend, repos: medication.NewPGRepos(pool), pinger: pool, pool: pool}, nil
	case config.BackendBadger:
		kv, err := db.OpenBadger(cfg.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dir", cfg.BadgerDir).Msg("opened badger store")
		return newBadgerStore(kv), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newBadgerStore(kv *badger.DB) *store {
	return &store{
		backend: config.BackendBadger,
		repos:   medication.NewBadgerRepos(kv),
		pinger:  db.BadgerPinger{DB: kv},
		kv:      kv,
	}
}

// app holds the wired services shared by the server and the one-shot
// commands.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	store       *store
	metrics     *telemetry.Metrics
	medications *medication.Service
	reports     *report.Service
	backup      *backup.Service
}

// newApp wires services on st. metrics may be nil.
func newApp(cfg *config.Config, logger zerolog.Logger, st *store, metrics *telemetry.Metrics) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	meds := medication.NewService(st.repos)
	meds.SetLocation(loc)
	meds.SetLogger(logger.With().Str("component", "stock").Logger())
	meds.SetMetrics(metrics)

	reports := report.NewService(st.repos, cfg.LowStockThreshold, cfg.Currency)
	reports.SetLocation(loc)

	bk := backup.NewService(st.repos)
	bk.SetLogger(logger.With().Str("component", "backup").Logger())

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		metrics:     metrics,
		medications: meds,
		reports:     reports,
		backup:      bk,
	}, nil
}

// newRegistry returns a registry with the runtime collectors and the
// medstock metrics registered.
func newRegistry() (*prometheus.Registry, *telemetry.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, telemetry.NewMetrics(reg)
}

// buildServer assembles the echo instance. reg may be nil when metrics are
// disabled.
func buildServer(a *app, reg *prometheus.Registry) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.ImportBodyLimit, "/api/v1/backup"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", echo.HeaderContentDisposition},
	}))
	e.Use(a.metrics.Middleware())

	apiV1 := e.Group("/api/v1")
	medication.NewHandler(a.medications).RegisterRoutes(apiV1)
	report.NewHandler(a.reports).RegisterRoutes(apiV1)
	backup.NewHandler(a.backup).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.store.backend, a.store.pinger))
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	return e
}

func runServer(migrate bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer st.Close()

	if migrate && st.pool != nil {
		count, err := db.NewMigrator(st.pool, migrations.Files).Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", count).Msg("migrations applied")
	}

	var (
		reg     *prometheus.Registry
		metrics *telemetry.Metrics
	)
	if cfg.MetricsEnabled {
		reg, metrics = newRegistry()
	}

	a, err := newApp(cfg, logger, st, metrics)
	if err != nil {
		return err
	}
	e := buildServer(a, reg)

	loc, _ := cfg.Location()
	reduction, err := scheduler.NewDaily("daily-stock-reduction", cfg.ReductionSchedule, loc, logger,
		func(ctx context.Context) error {
			_, err := a.medications.RunDailyReduction(ctx)
			return err
		})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("backend", st.backend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.RunReductionOnStart {
		// Catches up a missed midnight; a no-op when today's run already happened.
		g.Go(func() error {
			reduction.RunNow(gctx)
			return nil
		})
	}
	g.Go(func() error { return reduction.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
