// Command stakingd serves the Heliactyl coin staking API.
//
// Run with:
//
//	stakingd serve --config stakingd.yaml
//	stakingd --config stakingd.yaml
//	stakingd migrate-legacy --config stakingd.yaml
//
// Without --config the defaults apply; STAKINGD_JWT_SECRET must then be set
// in the environment. --db overrides the BoltDB file location from the
// configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/arkantrust/heliactyl-staking/config"
	"github.com/arkantrust/heliactyl-staking/handlers"
	"github.com/arkantrust/heliactyl-staking/logging"
	"github.com/arkantrust/heliactyl-staking/middleware"
	"github.com/arkantrust/heliactyl-staking/routes"
	"github.com/arkantrust/heliactyl-staking/staking"
	"github.com/arkantrust/heliactyl-staking/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a YAML or TOML configuration file",
		EnvVars: []string{"STAKINGD_CONFIG"},
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "BoltDB file, overrides dbPath from the configuration",
	}
)

func main() {
	app := &cli.App{
		Name:  "stakingd",
		Usage: "Heliactyl coin staking service",
		Flags: []cli.Flag{configFlag, dbFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:   "migrate-legacy",
				Usage:  "convert every single-stake record to the positions format",
				Action: migrateLegacy,
			},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// service holds what both commands need once configuration is loaded.
type service struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *prometheus.Registry
	engine   *staking.Engine
	close    func()
}

func setup(c *cli.Context) (*service, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if db := c.String(dbFlag.Name); db != "" {
		cfg.DBPath = db
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.Setup(cfg.Observability.ServiceName, cfg.Env, logging.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	s, err := store.New(cfg.DBPath)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := staking.New(s, cfg.Staking.Params(),
		staking.WithLogger(logger),
		staking.WithMetrics(staking.NewMetrics(registry, cfg.Observability.MetricsPrefix)),
	)
	if err != nil {
		s.Close()
		logCloser.Close()
		return nil, err
	}

	return &service{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: registry,
		engine:   engine,
		close: func() {
			if err := s.Close(); err != nil {
				logger.Error("close database", slog.String("error", err.Error()))
			}
			logCloser.Close()
		},
	}, nil
}

func serve(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, l := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: l.RequestsPerMinute, Burst: l.Burst}
	}

	router, err := routes.New(routes.Config{
		Handler: handlers.New(rt.engine, logger),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			CookieName: cfg.Auth.CookieName,
			LoginPath:  cfg.Auth.LoginPath,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		Idempotency: middleware.NewIdempotency(rt.store, cfg.Idempotency.TTL, logger),
		RateLimiter: middleware.NewRateLimiter(limits, cfg.TrustProxyHeaders, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       cfg.Observability.Metrics,
		}, rt.registry, logger),
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		AdminAPIKey: cfg.Admin.APIKey,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("db", cfg.DBPath),
			slog.Bool("admin_api", cfg.Admin.APIKey != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrateLegacy(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.engine.MigrateAll()
	if err != nil {
		return err
	}
	rt.logger.Info("legacy stakes migrated", slog.Int("users", n))
	return nil
}
