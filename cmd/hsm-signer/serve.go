package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kenneth/hsm-signing-gateway/internal/api"
	"github.com/kenneth/hsm-signing-gateway/internal/audit"
	"github.com/kenneth/hsm-signing-gateway/internal/config"
	"github.com/kenneth/hsm-signing-gateway/internal/metrics"
	"github.com/kenneth/hsm-signing-gateway/internal/middleware"
	"github.com/kenneth/hsm-signing-gateway/internal/signing"
	"github.com/kenneth/hsm-signing-gateway/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the admin HTTP API and metrics endpoint",
	Action: func(cCtx *cli.Context) error {
		cfg, logger, err := setup(cCtx)
		if err != nil {
			return err
		}
		return serve(cCtx.Context, cCtx.String(flagConfig.Name), cfg, logger)
	},
}

func serve(ctx context.Context, configPath string, cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"providers": len(cfg.Providers),
	}).Info("Starting HSM signing gateway")

	m := metrics.NewMetrics()
	stopCollector := make(chan struct{})
	defer close(stopCollector)
	m.StartSystemMetricsCollector(15*time.Second, stopCollector)

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()
	if cfg.Tracing.Enabled {
		logger.WithFields(logrus.Fields{
			"exporter":       cfg.Tracing.Exporter,
			"sampling_ratio": cfg.Tracing.SamplingRatio,
		}).Info("Tracing enabled")
	}

	opts := []signing.Option{signing.WithMetrics(m)}
	if cfg.Audit.Enabled {
		auditLog := audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger), audit.WithErrorLogger(logger))
		opts = append(opts, signing.WithAudit(auditLog))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}
	svc := signing.NewService(cfg, logger, opts...)
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to release providers")
		}
	}()

	if cfg.Signing.WarmUp {
		if err := svc.WarmUp(ctx); err != nil {
			logger.WithError(err).Warn("Some providers failed to initialize at startup")
		}
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			if level, err := logrus.ParseLevel(next.LogLevel); err == nil {
				logger.SetLevel(level)
			}
			if err := svc.ApplyConfig(ctx, next); err != nil {
				logger.WithError(err).Warn("Configuration applied with provider errors")
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	router.Use(middleware.MetricsMiddleware(m))
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer limiter.Stop()
		router.Use(middleware.RateLimitMiddleware(limiter))
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	api.NewHandler(svc, logger).RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.SecurityHeadersMiddleware()(handler)
	handler = middleware.LoggingMiddleware(logger, &cfg.Logging)(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)
	handler = middleware.RequestIDMiddleware()(handler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
