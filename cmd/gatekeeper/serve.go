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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/gatekeeper/internal"
	"github.com/DukeRupert/gatekeeper/internal/admission"
	"github.com/DukeRupert/gatekeeper/internal/delivery"
	"github.com/DukeRupert/gatekeeper/internal/entitlement"
	"github.com/DukeRupert/gatekeeper/internal/extract"
	"github.com/DukeRupert/gatekeeper/internal/handler"
	"github.com/DukeRupert/gatekeeper/internal/metrics"
	"github.com/DukeRupert/gatekeeper/internal/middleware"
	"github.com/DukeRupert/gatekeeper/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if cfg.MigrateOnStart {
		if err := a.migrate(ctx, internal.MigrateUp); err != nil {
			return err
		}
	}

	ledger, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	logger.Info("Ledger ready", "backend", cfg.StoreBackend)

	windows, sweeper, err := a.windowStore(ctx)
	if err != nil {
		return err
	}

	verifier, webhookVerifier := a.payments()
	analyzer, err := a.analyzer()
	if err != nil {
		return err
	}
	channel, err := a.channel(ctx)
	if err != nil {
		return err
	}
	archive, err := a.archive()
	if err != nil {
		return err
	}

	// ==========================================================================
	// Services
	// ==========================================================================

	resolver := entitlement.NewResolver(ledger, verifier, entitlement.Config{
		VerifyTimeout: cfg.VerifyTimeout,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger)

	orchestrator, err := pipeline.New(pipeline.Deps{
		Limiter:   a.submissionLimiter(windows),
		Resolver:  resolver,
		Extractor: extract.NewPDFExtractor(),
		Gate: admission.NewGate(admission.Config{
			Keywords:    cfg.AdmissionKeywords,
			MinLength:   cfg.AdmissionMinLength,
			MinKeywords: cfg.AdmissionMinKeywords,
		}),
		Store:    ledger,
		Analyzer: analyzer,
		Recorder: delivery.NewRecorder(ledger, channel, logger),
		Archive:  archive,
		Logger:   logger,
	}, pipeline.Config{
		ExtractTimeout:        cfg.ExtractTimeout,
		AnalysisTimeout:       cfg.AnalysisTimeout,
		DeliveryTimeout:       cfg.DeliveryTimeout,
		StoreTimeout:          cfg.StoreTimeout,
		ArchiveTimeout:        cfg.ArchiveTimeout,
		MaxConcurrentAnalyses: cfg.MaxConcurrentAnalyses,
		FreeClaimTTL:          cfg.FreeClaimTTL,
	})
	if err != nil {
		return fmt.Errorf("pipeline initialization failed: %w", err)
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()
	throttle := middleware.NewThrottle(a.paymentLimiter(windows), logger)

	mux.HandleFunc("GET /health", handler.HandleHealth)
	operator := middleware.NewOperatorGuard(cfg.MetricsUsername, cfg.MetricsPassword, logger)
	mux.Handle("GET /metrics", operator.Protect(promhttp.Handler()))

	handler.NewSubmissionHandler(orchestrator, cfg.MaxUploadBytes, logger).RegisterRoutes(mux)
	handler.NewPaymentHandler(resolver, logger).RegisterRoutes(mux, throttle.Limit)
	handler.NewWebhookHandler(webhookVerifier, ledger, logger).RegisterRoutes(mux)

	if !operator.Enabled() {
		logger.Warn("metrics endpoint is unprotected")
	}

	var h http.Handler = mux
	h = metrics.Middleware(h)
	h = middleware.NewSecurityHeadersMiddleware(!cfg.IsDevelopment()).Handler(h)
	h = middleware.NewRequestLoggingMiddleware(logger).Handler(h)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads and the full pipeline run inside one request.
		WriteTimeout: cfg.ExtractTimeout + cfg.AnalysisTimeout + cfg.DeliveryTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx, cfg.RateLimitSweep)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Graceful shutdown complete")
	return nil
}
