package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadqual_backend/internal/bootstrap"
	apphttp "leadqual_backend/internal/http"
	"leadqual_backend/internal/http/router"
	"leadqual_backend/internal/qualification"
	"leadqual_backend/internal/scheduler"
	"leadqual_backend/internal/whatsapp"
	"leadqual_backend/platform/config"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize runtime", "error", err)
		panic("failed to initialize runtime: " + err.Error())
	}
	defer rt.Close()

	// Without Redis there is no asynq worker, so the API sweeps in-process.
	if rt.Redis == nil {
		log.Warn("REDIS_URL not configured; running expiry and retention sweeps in-process")
		sweeper := scheduler.NewSweeper(rt.Engine, log,
			scheduler.IntervalFromSpec(cfg.GetExpirySweepSpec(), time.Minute),
			scheduler.IntervalFromSpec(cfg.GetPruneSpec(), time.Hour),
		)
		go sweeper.Run(ctx)
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	qualificationModule := qualification.NewModule(qualification.HandlerDeps{
		Engine:    rt.Engine,
		Dedupe:    rt.Dedupe,
		Sender:    replySender(cfg, log),
		Provider:  rt.Provider,
		Metrics:   rt.Metrics,
		Validator: validator.New(),
		Log:       log,
	})

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  rt.Store,
		Metrics: rt.Metrics,
		Modules: []apphttp.Module{
			qualificationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// replySender returns nil when WhatsApp delivery is not configured, so the
// handler skips delivery instead of calling a nil client.
func replySender(cfg config.WhatsAppConfig, log *logger.Logger) qualification.ReplySender {
	client := whatsapp.NewClient(cfg, log)
	if client == nil {
		log.Warn("WHATSAPP_URL not configured; replies are returned but not delivered")
		return nil
	}
	return client
}
