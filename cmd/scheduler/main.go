package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"leadqual_backend/internal/bootstrap"
	"leadqual_backend/internal/scheduler"
	"leadqual_backend/platform/config"
	"leadqual_backend/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GetRedisURL() == "" {
		panic("scheduler requires REDIS_URL")
	}

	// The scheduler shares the api's store, so ended-conversation events
	// raised by sweeps still reach notification subscribers here.
	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize runtime", "error", err)
		panic("failed to initialize runtime: " + err.Error())
	}
	defer rt.Close()

	worker, err := scheduler.NewWorker(cfg, rt.Engine, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	log.Info("scheduler worker running",
		"queue", cfg.GetAsynqQueueName(),
		"expirySpec", cfg.GetExpirySweepSpec(),
		"pruneSpec", cfg.GetPruneSpec(),
	)
	worker.Run(ctx)
}
