package scheduler

import (
	"context"
	"fmt"
	"time"

	"leadqual_backend/platform/config"
	"leadqual_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Housekeeper is the slice of the engine the sweeps call.
type Housekeeper interface {
	ExpireIdle(ctx context.Context, now time.Time) (int, error)
	PruneEnded(ctx context.Context, now time.Time) (int, error)
}

// Worker processes housekeeping tasks from the asynq queue and registers the
// periodic sweeps with an asynq scheduler.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	sweeps    *sweeps
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, hk Housekeeper, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := queueName(cfg)
	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	periodic := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	for taskType, spec := range map[string]string{
		TaskExpireIdle: cfg.GetExpirySweepSpec(),
		TaskPruneEnded: cfg.GetPruneSpec(),
	} {
		if spec == "" {
			continue
		}
		task, err := newSweepTask(taskType, SweepPayload{})
		if err != nil {
			return nil, err
		}
		// Unique keeps a slow sweep from piling up behind itself.
		if _, err := periodic.Register(spec, task, asynq.Queue(queue), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("register %s (%s): %w", taskType, spec, err)
		}
	}

	mux := asynq.NewServeMux()
	w := &Worker{
		server:    server,
		scheduler: periodic,
		mux:       mux,
		sweeps:    &sweeps{hk: hk, log: log, now: time.Now},
		log:       log,
	}

	mux.HandleFunc(TaskExpireIdle, w.handleExpireIdle)
	mux.HandleFunc(TaskPruneEnded, w.handlePruneEnded)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	if err := w.scheduler.Start(); err != nil {
		w.log.Error("periodic scheduler failed to start", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		w.scheduler.Shutdown()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleExpireIdle(ctx context.Context, task *asynq.Task) error {
	payload, err := parseSweepPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return w.sweeps.expire(ctx, payload.At)
}

func (w *Worker) handlePruneEnded(ctx context.Context, task *asynq.Task) error {
	payload, err := parseSweepPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return w.sweeps.prune(ctx, payload.At)
}

// sweeps runs one housekeeping pass and logs what it did. Shared by the
// asynq handlers and the in-process Sweeper.
type sweeps struct {
	hk  Housekeeper
	log *logger.Logger
	now func() time.Time
}

func (s *sweeps) expire(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	n, err := s.hk.ExpireIdle(ctx, at)
	if n > 0 {
		s.log.Info("idle conversations expired", "count", n)
	}
	if err != nil {
		s.log.Warn("idle sweep failed", "error", err)
	}
	return err
}

func (s *sweeps) prune(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	n, err := s.hk.PruneEnded(ctx, at)
	if err != nil {
		s.log.Warn("retention sweep failed", "error", err)
		return err
	}
	if n > 0 {
		s.log.Info("ended conversations pruned", "count", n)
	}
	return nil
}
