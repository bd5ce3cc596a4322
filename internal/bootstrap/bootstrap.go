// Package bootstrap is the composition root shared by the api and scheduler
// binaries. It selects the store, lock, dedupe and provider backends from
// configuration and wires the engine with its event subscribers.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadqual_backend/internal/events"
	"leadqual_backend/internal/notification"
	"leadqual_backend/internal/qualification/dedupe"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/engine"
	"leadqual_backend/internal/qualification/locker"
	"leadqual_backend/internal/qualification/provider"
	"leadqual_backend/internal/qualification/store"
	"leadqual_backend/platform/ai/moonshot"
	"leadqual_backend/platform/config"
	"leadqual_backend/platform/db"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/metrics"
	"leadqual_backend/platform/redisconn"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	redisStorePrefix  = "leadqual:conversation"
	redisLockPrefix   = "leadqual:lock"
	redisDedupePrefix = "leadqual:dedupe"
)

// Runtime holds the wired collaborators. Close releases them in reverse
// order of acquisition.
type Runtime struct {
	Engine   *engine.Engine
	Store    store.Store
	Provider *provider.Instrumented
	Dedupe   dedupe.Deduper
	Metrics  *metrics.Metrics
	Bus      *events.InMemoryBus
	// Redis is nil when REDIS_URL is not configured.
	Redis *redis.Client

	closers []func()
}

func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	// drain async event handlers before storage goes away
	rt.Bus.Wait()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *Runtime) onClose(fn func()) { rt.closers = append(rt.closers, fn) }

// Build wires everything an engine needs. On error, whatever was acquired is
// already released.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{
		Metrics: metrics.New(),
		Bus:     events.NewInMemoryBus(log),
	}
	if err := rt.wire(ctx, cfg, log); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var err error

	if cfg.GetRedisURL() != "" {
		if err := WithRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
			client, err := redisconn.New(ctx, cfg)
			if err != nil {
				return err
			}
			rt.Redis = client
			return nil
		}); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.onClose(func() { _ = rt.Redis.Close() })
		log.Info("redis connection established")
	}

	if rt.Store, err = openStore(ctx, cfg, rt, log); err != nil {
		return err
	}
	log.Info("conversation store ready", "driver", cfg.GetStoreDriver())

	criteria, err := buildCriteria(cfg)
	if err != nil {
		return fmt.Errorf("failed to build qualification criteria: %w", err)
	}
	log.Info("qualification criteria loaded",
		"businessType", criteria.BusinessType,
		"requiredFields", criteria.RequiredFields,
		"minScore", criteria.MinScore,
		"maxAttempts", criteria.MaxAttempts,
	)

	backend, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}
	rt.Provider = provider.NewInstrumented(backend, cfg.GetProviderTimeout(), rt.Metrics, log)
	log.Info("language model provider ready", "provider", rt.Provider.Name())

	rt.Dedupe = newDeduper(cfg, rt.Redis)

	rt.Engine = engine.New(engine.Options{
		Store:    rt.Store,
		Provider: rt.Provider,
		Locker:   newLocker(cfg, rt.Redis),
		Criteria: criteria,
		Replies: engine.Replies{
			Fallback: cfg.GetFallbackReply(),
			Handoff:  cfg.GetHandoffReply(),
			Closing:  cfg.GetClosingReply(),
		},
		Region:    cfg.GetPhoneRegion(),
		Retention: cfg.GetQualificationRetention(),
		Bus:       rt.Bus,
		Metrics:   rt.Metrics,
		Log:       log,
	})

	return registerNotifications(ctx, cfg, rt.Bus, log)
}

func openStore(ctx context.Context, cfg *config.Config, rt *Runtime, log *logger.Logger) (store.Store, error) {
	switch cfg.GetStoreDriver() {
	case "postgres":
		var pool *pgxpool.Pool
		if err := WithRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
			p, err := db.NewPool(ctx, cfg)
			if err != nil {
				return err
			}
			pool = p
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.onClose(pool.Close)
		log.Info("database connection established")
		if err := WithRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
			return db.RunMigrations(ctx, pool)
		}); err != nil {
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		log.Info("database migrations complete")
		return store.NewPostgres(pool), nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.GetSQLitePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		rt.onClose(func() { _ = s.Close() })
		return s, nil
	case "redis":
		if rt.Redis == nil {
			return nil, errors.New("redis store requires REDIS_URL")
		}
		return store.NewRedis(rt.Redis, store.RedisOptions{Prefix: redisStorePrefix, Retention: cfg.GetQualificationRetention()}), nil
	case "memory", "":
		log.Warn("using in-memory conversation store; state is lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.GetStoreDriver())
	}
}

func buildCriteria(cfg config.QualificationConfig) (domain.Criteria, error) {
	profiles, err := domain.LoadProfiles(cfg.GetQualificationProfilesFile())
	if err != nil {
		return domain.Criteria{}, err
	}
	return domain.NewCriteria(domain.CriteriaOptions{
		RequiredFields:  cfg.GetQualificationRequiredFields(),
		MinScore:        cfg.GetQualificationMinScore(),
		MaxAttempts:     cfg.GetQualificationMaxAttempts(),
		BusinessType:    cfg.GetQualificationBusinessType(),
		TimeoutMinutes:  int(cfg.GetQualificationTimeout() / time.Minute),
		HighValueAmount: cfg.GetQualificationHighValueAmount(),
		Profiles:        profiles,
	})
}

func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.GetProviderName() {
	case "moonshot":
		return provider.NewLLM(moonshot.NewModel(moonshot.Config{
			APIKey:  cfg.GetMoonshotAPIKey(),
			BaseURL: cfg.GetMoonshotBaseURL(),
			Model:   cfg.GetMoonshotModel(),
		})), nil
	case "openai", "":
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey: cfg.GetOpenAIAPIKey(),
			Model:  cfg.GetOpenAIModel(),
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.GetProviderName())
	}
}

func newLocker(cfg config.LockConfig, client *redis.Client) locker.Locker {
	local := locker.NewLocal()
	if cfg.GetLockBackend() != "redis" || client == nil {
		return local
	}
	return locker.NewLayered(local, locker.NewRedis(client, redisLockPrefix, cfg.GetLockTTL()))
}

func newDeduper(cfg config.WebhookConfig, client *redis.Client) dedupe.Deduper {
	if client != nil {
		return dedupe.NewRedis(client, redisDedupePrefix, cfg.GetDedupeTTL())
	}
	return dedupe.NewMemory(cfg.GetDedupeTTL())
}

func registerNotifications(ctx context.Context, cfg *config.Config, bus events.Bus, log *logger.Logger) error {
	module := notification.New(notification.NewMailer(cfg), cfg.GetHandoffEmailTo(), log)

	archive, err := notification.NewMinIOStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize transcript archive: %w", err)
	}
	if archive != nil {
		if err := WithRetry(ctx, log, "ensure transcript bucket", 5, 2*time.Second, func() error {
			return archive.EnsureBucket(ctx)
		}); err != nil {
			return fmt.Errorf("failed to ensure transcript bucket exists: %w", err)
		}
		module.SetArchive(archive)
		log.Info("transcript archive enabled", "bucket", cfg.GetArchiveBucket())
	}

	module.RegisterHandlers(bus)
	return nil
}

// WithRetry runs fn up to attempts times with quadratic backoff.
func WithRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
