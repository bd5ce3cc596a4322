package scheduler

import (
	"context"
	"time"

	"leadqual_backend/platform/config"
	"leadqual_backend/platform/redisconn"

	"github.com/hibiken/asynq"
)

const defaultQueue = "default"

// Client enqueues housekeeping tasks on demand.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}
	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueExpireIdle schedules one idle sweep evaluated at the given time.
func (c *Client) EnqueueExpireIdle(ctx context.Context, at time.Time) error {
	return c.enqueue(ctx, TaskExpireIdle, at)
}

// EnqueuePruneEnded schedules one retention sweep evaluated at the given time.
func (c *Client) EnqueuePruneEnded(ctx context.Context, at time.Time) error {
	return c.enqueue(ctx, TaskPruneEnded, at)
}

func (c *Client) enqueue(ctx context.Context, taskType string, at time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}
	task, err := newSweepTask(taskType, SweepPayload{At: at})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

func queueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqQueueName(); q != "" {
		return q
	}
	return defaultQueue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redisconn.Options(redisURL, tlsInsecure)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
