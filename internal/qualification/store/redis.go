package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"leadqual_backend/internal/qualification/domain"
)

// RedisOptions configures key layout and retention.
type RedisOptions struct {
	Prefix string
	// Retention is the TTL set on ended conversations. Zero keeps them forever.
	Retention time.Duration
}

// Redis stores one JSON document per contact plus two id sets: every known
// contact and the in_progress ones.
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "leadqual:conversation"
	}
	return &Redis{client: client, prefix: prefix, retention: opts.Retention}
}

func (s *Redis) key(contactID string) string { return s.prefix + ":" + contactID }
func (s *Redis) allKey() string              { return s.prefix + "s:all" }
func (s *Redis) activeKey() string           { return s.prefix + "s:active" }

func (s *Redis) GetOrCreate(ctx context.Context, contactID string, now time.Time) (*domain.Conversation, bool, error) {
	fresh := domain.NewConversation(contactID, now)
	payload, err := json.Marshal(fresh)
	if err != nil {
		return nil, false, fmt.Errorf("encode conversation: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(contactID), payload, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	if created {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.allKey(), contactID)
			pipe.SAdd(ctx, s.activeKey(), contactID)
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("index conversation: %w", err)
		}
		return fresh, true, nil
	}

	c, err := s.Get(ctx, contactID)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

func (s *Redis) Save(ctx context.Context, c *domain.Conversation) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	var ttl time.Duration
	if c.Status == domain.StatusEnded {
		ttl = s.retention
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(c.ContactID), payload, ttl)
		pipe.SAdd(ctx, s.allKey(), c.ContactID)
		if c.Status == domain.StatusInProgress {
			pipe.SAdd(ctx, s.activeKey(), c.ContactID)
		} else {
			pipe.SRem(ctx, s.activeKey(), c.ContactID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, contactID string) (*domain.Conversation, error) {
	raw, err := s.client.Get(ctx, s.key(contactID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return decodeConversation(raw)
}

func (s *Redis) List(ctx context.Context) ([]*domain.Conversation, error) {
	return s.load(ctx, s.allKey())
}

func (s *Redis) ListActive(ctx context.Context) ([]*domain.Conversation, error) {
	items, err := s.load(ctx, s.activeKey())
	if err != nil {
		return nil, err
	}
	active := items[:0]
	for _, c := range items {
		if c.Status == domain.StatusInProgress {
			active = append(active, c)
		}
	}
	return active, nil
}

func (s *Redis) Remove(ctx context.Context, contactID string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.key(contactID))
		pipe.SRem(ctx, s.allKey(), contactID)
		pipe.SRem(ctx, s.activeKey(), contactID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes ended records older than cutoff and drops ids whose keys
// already expired through the retention TTL.
func (s *Redis) Prune(ctx context.Context, endedBefore time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list conversation ids: %w", err)
	}

	removed := 0
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, s.allKey(), id)
			s.client.SRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return removed, err
		}
		if !prunable(c, endedBefore) {
			continue
		}
		if err := s.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) load(ctx context.Context, setKey string) ([]*domain.Conversation, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	items := make([]*domain.Conversation, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SMEMBERS and MGET
			continue
		}
		c, err := decodeConversation([]byte(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	sortByUpdated(items)
	return items, nil
}

func decodeConversation(raw []byte) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if c.Messages == nil {
		c.Messages = []domain.Message{}
	}
	if c.CollectedData == nil {
		c.CollectedData = map[string]string{}
	}
	if c.Notes == nil {
		c.Notes = []domain.Note{}
	}
	return &c, nil
}
