package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/ingest/internal/event"
)

// PayloadCache holds in-flight payloads between pipeline stages.
type PayloadCache interface {
	// Store writes the payload under its deterministic key and returns the key.
	// Payloads the codec cannot represent fail with an error wrapping
	// event.ErrCodec.
	Store(ctx context.Context, p *event.Payload) (string, error)
	// Get returns (nil, nil) when the entry expired or was never written. An
	// entry that exists but cannot be decoded yields an error wrapping
	// event.ErrCodec; every other error is a backend failure.
	Get(ctx context.Context, key string) (*event.Payload, error)
	// StoreUnprocessed keeps a pristine copy of the payload next to its working
	// entry. It returns the working key.
	StoreUnprocessed(ctx context.Context, p *event.Payload) (string, error)
	// GetUnprocessed reads the pristine copy stored for a working key.
	GetUnprocessed(ctx context.Context, key string) (*event.Payload, error)
	// Delete removes the working entry and its pristine copy. It is idempotent.
	Delete(ctx context.Context, key string) error
}

// Key returns the cache key of an event. Storing the same event twice overwrites
// the previous entry in place.
func Key(eventID string, projectID int64) string {
	return fmt.Sprintf("e:%s:%d", eventID, projectID)
}

// UnprocessedKey is where the pristine copy of a working entry lives.
func UnprocessedKey(key string) string {
	return key + ":u"
}

type RedisPayloadCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisPayloadCache(client redis.UniversalClient, ttl time.Duration) *RedisPayloadCache {
	return &RedisPayloadCache{client: client, ttl: ttl}
}

func (c *RedisPayloadCache) Store(ctx context.Context, p *event.Payload) (string, error) {
	return c.store(ctx, p, false)
}

func (c *RedisPayloadCache) StoreUnprocessed(ctx context.Context, p *event.Payload) (string, error) {
	return c.store(ctx, p, true)
}

func (c *RedisPayloadCache) store(ctx context.Context, p *event.Payload, unprocessed bool) (string, error) {
	if p == nil {
		return "", errors.New("storing nil payload")
	}
	if p.EventID == "" {
		return "", errors.New("storing payload without event_id")
	}

	b, err := event.Encode(p)
	if err != nil {
		return "", err
	}

	key := Key(p.EventID, p.ProjectID)
	target := key
	if unprocessed {
		target = UnprocessedKey(key)
	}
	if err := c.client.Set(ctx, target, b, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("set %s: %w", target, err)
	}
	return key, nil
}

func (c *RedisPayloadCache) Get(ctx context.Context, key string) (*event.Payload, error) {
	return c.get(ctx, key)
}

func (c *RedisPayloadCache) GetUnprocessed(ctx context.Context, key string) (*event.Payload, error) {
	if key == "" {
		return nil, nil
	}
	return c.get(ctx, UnprocessedKey(key))
}

func (c *RedisPayloadCache) get(ctx context.Context, key string) (*event.Payload, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	p, err := event.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return p, nil
}

func (c *RedisPayloadCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	// Separate commands: the two keys may hash to different cluster slots.
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Del(ctx, UnprocessedKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
