package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Attachment is a file uploaded together with an event (minidumps, logs).
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttachmentCache shares the key space of PayloadCache: attachments of an event
// live under the event's cache key.
type AttachmentCache interface {
	Set(ctx context.Context, cacheKey string, attachments []Attachment) error
	Get(ctx context.Context, cacheKey string) ([]Attachment, error)
	Delete(ctx context.Context, cacheKey string) error
}

type RedisAttachmentCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisAttachmentCache(client redis.UniversalClient, ttl time.Duration) *RedisAttachmentCache {
	return &RedisAttachmentCache{client: client, ttl: ttl}
}

func attachmentKey(cacheKey string) string {
	return "a:" + cacheKey
}

func (c *RedisAttachmentCache) Set(ctx context.Context, cacheKey string, attachments []Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	key := attachmentKey(cacheKey)

	fields := make(map[string]any, len(attachments)*2)
	for _, a := range attachments {
		fields["data:"+a.Name] = a.Data
		fields["type:"+a.Name] = a.ContentType
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (c *RedisAttachmentCache) Get(ctx context.Context, cacheKey string) ([]Attachment, error) {
	key := attachmentKey(cacheKey)
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}

	var out []Attachment
	for field, value := range fields {
		name, ok := strings.CutPrefix(field, "data:")
		if !ok {
			continue
		}
		out = append(out, Attachment{
			Name:        name,
			ContentType: fields["type:"+name],
			Data:        []byte(value),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *RedisAttachmentCache) Delete(ctx context.Context, cacheKey string) error {
	if cacheKey == "" {
		return nil
	}
	key := attachmentKey(cacheKey)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
