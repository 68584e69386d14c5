// Package readcache caches projection reads in Redis. Entries are keyed by a
// per-organization version that replay bumps after every committed write.
package readcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BumpChannel carries "<orgID>:<version>" notifications after a bump.
const BumpChannel = "verity.projection.bump"

// Cache wraps Redis based caching with versioning controls.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New instantiates the cache helper. A nil client yields a pass-through
// cache that always calls the loader.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(orgID string) string {
	return "verity:readcache:" + orgID + ":version"
}

// Version returns the organization's cache version, initialising when
// missing.
func (c *Cache) Version(ctx context.Context, orgID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(orgID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes a cache key scoped to the organization's current version.
func (c *Cache) BuildKey(ctx context.Context, orgID string, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"verity", orgID}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx, orgID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("readcache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached read of the organization and publishes the
// new version. INCR creates a missing version key.
func (c *Cache) Bump(ctx context.Context, orgID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(orgID)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, fmt.Sprintf("%s:%d", orgID, ver)).Err()
}

// ListenForInvalidation follows bumps published by other processes until
// ctx ends. onBump, when set, is called with the organization of each bump.
func (c *Cache) ListenForInvalidation(ctx context.Context, onBump func(orgID string)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("readcache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				idx := strings.LastIndex(msg.Payload, ":")
				if idx <= 0 {
					continue
				}
				if onBump != nil {
					onBump(msg.Payload[:idx])
				}
			}
		}
	}()
	return nil
}
