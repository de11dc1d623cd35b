// Package rediscounter keeps monthly API key call counts in Redis so every
// replica of the gateway shares one quota view.
package rediscounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "credcore:usage:v1:"
	// Counters outlive their month so late reads still see the final count.
	DefaultRetention = 40 * 24 * time.Hour
)

type Counter struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// New wraps client. Empty prefix and zero retention take the defaults.
func New(client redis.UniversalClient, prefix string, retention time.Duration) *Counter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Counter{client: client, prefix: prefix, retention: retention}
}

// Dial connects to addr and verifies it with PING.
func Dial(ctx context.Context, addr, password string, db int) (*Counter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, "", 0), nil
}

func (c *Counter) Count(ctx context.Context, keyID, period string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(keyID, period)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Increment adds one call and refreshes the retention window in a single
// MULTI/EXEC round trip.
func (c *Counter) Increment(ctx context.Context, keyID, period string) (int64, error) {
	key := c.key(keyID, period)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, c.retention)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *Counter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Counter) Close() error {
	return c.client.Close()
}

func (c *Counter) key(keyID, period string) string {
	return c.prefix + period + ":" + keyID
}
