// Package tiered layers the in-process L1 cache over the shared L2 bucket.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/port/cache"
)

// Cache reads L1 then L2, backfilling L1 on an L2 hit. Writes and deletes
// go to both levels. L2 is authoritative: an L2 read error is a miss, not
// a failure, so an unreachable bucket degrades to per-replica dedupe.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache. l1Expire caps how long entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.l1Expire {
		return c.l1Expire
	}
	return ttl
}

// Get returns the value under key from the first level that has it.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.Warn("l2 cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

// Set writes value to both levels. The L1 write survives an L2 failure,
// which is still reported.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Join(
		c.l1.Set(ctx, key, value, c.l1TTL(ttl)),
		c.l2.Set(ctx, key, value, ttl),
	)
}

// Add claims key on L2 so that only one replica wins, then mirrors the
// entry into L1. An unreachable bucket degrades to a per-replica claim on L1.
func (c *Cache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	added, err := c.l2.Add(ctx, key, value, ttl)
	if err != nil {
		slog.Warn("l2 cache claim failed, using l1", "key", key, "error", err)
		return c.l1.Add(ctx, key, value, c.l1TTL(ttl))
	}
	if added {
		_ = c.l1.Set(ctx, key, value, c.l1TTL(ttl))
	}
	return added, nil
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}
