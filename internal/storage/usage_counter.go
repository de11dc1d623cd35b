package storage

import (
	"context"
	"sync"

	"defidash/go-backend/internal/keys"
)

// UsageCounter is an in-process monthly call counter. Entries from past
// periods are dropped when a key moves to a new period.
type UsageCounter struct {
	mu     sync.Mutex
	counts map[string]periodCount
}

type periodCount struct {
	period string
	n      int64
}

func NewUsageCounter() *UsageCounter {
	return &UsageCounter{counts: make(map[string]periodCount)}
}

func (c *UsageCounter) Count(ctx context.Context, keyID, period string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.counts[keyID]
	if !ok || pc.period != period {
		return 0, nil
	}
	return pc.n, nil
}

func (c *UsageCounter) Increment(ctx context.Context, keyID, period string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.counts[keyID]
	if pc.period != period {
		pc = periodCount{period: period}
	}
	pc.n++
	c.counts[keyID] = pc
	return pc.n, nil
}

// Seed sets the count for keyID in period.
func (c *UsageCounter) Seed(keyID, period string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[keyID] = periodCount{period: period, n: n}
}

// SeedFrom loads the persisted counts for period from src. A count already
// higher in memory is kept.
func (c *UsageCounter) SeedFrom(ctx context.Context, src keys.UsageSource, period string) error {
	counts, err := src.PeriodUsage(ctx, period)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range counts {
		if pc, ok := c.counts[id]; ok && pc.period == period && pc.n >= n {
			continue
		}
		c.counts[id] = periodCount{period: period, n: n}
	}
	return nil
}
