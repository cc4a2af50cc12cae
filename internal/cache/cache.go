package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ResponseCache stores rendered answers keyed by question+context. Reads may
// race with writes; last write wins. Maintenance (sweeping, cap eviction) is
// best-effort and never required for a correct response.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, payload string, ttl time.Duration)
	SweepExpired(ctx context.Context)
	EvictOldestBeyondCap(ctx context.Context, maxItems int)
}

// Key derives a deterministic cache key from the question and its trailing
// context turns.
func Key(question string, trailingContext []string) string {
	h := sha256.New()
	h.Write([]byte(question))
	for _, turn := range trailingContext {
		h.Write([]byte{0})
		h.Write([]byte(turn))
	}
	return fmt.Sprintf("ask:%x", h.Sum(nil))
}

type memoryEntry struct {
	payload   string
	writtenAt time.Time
	expiresAt time.Time
}

// MemoryCache is the in-process implementation, used when no Redis URL is
// configured and in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		// Expired entries are treated as absent; the sweeper reclaims them.
		return "", false
	}
	return entry.payload, true
}

func (c *MemoryCache) Set(_ context.Context, key, payload string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: payload, writtenAt: now, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) SweepExpired(_ context.Context) {
	now := time.Now()
	c.mu.Lock()
	swept := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			swept++
		}
	}
	c.mu.Unlock()
	if swept > 0 {
		log.Debug().Int("swept", swept).Msg("cache: removed expired entries")
	}
}

func (c *MemoryCache) EvictOldestBeyondCap(_ context.Context, maxItems int) {
	if maxItems <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	excess := len(c.entries) - maxItems
	if excess <= 0 {
		return
	}

	type aged struct {
		key       string
		writtenAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, writtenAt: entry.writtenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].writtenAt.Before(all[j].writtenAt) })
	for i := 0; i < excess; i++ {
		delete(c.entries, all[i].key)
	}
	log.Debug().Int("evicted", excess).Msg("cache: evicted oldest entries beyond cap")
}

// StartMaintenance runs opportunistic sweeping and cap eviction until the
// context is cancelled.
func StartMaintenance(ctx context.Context, c ResponseCache, interval time.Duration, maxItems int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepExpired(ctx)
				c.EvictOldestBeyondCap(ctx, maxItems)
			}
		}
	}()
}
