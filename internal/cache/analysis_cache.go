package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// AnalysisCacheEntry wraps a serialized analysis result with its timestamps.
type AnalysisCacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// AnalysisCacheStats tracks cache performance.
type AnalysisCacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Errors  int64 `json:"errors"`
	Entries int64 `json:"entries,omitempty"`
}

// HitRate is a percentage in [0, 100].
func (s AnalysisCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// AnalysisCache stores JSON-encoded analysis responses keyed by operation
// and parameters. Backend failures degrade to misses.
type AnalysisCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte)
	Clear(ctx context.Context) error
	GetStats() AnalysisCacheStats
	Close() error
}

// Key joins an operation and its parameters into a cache key.
func Key(operation string, params ...string) string {
	var b strings.Builder
	b.WriteString(operation)
	for _, p := range params {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

type statsCounter struct {
	mu    sync.RWMutex
	stats AnalysisCacheStats
}

func (s *statsCounter) add(fn func(*AnalysisCacheStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *statsCounter) snapshot() AnalysisCacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// RedisAnalysisCache keeps entries in Redis under a common prefix with a TTL.
type RedisAnalysisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
	stats  statsCounter
}

func NewRedisAnalysisCache(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisAnalysisCache {
	return &RedisAnalysisCache{
		client: client,
		ttl:    ttl,
		prefix: "analytics:",
		logger: logger,
	}
}

func (c *RedisAnalysisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		c.stats.add(func(s *AnalysisCacheStats) { s.Misses++ })
		return nil, false
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Redis error reading analysis cache")
		c.stats.add(func(s *AnalysisCacheStats) { s.Misses++; s.Errors++ })
		return nil, false
	}

	var entry AnalysisCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Dropping undecodable analysis cache entry")
		c.client.Del(ctx, c.prefix+key)
		c.stats.add(func(s *AnalysisCacheStats) { s.Misses++; s.Errors++ })
		return nil, false
	}

	c.stats.add(func(s *AnalysisCacheStats) { s.Hits++ })
	return entry.Payload, true
}

func (c *RedisAnalysisCache) Set(ctx context.Context, key string, payload []byte) {
	now := time.Now()
	data, err := json.Marshal(AnalysisCacheEntry{
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Failed to encode analysis cache entry")
		c.stats.add(func(s *AnalysisCacheStats) { s.Errors++ })
		return
	}

	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Redis error writing analysis cache")
		c.stats.add(func(s *AnalysisCacheStats) { s.Errors++ })
		return
	}
	c.stats.add(func(s *AnalysisCacheStats) { s.Sets++ })
}

// Clear removes every analysis entry using SCAN so large keyspaces are not blocked.
func (c *RedisAnalysisCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing analysis cache: %w", err)
	}
	c.logger.WithField("entries", len(keys)).Info("Cleared analysis cache")
	return nil
}

func (c *RedisAnalysisCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning analysis cache keys: %w", err)
	}
	return keys, nil
}

func (c *RedisAnalysisCache) GetStats() AnalysisCacheStats {
	return c.stats.snapshot()
}

// Close leaves the shared client open; its owner closes it.
func (c *RedisAnalysisCache) Close() error {
	return nil
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// InMemoryAnalysisCache is the process-local backend.
type InMemoryAnalysisCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	stats   statsCounter
}

func NewInMemoryAnalysisCache(ttl time.Duration) *InMemoryAnalysisCache {
	return &InMemoryAnalysisCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *InMemoryAnalysisCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, exists := c.entries[key]; exists && c.now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		ok = false
	}

	if !ok {
		c.stats.add(func(s *AnalysisCacheStats) { s.Misses++ })
		return nil, false
	}
	c.stats.add(func(s *AnalysisCacheStats) { s.Hits++ })
	return entry.payload, true
}

func (c *InMemoryAnalysisCache) Set(_ context.Context, key string, payload []byte) {
	stored := append([]byte(nil), payload...)
	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: stored, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	c.stats.add(func(s *AnalysisCacheStats) { s.Sets++ })
}

func (c *InMemoryAnalysisCache) Clear(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// CleanupExpired drops expired entries and reports how many were removed.
func (c *InMemoryAnalysisCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *InMemoryAnalysisCache) GetStats() AnalysisCacheStats {
	stats := c.stats.snapshot()
	c.mu.RLock()
	stats.Entries = int64(len(c.entries))
	c.mu.RUnlock()
	return stats
}

func (c *InMemoryAnalysisCache) Close() error {
	return nil
}
