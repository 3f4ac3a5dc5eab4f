package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

var cacheTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zoekt_search_cache_total",
		Help: "Search result cache lookups by result (hit, miss, error).",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(cacheTotal)
}

// CachedPage is one zero-indexed page of raw matches plus the clamped total
// reported by the nodes when the page was produced.
type CachedPage struct {
	Total   int     `json:"total"`
	Matches []Match `json:"matches"`
}

// Cache stores raw result pages for a limited time.
type Cache interface {
	// Get returns the page stored under key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) (*CachedPage, bool, error)
	// Set stores every entry with the same ttl.
	Set(ctx context.Context, entries map[string]CachedPage, ttl time.Duration) error
}

// CacheKey identifies a query independently of the page being read. The
// project scope is order-insensitive.
type CacheKey struct {
	Query      string
	UserID     string
	PerPage    int
	ProjectIDs []uint64
}

func (k CacheKey) base() string {
	ids := append([]uint64(nil), k.ProjectIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}

	h := sha256.New()
	h.Write([]byte(k.Query))
	h.Write([]byte{0})
	h.Write([]byte(k.UserID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k.PerPage)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Page returns the storage key of one zero-indexed page.
func (k CacheKey) Page(index int) string {
	return "zoekt:search:" + k.base() + ":" + strconv.Itoa(index)
}

// DefaultMemoryCacheEntries caps a MemoryCache built by NewMemoryCache.
const DefaultMemoryCacheEntries = 10000

// MemoryCache is a process-local Cache holding at most maxEntries pages.
// Expired entries are dropped lazily on read and on write; when the cap is
// exceeded the oldest writes are evicted first.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	seq        uint64
	now        func() time.Time
}

type memoryEntry struct {
	page      CachedPage
	expiresAt time.Time
	seq       uint64
}

// NewMemoryCache returns an empty in-memory cache with the default cap.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheSize(DefaultMemoryCacheEntries)
}

// NewMemoryCacheSize returns an empty in-memory cache holding at most
// maxEntries pages. A non-positive cap selects the default.
func NewMemoryCacheSize(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryCacheEntries
	}
	return &MemoryCache{entries: map[string]memoryEntry{}, maxEntries: maxEntries, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CachedPage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	p := e.page
	return &p, true, nil
}

func (c *MemoryCache) Set(_ context.Context, entries map[string]CachedPage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for k, p := range entries {
		c.seq++
		c.entries[k] = memoryEntry{page: p, expiresAt: now.Add(ttl), seq: c.seq}
	}
	c.evictOldest()
	return nil
}

// evictOldest trims the cache to maxEntries. Callers hold mu.
func (c *MemoryCache) evictOldest() {
	over := len(c.entries) - c.maxEntries
	if over <= 0 {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return c.entries[keys[i]].seq < c.entries[keys[j]].seq })
	for _, k := range keys[:over] {
		delete(c.entries, k)
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache stores pages as JSON strings with a native TTL so every
// coordinator process shares the same results.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps an existing client (single node, sentinel or cluster).
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CachedPage, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p CachedPage
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entries map[string]CachedPage, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, p := range entries {
			b, err := json.Marshal(p)
			if err != nil {
				return err
			}
			pipe.Set(ctx, k, b, ttl)
		}
		return nil
	})
	return err
}
