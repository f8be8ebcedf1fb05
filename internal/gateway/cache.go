package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"routedispatch/internal/model"
	"routedispatch/internal/provider"
)

// Cache is the Gateway's response cache. Route plans carry a short TTL
// (traffic and stop sets change), travel estimates a long one (road geometry
// is stable).
type Cache interface {
	Get(ctx context.Context, key string, out any) bool
	Set(ctx context.Context, key string, v any, ttl time.Duration)
}

// MemoryCache is a TTL key-value cache safe for concurrent use. Expired
// entries are dropped lazily on read and swept when the map grows.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	data    []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}}
}

func (c *MemoryCache) Get(ctx context.Context, key string, out any) bool {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false
	}
	return json.Unmarshal(e.data, out) == nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = memEntry{data: data, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// RedisCache shares Gateway responses across instances.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "gw:"}
}

func (c *RedisCache) Get(ctx context.Context, key string, out any) bool {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, c.prefix+key, data, ttl).Err()
}

// PlanCacheKey hashes the normalized plan input: rounded coordinates, the
// stop set (order-independent) and the constraint set.
func PlanCacheKey(req provider.PlanRequest) string {
	parts := make([]string, 0, len(req.Stops)+2)
	parts = append(parts, "d:"+roundPoint(req.Depot))
	for _, st := range req.Stops {
		p := "s:" + st.ID + "@" + roundPoint(st.Location)
		if st.TimeWindow != nil {
			p += "|" + st.TimeWindow.Start + ".." + st.TimeWindow.End
		}
		parts = append(parts, p)
	}
	sort.Strings(parts[1:])
	parts = append(parts, fmt.Sprintf("c:%d:%t", req.Constraints.MaxDurationSec, req.Constraints.ReturnToDepot))
	return hashKey("plan", parts)
}

// TravelCacheKey hashes a rounded point pair.
func TravelCacheKey(from, to model.GeoPoint) string {
	return hashKey("travel", []string{roundPoint(from), roundPoint(to)})
}

func roundPoint(p model.GeoPoint) string {
	// 4 decimal places ~ 11m; close enough to share cache entries across
	// GPS jitter without conflating distinct addresses.
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lng)
}

func hashKey(kind string, parts []string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
