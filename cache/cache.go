package cache

import (
	"context"
	"time"
)

// Cache defines the interface for all cache implementations
type Cache interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) (interface{}, error)

	// Set stores a value in cache with TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a value from cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes all entries
	Clear(ctx context.Context) error

	// GetMulti retrieves multiple values at once
	GetMulti(ctx context.Context, keys []string) (map[string]interface{}, error)

	// SetMulti stores multiple values at once
	SetMulti(ctx context.Context, items map[string]interface{}, ttl time.Duration) error

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance metrics
type CacheStats struct {
	Hits       int64
	Misses     int64
	Sets       int64
	Deletes    int64
	Evictions  int64
	Size       int64
	HitRate    float64
	AvgGetTime time.Duration
	AvgSetTime time.Duration
}

// CacheKey generates a cache key with namespace
func CacheKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

// CacheTTL constants for different data types
const (
	// Warm data - moved every tick
	TTL_Latest_Price  = 1 * time.Second
	TTL_Game_Player   = 500 * time.Millisecond
	TTL_Open_Position = 500 * time.Millisecond

	// Cold data - set once, read often
	TTL_Game_Metadata = 1 * time.Hour

	// API response caching
	TTL_API_Response = 5 * time.Second

	// No expiration (scheduler lock manages its own TTL separately)
	TTL_Permanent = 0
)

// Cache namespaces
const (
	NS_Games     = "games"
	NS_Players   = "players"
	NS_Positions = "positions"
	NS_Orders    = "orders"
	NS_Prices    = "prices"
	NS_API       = "api"
)
