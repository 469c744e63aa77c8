package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alpharoyale/backend/cache"
	"github.com/alpharoyale/backend/internal/domain"
)

// CachedGateway wraps a Gateway with a read-through cache for LatestPrice,
// the single hottest read in the engine: every order and open position
// touched during a tick's Phase A-D re-reads the same symbol's price
// (spec §4.3). The cache TTL is shorter than one tick period, so a miss
// naturally happens at least once per tick rather than serving stale data
// across ticks.
type CachedGateway struct {
	Gateway
	cache cache.Cache
}

// NewCachedGateway builds a CachedGateway. c may be nil, in which case
// every call falls straight through to gw.
func NewCachedGateway(gw Gateway, c cache.Cache) *CachedGateway {
	return &CachedGateway{Gateway: gw, cache: c}
}

func (g *CachedGateway) LatestPrice(ctx context.Context, symbol string) (domain.PriceData, bool, error) {
	if g.cache == nil {
		return g.Gateway.LatestPrice(ctx, symbol)
	}

	key := cache.CacheKey(cache.NS_Prices, symbol)
	if cached, err := g.cache.Get(ctx, key); err == nil && cached != nil {
		// Round-trips through JSON regardless of backend (Redis always
		// does; MemoryCache happens to store the value as-is, but this
		// keeps LatestPrice correct either way).
		if raw, err := json.Marshal(cached); err == nil {
			var price domain.PriceData
			if err := json.Unmarshal(raw, &price); err == nil && !price.Timestamp.IsZero() {
				return price, true, nil
			}
		}
	}

	price, ok, err := g.Gateway.LatestPrice(ctx, symbol)
	if err != nil || !ok {
		return price, ok, err
	}

	_ = g.cache.Set(ctx, key, price, cache.TTL_Latest_Price)
	return price, true, nil
}

// WarmPrices populates the latest-price cache for every symbol in one
// pipelined round trip, rather than leaving it to the per-symbol misses
// that would otherwise happen the first time each symbol is re-read
// during a tick's Phase A-D. Called by the driver right after it ingests
// a tick's quotes (spec §4.1/§4.3).
func (g *CachedGateway) WarmPrices(ctx context.Context, prices map[string]domain.PriceData) error {
	if g.cache == nil || len(prices) == 0 {
		return nil
	}

	items := make(map[string]interface{}, len(prices))
	for symbol, price := range prices {
		items[cache.CacheKey(cache.NS_Prices, symbol)] = price
	}
	return g.cache.SetMulti(ctx, items, cache.TTL_Latest_Price)
}
