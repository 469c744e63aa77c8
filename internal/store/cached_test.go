package store

import (
	"context"
	"testing"
	"time"

	"github.com/alpharoyale/backend/cache"
	"github.com/alpharoyale/backend/internal/domain"
)

func TestCachedGatewayServesLatestPriceFromCache(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if err := mem.InsertPrice(ctx, "BTC", 100, 1); err != nil {
		t.Fatalf("InsertPrice: %v", err)
	}

	c := cache.NewMemoryCache(0, 0)
	gw := NewCachedGateway(mem, c)

	first, ok, err := gw.LatestPrice(ctx, "BTC")
	if err != nil || !ok {
		t.Fatalf("LatestPrice: ok=%v err=%v", ok, err)
	}

	// Write a second price straight to the underlying store, bypassing
	// the cache: a still-warm cache entry must keep serving the stale
	// value until its TTL lapses.
	if err := mem.InsertPrice(ctx, "BTC", 200, 2); err != nil {
		t.Fatalf("InsertPrice: %v", err)
	}

	second, ok, err := gw.LatestPrice(ctx, "BTC")
	if err != nil || !ok {
		t.Fatalf("LatestPrice: ok=%v err=%v", ok, err)
	}
	if second.Price != first.Price {
		t.Fatalf("expected cached price %v, got %v", first.Price, second.Price)
	}
}

func TestCachedGatewayFallsThroughWithNilCache(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if err := mem.InsertPrice(ctx, "ETH", 50, 1); err != nil {
		t.Fatalf("InsertPrice: %v", err)
	}

	gw := NewCachedGateway(mem, nil)
	price, ok, err := gw.LatestPrice(ctx, "ETH")
	if err != nil || !ok {
		t.Fatalf("LatestPrice: ok=%v err=%v", ok, err)
	}
	if price.Price != 50 {
		t.Fatalf("got price %v, want 50", price.Price)
	}
}

func TestCachedGatewayWarmPricesPopulatesCacheInOneCall(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	c := cache.NewMemoryCache(0, 0)
	gw := NewCachedGateway(mem, c)

	prices := map[string]domain.PriceData{
		"BTC": {Symbol: "BTC", Price: 51000, Tick: 1, Timestamp: time.Now()},
		"ETH": {Symbol: "ETH", Price: 3100, Tick: 1, Timestamp: time.Now()},
	}
	if err := gw.WarmPrices(ctx, prices); err != nil {
		t.Fatalf("WarmPrices: %v", err)
	}

	// A subsequent InsertPrice bypassing the warm happens after the
	// cache was populated, so LatestPrice must keep serving the warmed
	// value until the TTL naturally lapses.
	_ = mem.InsertPrice(ctx, "BTC", 99999, 2)
	got, ok, err := gw.LatestPrice(ctx, "BTC")
	if err != nil || !ok {
		t.Fatalf("LatestPrice: ok=%v err=%v", ok, err)
	}
	if got.Price != 51000 {
		t.Fatalf("expected warmed price 51000, got %v", got.Price)
	}
}

func TestCachedGatewayWarmPricesIsNoOpWithNilCache(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	gw := NewCachedGateway(mem, nil)

	prices := map[string]domain.PriceData{"BTC": {Symbol: "BTC", Price: 1, Tick: 1}}
	if err := gw.WarmPrices(ctx, prices); err != nil {
		t.Fatalf("WarmPrices: %v", err)
	}
}

func TestCachedGatewayExpiresAfterTTL(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	_ = mem.InsertPrice(ctx, "BTC", 100, 1)

	c := cache.NewMemoryCache(0, 0)
	gw := NewCachedGateway(mem, c)

	if _, _, err := gw.LatestPrice(ctx, "BTC"); err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}

	time.Sleep(cache.TTL_Latest_Price + 50*time.Millisecond)
	_ = mem.InsertPrice(ctx, "BTC", 300, 2)

	price, _, err := gw.LatestPrice(ctx, "BTC")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if price.Price != 300 {
		t.Fatalf("expected cache to have expired and returned fresh price 300, got %v", price.Price)
	}
}
