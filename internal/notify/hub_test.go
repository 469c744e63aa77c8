package notify

import "testing"

func TestThrottledSkipsTinyPriceMoves(t *testing.T) {
	h := NewHub()

	if h.throttled("BTC", 100.0) {
		t.Fatal("first observation for a symbol must never be throttled")
	}
	if !h.throttled("BTC", 100.0000001) {
		t.Fatal("expected a negligible move to be throttled")
	}
}

func TestThrottledAllowsMeaningfulMove(t *testing.T) {
	h := NewHub()

	h.throttled("ETH", 100.0)
	if h.throttled("ETH", 101.0) {
		t.Fatal("expected a 1% move to pass through")
	}
}

func TestGetLatestPriceReflectsBroadcast(t *testing.T) {
	h := NewHub()

	if _, ok := h.GetLatestPrice("BTC"); ok {
		t.Fatal("expected no latest price before any broadcast")
	}

	h.Broadcast(ChangeEvent{Type: "price", Symbol: "BTC"}, 100.0)

	event, ok := h.GetLatestPrice("BTC")
	if !ok {
		t.Fatal("expected latest price to be recorded after broadcast")
	}
	if event.Symbol != "BTC" {
		t.Fatalf("got symbol %q, want BTC", event.Symbol)
	}
}
