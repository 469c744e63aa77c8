// Package pricefeed adapts the external market-price vendor to the
// canonical symbol space the rest of the engine works in (spec §4.1).
package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alpharoyale/backend/internal/domain"
)

// Quote is one vendor price observation.
type Quote struct {
	Price           float64
	VendorTimestamp time.Time
}

// Feed fetches the latest quote for a set of canonical symbols.
type Feed interface {
	// FetchQuotes returns a quote per symbol that the vendor actually
	// answered for. A missing entry means "no row this tick" — callers
	// must treat that as skip, never reject (spec §4.1).
	FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// vendorResponse matches the documented vendor payload: {c: price, t: unix}.
type vendorResponse struct {
	C float64 `json:"c"`
	T int64   `json:"t"`
}

// HTTPFeed calls the configured vendor endpoint over HTTP, one request per
// vendor symbol, through a retrying resty client (grounded in the pack's
// exchange/market-data clients, e.g. 0xtitan6-polymarket-mm/internal/exchange).
type HTTPFeed struct {
	http          *resty.Client
	credential    string
	symbolMapping map[string]string // canonical -> vendor
}

// NewHTTPFeed builds a vendor-backed Feed. symbolMapping maps canonical
// symbols (BTC, ETH, ...) to vendor-specific symbols; storage only ever
// sees the canonical side (spec §4.1, §9 "Symbol mapping").
func NewHTTPFeed(baseURL, credential string, symbolMapping map[string]string) *HTTPFeed {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &HTTPFeed{http: client, credential: credential, symbolMapping: symbolMapping}
}

func (f *HTTPFeed) FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	var firstErr error

	for _, canonical := range symbols {
		vendorSymbol := canonical
		if mapped, ok := f.symbolMapping[canonical]; ok {
			vendorSymbol = mapped
		}

		var payload vendorResponse
		resp, err := f.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", vendorSymbol).
			SetHeader("Authorization", "Bearer "+f.credential).
			SetResult(&payload).
			Get("/quote")

		if err != nil || resp.IsError() {
			// A symbol miss is not fatal to the tick (spec §4.1): record
			// the first failure, returned only if no symbol succeeds, and
			// keep trying the rest of the symbols.
			if firstErr == nil {
				firstErr = domain.NewError(domain.KindPriceFeedUnavailable,
					fmt.Sprintf("fetch quote for %s", canonical), err)
			}
			continue
		}

		out[canonical] = Quote{
			Price:           payload.C,
			VendorTimestamp: time.Unix(payload.T, 0).UTC(),
		}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

var _ Feed = (*HTTPFeed)(nil)
