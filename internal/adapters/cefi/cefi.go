// Package cefi implements a centralized-exchange Source Adapter (spec
// §4.1): a REST poll for APY/price snapshots, and an optional live price
// stream over a WebSocket feed for venues that offer one, grounded on
// the teacher's tradernet websocket client.
package cefi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ecaradonna/stableyield/internal/adapters"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
)

// Config points the adapter at one CeFi venue's REST and (optional)
// WebSocket endpoints.
type Config struct {
	SourceID  string
	BaseURL   string
	WSURL     string // empty disables the live price stream
	APIKey    string
	Symbols   []string
	Timeout   time.Duration
}

// Adapter polls a CeFi venue for earn/savings APY and venue prices.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
	stream *PriceStream
}

// New creates a CeFi Adapter. When cfg.WSURL is set, a PriceStream is
// started lazily on first FetchPrices call and its cache preferred over the
// REST poll (§4.1 lets an adapter expose FetchPrices however it likes; a
// streaming cache is simply a lower-latency implementation of the same
// contract method).
func New(cfg Config, log zerolog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("adapter", "cefi").Str("source_id", cfg.SourceID).Logger(),
	}
	if cfg.WSURL != "" {
		a.stream = NewPriceStream(cfg.WSURL, cfg.SourceID, a.log)
	}
	return a
}

func (a *Adapter) Identity() adapters.Identity {
	return adapters.Identity{
		SourceID:   a.cfg.SourceID,
		SourceKind: domain.SourceCeFi,
		Capabilities: adapters.Capabilities{
			Prices:     true,
			OrderBooks: true,
		},
	}
}

type apyEntry struct {
	Symbol    string  `json:"symbol"`
	APYPct    float64 `json:"apy_pct"`
	BaseAPY   *float64 `json:"base_apy_pct"`
	RewardAPY *float64 `json:"reward_apy_pct"`
}

// FetchYields polls the venue's earn-products endpoint and converts each
// entry's percentage APY to decimal at the boundary (§4.1). TRANSIENT and
// RATE_LIMITED responses are retried with the documented backoff schedule.
func (a *Adapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	var entries []apyEntry
	err := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/earn/products", nil)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
		}
		a.authenticate(req)

		resp, err := a.client.Do(req)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: err}
		}
		defer resp.Body.Close()

		if kind, ok := httpStatusKind(resp.StatusCode); ok {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		entries = nil
		return json.NewDecoder(resp.Body).Decode(&entries)
	})
	if err != nil {
		var adapterErr *errs.AdapterError
		if errors.As(err, &adapterErr) {
			return nil, err
		}
		return nil, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
	}

	now := time.Now()
	samples := make([]domain.RawYieldSample, 0, len(entries))
	for _, e := range entries {
		sample := domain.RawYieldSample{
			Symbol:     adapters.NormalizeSymbol(e.Symbol),
			SourceID:   a.cfg.SourceID,
			SourceKind: domain.SourceCeFi,
			APYTotal:   e.APYPct / 100,
			ObservedAt: now,
		}
		if e.BaseAPY != nil {
			v := *e.BaseAPY / 100
			sample.APYBase = &v
		}
		if e.RewardAPY != nil {
			v := *e.RewardAPY / 100
			sample.APYReward = &v
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

type priceEntry struct {
	Symbol       string  `json:"symbol"`
	PriceUSD     float64 `json:"price_usd"`
	Volume24hUSD float64 `json:"volume_24h_usd"`
}

// FetchPrices prefers the live WebSocket cache when present and fresh,
// falling back to a REST poll otherwise.
func (a *Adapter) FetchPrices(ctx context.Context, symbols []string) (map[string]domain.PriceTick, error) {
	if a.stream != nil {
		if ticks, ok := a.stream.Snapshot(symbols); ok {
			return ticks, nil
		}
	}

	var entries []priceEntry
	err := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/market/tickers", nil)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
		}
		a.authenticate(req)

		resp, err := a.client.Do(req)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: err}
		}
		defer resp.Body.Close()

		if kind, ok := httpStatusKind(resp.StatusCode); ok {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		entries = nil
		return json.NewDecoder(resp.Body).Decode(&entries)
	})
	if err != nil {
		var adapterErr *errs.AdapterError
		if errors.As(err, &adapterErr) {
			return nil, err
		}
		return nil, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
	}

	now := time.Now()
	out := make(map[string]domain.PriceTick, len(entries))
	for _, e := range entries {
		sym := adapters.NormalizeSymbol(e.Symbol)
		out[sym] = domain.PriceTick{
			Symbol:       sym,
			Venue:        a.cfg.SourceID,
			PriceUSD:     e.PriceUSD,
			Volume24hUSD: e.Volume24hUSD,
			ObservedAt:   now,
		}
	}
	return out, nil
}

type bookLevelEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type orderBookEntry struct {
	Symbol string           `json:"symbol"`
	Bids   []bookLevelEntry `json:"bids"`
	Asks   []bookLevelEntry `json:"asks"`
}

// FetchOrderBooks polls the venue's order-book endpoint for the requested
// symbols, backing the Capabilities.OrderBooks this adapter advertises.
func (a *Adapter) FetchOrderBooks(ctx context.Context, symbols []string) (map[string][]domain.OrderBookSnapshot, error) {
	var entries []orderBookEntry
	err := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/market/orderbooks", nil)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
		}
		a.authenticate(req)
		q := req.URL.Query()
		for _, sym := range symbols {
			q.Add("symbol", sym)
		}
		req.URL.RawQuery = q.Encode()

		resp, err := a.client.Do(req)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: err}
		}
		defer resp.Body.Close()

		if kind, ok := httpStatusKind(resp.StatusCode); ok {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		entries = nil
		return json.NewDecoder(resp.Body).Decode(&entries)
	})
	if err != nil {
		var adapterErr *errs.AdapterError
		if errors.As(err, &adapterErr) {
			return nil, err
		}
		return nil, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
	}

	now := time.Now()
	out := make(map[string][]domain.OrderBookSnapshot, len(entries))
	for _, e := range entries {
		sym := adapters.NormalizeSymbol(e.Symbol)
		snap := domain.OrderBookSnapshot{Symbol: sym, Venue: a.cfg.SourceID, ObservedAt: now}
		for _, b := range e.Bids {
			snap.Bids = append(snap.Bids, domain.BookLevel{Price: b.Price, Size: b.Size})
		}
		for _, ask := range e.Asks {
			snap.Asks = append(snap.Asks, domain.BookLevel{Price: ask.Price, Size: ask.Size})
		}
		out[sym] = append(out[sym], snap)
	}
	return out, nil
}

func (a *Adapter) authenticate(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

// httpStatusKind maps an HTTP status to an AdapterFailureKind, reporting ok
// = false for 2xx responses.
func httpStatusKind(status int) (errs.AdapterFailureKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.RateLimited, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Auth, true
	case status >= 500:
		return errs.Transient, true
	case status >= 400:
		return errs.Malformed, true
	default:
		return "", false
	}
}
