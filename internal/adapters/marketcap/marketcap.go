// Package marketcap implements the market-capitalization Source Adapter
// (spec §4.1): a REST poll supplying each stablecoin's circulating market
// cap, used by the compositor's MARKET_CAP weighting scheme (§4.5).
package marketcap

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

// Config points the adapter at a market-data provider.
type Config struct {
	SourceID string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// Adapter polls a market-data provider for stablecoin market caps. Like
// tbill.Adapter, it has no APY samples of its own.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("adapter", "marketcap").Str("source_id", cfg.SourceID).Logger(),
	}
}

func (a *Adapter) Identity() adapters.Identity {
	return adapters.Identity{SourceID: a.cfg.SourceID, SourceKind: domain.SourceCeFi}
}

func (a *Adapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	return nil, nil
}

type capEntry struct {
	Symbol       string  `json:"symbol"`
	MarketCapUSD float64 `json:"market_cap_usd"`
}

// FetchMarketCaps returns the latest market cap for every symbol the
// provider reports. TRANSIENT responses are retried with the documented
// backoff schedule.
func (a *Adapter) FetchMarketCaps(ctx context.Context) (map[string]domain.MarketCap, error) {
	var entries []capEntry
	retryErr := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/market-caps", nil)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: err}
		}
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		entries = nil
		return json.NewDecoder(resp.Body).Decode(&entries)
	})
	if retryErr != nil {
		var adapterErr *errs.AdapterError
		if errors.As(retryErr, &adapterErr) {
			return nil, retryErr
		}
		return nil, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: retryErr}
	}

	now := time.Now()
	out := make(map[string]domain.MarketCap, len(entries))
	for _, e := range entries {
		sym := adapters.NormalizeSymbol(e.Symbol)
		out[sym] = domain.MarketCap{Symbol: sym, MarketCapUSD: e.MarketCapUSD, ObservedAt: now}
	}
	return out, nil
}
