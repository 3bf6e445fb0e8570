// Package defi implements a DeFi protocol Source Adapter (spec §4.1): a
// REST poll against a pool-analytics API returning per-pool APY and TVL.
package defi

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

// Config points the adapter at one DeFi analytics provider.
type Config struct {
	SourceID string
	BaseURL  string
	APIKey   string
	Chain    string
	Timeout  time.Duration
}

// Adapter polls a DeFi pool-analytics provider for stablecoin pool yields.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

// New creates a DeFi Adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("adapter", "defi").Str("source_id", cfg.SourceID).Logger(),
	}
}

func (a *Adapter) Identity() adapters.Identity {
	return adapters.Identity{
		SourceID:   a.cfg.SourceID,
		SourceKind: domain.SourceDeFi,
	}
}

type poolEntry struct {
	Pool       string   `json:"pool"`
	Symbol     string   `json:"symbol"`
	APYPct     float64  `json:"apy_pct"`
	APYBasePct *float64 `json:"apy_base_pct"`
	APYRewardPct *float64 `json:"apy_reward_pct"`
	BorrowAPYPct *float64 `json:"apy_borrow_pct"`
	TVLUSD     *float64 `json:"tvl_usd"`
}

// FetchYields polls the provider's pools endpoint, converting percentage
// APY fields to decimal at the boundary (§4.1) and carrying TVL through
// untouched for the compositor's CAPACITY/TVL_MATURITY weighting schemes.
// TRANSIENT and RATE_LIMITED responses are retried with the documented
// backoff schedule.
func (a *Adapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	url := a.cfg.BaseURL + "/pools"
	if a.cfg.Chain != "" {
		url += "?chain=" + a.cfg.Chain
	}

	var entries []poolEntry
	retryErr := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.RateLimited, Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode == http.StatusUnauthorized:
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Auth, Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 500:
			return &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Transient, Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 400:
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
	samples := make([]domain.RawYieldSample, 0, len(entries))
	for _, e := range entries {
		s := domain.RawYieldSample{
			Symbol:     adapters.NormalizeSymbol(e.Symbol),
			SourceID:   a.cfg.SourceID,
			SourceKind: domain.SourceDeFi,
			Chain:      a.cfg.Chain,
			PoolID:     e.Pool,
			APYTotal:   e.APYPct / 100,
			TVLUSD:     e.TVLUSD,
			ObservedAt: now,
		}
		if e.APYBasePct != nil {
			v := *e.APYBasePct / 100
			s.APYBase = &v
		}
		if e.APYRewardPct != nil {
			v := *e.APYRewardPct / 100
			s.APYReward = &v
		}
		if e.BorrowAPYPct != nil {
			v := *e.BorrowAPYPct / 100
			s.BorrowAPY = &v
		}
		samples = append(samples, s)
	}
	return samples, nil
}
