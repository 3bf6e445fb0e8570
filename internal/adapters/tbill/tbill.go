// Package tbill implements the risk-free-rate Source Adapter (spec §4.1,
// §4.6): a REST poll against a Treasury-rate provider, exposing the 3-month
// T-Bill rate the risk-regime engine and SYRPI both depend on.
package tbill

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

// Config points the adapter at a Treasury-rate data provider.
type Config struct {
	SourceID string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// Adapter polls a Treasury-rate provider. It has no APY samples of its own
// (FetchYields always returns empty) — it exists purely to supply
// TBillRate via FetchRate, consumed directly by the regime engine and the
// SYRPI derivation rather than folded into the compositor pool.
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
		log:    log.With().Str("adapter", "tbill").Str("source_id", cfg.SourceID).Logger(),
	}
}

func (a *Adapter) Identity() adapters.Identity {
	return adapters.Identity{SourceID: a.cfg.SourceID, SourceKind: domain.SourceCeFi}
}

// FetchYields satisfies the mandatory adapters.Adapter contract with an
// empty sequence; this adapter carries treasury rates, not stablecoin APY.
func (a *Adapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	return nil, nil
}

type rateEntry struct {
	TenorMonths int     `json:"tenor_months"`
	RatePct     float64 `json:"rate_pct"`
}

// FetchRate returns the latest rate for the requested tenor (3 for the
// 3-month bill used throughout §4.5/§4.6). TRANSIENT responses are retried
// with the documented backoff schedule.
func (a *Adapter) FetchRate(ctx context.Context, tenorMonths int) (domain.TBillRate, error) {
	var entries []rateEntry
	retryErr := adapters.Retry(ctx, adapters.DefaultRetryPolicy(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/rates", nil)
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
			return domain.TBillRate{}, retryErr
		}
		return domain.TBillRate{}, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Malformed, Err: retryErr}
	}

	for _, e := range entries {
		if e.TenorMonths == tenorMonths {
			return domain.TBillRate{
				TenorMonths: tenorMonths,
				RateDecimal: e.RatePct / 100,
				ObservedAt:  time.Now(),
			}, nil
		}
	}
	return domain.TBillRate{}, &errs.AdapterError{SourceID: a.cfg.SourceID, Kind: errs.Unavailable, Err: fmt.Errorf("no %d-month tenor in response", tenorMonths)}
}
