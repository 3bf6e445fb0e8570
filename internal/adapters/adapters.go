// Package adapters defines the Source Adapter contract (spec §4.1) and a
// Registry that fans a pipeline cycle out across every enabled adapter,
// bounded by a per-source-kind concurrency limit, tolerating individual
// adapter failures without failing the cycle.
package adapters

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
)

// Capabilities reports which optional contract methods an adapter supports.
type Capabilities struct {
	Prices     bool
	OrderBooks bool
}

// Identity names a source and what it can provide (§4.1 "Identity()").
type Identity struct {
	SourceID     string
	SourceKind   domain.SourceKind
	Capabilities Capabilities
}

// Adapter is the mandatory §4.1 contract every source implements.
type Adapter interface {
	Identity() Identity
	FetchYields(ctx context.Context) ([]domain.RawYieldSample, error)
}

// PriceFetcher is the optional price-tick capability.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, symbols []string) (map[string]domain.PriceTick, error)
}

// OrderBookFetcher is the optional order-book capability.
type OrderBookFetcher interface {
	FetchOrderBooks(ctx context.Context, symbols []string) (map[string][]domain.OrderBookSnapshot, error)
}

// NormalizeSymbol applies §4.1's boundary rule: symbols are normalized to
// uppercase before leaving the adapter.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// YieldResult pairs one adapter's FetchYields outcome with its identity, so
// a partial cycle can tell which sources contributed and which failed.
type YieldResult struct {
	Source  Identity
	Samples []domain.RawYieldSample
	Err     error
}

// Registry holds the enabled adapters for one pipeline deployment and runs
// them concurrently, per source kind, within a concurrency limit (§5: "bounded
// by a concurrency limit per source kind, default 8").
type Registry struct {
	adapters          []Adapter
	concurrencyPerKind int
	perSourceTimeout   time.Duration
}

// New creates a Registry. concurrencyPerKind and perSourceTimeout default to
// the spec's 8 and 10s when zero.
func New(adapterList []Adapter, concurrencyPerKind int, perSourceTimeout time.Duration) *Registry {
	if concurrencyPerKind <= 0 {
		concurrencyPerKind = 8
	}
	if perSourceTimeout <= 0 {
		perSourceTimeout = 10 * time.Second
	}
	return &Registry{adapters: adapterList, concurrencyPerKind: concurrencyPerKind, perSourceTimeout: perSourceTimeout}
}

// FetchAllYields fans out FetchYields to every adapter of each source kind
// concurrently, bounded per kind, under the cycle's context. A single
// adapter's failure never aborts the others (§4.1 "the pipeline MUST
// proceed without that source"); its error is reported in its YieldResult.
func (r *Registry) FetchAllYields(ctx context.Context) []YieldResult {
	byKind := make(map[domain.SourceKind][]Adapter)
	for _, a := range r.adapters {
		kind := a.Identity().SourceKind
		byKind[kind] = append(byKind[kind], a)
	}

	results := make([]YieldResult, len(r.adapters))
	idx := make(map[Adapter]int, len(r.adapters))
	for i, a := range r.adapters {
		idx[a] = i
	}

	for _, group := range byKind {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrencyPerKind)
		for _, a := range group {
			a := a
			g.Go(func() error {
				callCtx, cancel := context.WithTimeout(gctx, r.perSourceTimeout)
				defer cancel()
				samples, err := a.FetchYields(callCtx)
				results[idx[a]] = YieldResult{Source: a.Identity(), Samples: samples, Err: err}
				return nil // individual failures never cancel the group
			})
		}
		_ = g.Wait()
	}

	return results
}

// FetchAllPrices fans FetchPrices out across every adapter that implements
// PriceFetcher, merging their ticks per symbol. An individual adapter's
// failure is swallowed: price data is a best-effort input to peg scoring,
// never a cycle-failing dependency.
func (r *Registry) FetchAllPrices(ctx context.Context, symbols []string) map[string][]domain.PriceTick {
	var mu sync.Mutex
	out := make(map[string][]domain.PriceTick)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrencyPerKind)
	for _, a := range r.adapters {
		pf, ok := a.(PriceFetcher)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, r.perSourceTimeout)
			defer cancel()
			ticks, err := pf.FetchPrices(callCtx, symbols)
			if err != nil {
				return nil
			}
			mu.Lock()
			for sym, t := range ticks {
				out[sym] = append(out[sym], t)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FetchAllOrderBooks fans FetchOrderBooks out across every adapter that
// implements OrderBookFetcher, merging snapshots per symbol across venues.
func (r *Registry) FetchAllOrderBooks(ctx context.Context, symbols []string) map[string][]domain.OrderBookSnapshot {
	var mu sync.Mutex
	out := make(map[string][]domain.OrderBookSnapshot)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrencyPerKind)
	for _, a := range r.adapters {
		obf, ok := a.(OrderBookFetcher)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, r.perSourceTimeout)
			defer cancel()
			books, err := obf.FetchOrderBooks(callCtx, symbols)
			if err != nil {
				return nil
			}
			mu.Lock()
			for sym, snapshots := range books {
				out[sym] = append(out[sym], snapshots...)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Classify wraps a plain error from a concrete client into the §4.1 typed
// AdapterError taxonomy, for adapters that haven't already done so.
func Classify(sourceID string, kind errs.AdapterFailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &errs.AdapterError{SourceID: sourceID, Kind: kind, Err: err}
}
