package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
)

type fakeAdapter struct {
	id      string
	kind    domain.SourceKind
	samples []domain.RawYieldSample
	err     error
	delay   time.Duration

	prices map[string]domain.PriceTick
	books  map[string][]domain.OrderBookSnapshot
}

func (f *fakeAdapter) Identity() Identity {
	return Identity{SourceID: f.id, SourceKind: f.kind}
}

func (f *fakeAdapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.samples, f.err
}

func (f *fakeAdapter) FetchPrices(ctx context.Context, symbols []string) (map[string]domain.PriceTick, error) {
	return f.prices, nil
}

func (f *fakeAdapter) FetchOrderBooks(ctx context.Context, symbols []string) (map[string][]domain.OrderBookSnapshot, error) {
	return f.books, nil
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "USDC", NormalizeSymbol(" usdc "))
	assert.Equal(t, "DAI", NormalizeSymbol("dai"))
}

func TestFetchAllYields_OneFailureDoesNotAbortOthers(t *testing.T) {
	good := &fakeAdapter{id: "good", kind: domain.SourceCeFi, samples: []domain.RawYieldSample{{Symbol: "USDT"}}}
	bad := &fakeAdapter{id: "bad", kind: domain.SourceCeFi, err: &errs.AdapterError{SourceID: "bad", Kind: errs.Unavailable, Err: errors.New("boom")}}

	reg := New([]Adapter{good, bad}, 8, 2*time.Second)
	results := reg.FetchAllYields(context.Background())

	require.Len(t, results, 2)
	var sawGood, sawBad bool
	for _, r := range results {
		if r.Source.SourceID == "good" {
			sawGood = true
			assert.NoError(t, r.Err)
			assert.Len(t, r.Samples, 1)
		}
		if r.Source.SourceID == "bad" {
			sawBad = true
			assert.Error(t, r.Err)
		}
	}
	assert.True(t, sawGood)
	assert.True(t, sawBad)
}

func TestFetchAllYields_PerSourceTimeoutCancelsSlowAdapter(t *testing.T) {
	slow := &fakeAdapter{id: "slow", kind: domain.SourceDeFi, delay: 50 * time.Millisecond}
	reg := New([]Adapter{slow}, 8, 5*time.Millisecond)

	results := reg.FetchAllYields(context.Background())
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestClassify_WrapsPlainError(t *testing.T) {
	err := Classify("src-1", errs.Transient, errors.New("timeout"))
	require.Error(t, err)
	var adapterErr *errs.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.True(t, adapterErr.Retryable())
}

func TestClassify_NilErrorReturnsNil(t *testing.T) {
	assert.NoError(t, Classify("src-1", errs.Transient, nil))
}

func TestFetchAllPrices_MergesAcrossAdaptersIgnoringNonImplementers(t *testing.T) {
	a := &fakeAdapter{id: "a", kind: domain.SourceCeFi, prices: map[string]domain.PriceTick{"USDT": {Symbol: "USDT", Venue: "a", PriceUSD: 1.001}}}
	b := &fakeAdapter{id: "b", kind: domain.SourceCeFi, prices: map[string]domain.PriceTick{"USDT": {Symbol: "USDT", Venue: "b", PriceUSD: 0.999}}}

	reg := New([]Adapter{a, b}, 8, time.Second)
	out := reg.FetchAllPrices(context.Background(), []string{"USDT"})

	require.Len(t, out["USDT"], 2)
}

func TestFetchAllOrderBooks_MergesSnapshotsPerSymbol(t *testing.T) {
	a := &fakeAdapter{id: "a", kind: domain.SourceDeFi, books: map[string][]domain.OrderBookSnapshot{
		"USDC": {{Symbol: "USDC", Venue: "a"}},
	}}
	b := &fakeAdapter{id: "b", kind: domain.SourceDeFi, books: map[string][]domain.OrderBookSnapshot{
		"USDC": {{Symbol: "USDC", Venue: "b"}},
	}}

	reg := New([]Adapter{a, b}, 8, time.Second)
	out := reg.FetchAllOrderBooks(context.Background(), []string{"USDC"})

	require.Len(t, out["USDC"], 2)
}
