package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/adapters"
	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/events"
	"github.com/ecaradonna/stableyield/internal/store"
	"github.com/ecaradonna/stableyield/pkg/clock"
)

type fakeYieldAdapter struct {
	id      string
	kind    domain.SourceKind
	samples []domain.RawYieldSample
}

func (f *fakeYieldAdapter) Identity() adapters.Identity {
	return adapters.Identity{SourceID: f.id, SourceKind: f.kind}
}

func (f *fakeYieldAdapter) FetchYields(ctx context.Context) ([]domain.RawYieldSample, error) {
	return f.samples, nil
}

// FetchOrderBooks gives every requested symbol a deep, tight book so RAY's
// liquidity factor isn't zeroed out by the "no book data at all" default.
func (f *fakeYieldAdapter) FetchOrderBooks(ctx context.Context, symbols []string) (map[string][]domain.OrderBookSnapshot, error) {
	out := make(map[string][]domain.OrderBookSnapshot, len(symbols))
	for _, sym := range symbols {
		out[sym] = []domain.OrderBookSnapshot{{
			Symbol: sym,
			Venue:  f.id,
			Bids:   []domain.BookLevel{{Price: 0.999, Size: 50_000_000}},
			Asks:   []domain.BookLevel{{Price: 1.001, Size: 50_000_000}},
		}}
	}
	return out, nil
}

type fakeRateSource struct{ rate float64 }

func (f fakeRateSource) FetchRate(ctx context.Context, tenorMonths int) (domain.TBillRate, error) {
	return domain.TBillRate{TenorMonths: tenorMonths, RateDecimal: f.rate}, nil
}

func testIndexConfig(code domain.IndexCode, minConstituents int) config.IndexConfig {
	return config.IndexConfig{
		Code:            code,
		Scheme:          domain.WeightEqual,
		ConstituentCap:  1.0,
		MinConfidence:   0,
		MinConstituents: minConstituents,
		MaxStaleness:    24 * time.Hour,
		SoftStaleness:   time.Hour,
		HardStaleness:   12 * time.Hour,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Sanitizer: config.SanitizerConfig{
			AbsoluteMinimum:   -0.5,
			AbsoluteMaximum:   2.0,
			ReasonableMaximum: 0.5,
			MADThreshold:      3.5,
			IQRMultiplier:     1.5,
			Method:            domain.MethodMAD,
		},
		RAY: config.RAYConfig{
			CounterpartyDefault: 0.9,
			ReputationDefault:   0.9,
			TemporalDefault:     0.9,
			Exponent:            0.5,
		},
		Indices: map[domain.IndexCode]config.IndexConfig{
			domain.IndexSYI:    testIndexConfig(domain.IndexSYI, 2),
			domain.IndexSYCEFI: testIndexConfig(domain.IndexSYCEFI, 10), // unreachable this cycle
			domain.IndexSYDEFI: testIndexConfig(domain.IndexSYDEFI, 10),
		},
		Liquidity: config.LiquidityConfig{
			GlobalMinimumUSD: 0,
			Min24hVolumeUSD:  0,
			BlueChipUSD:      1e9,
			InstitutionalUSD: 1e7,
		},
		Scheduler: config.SchedulerConfig{CycleDeadline: 5 * time.Second},
	}
}

func TestRunCycle_ComposesIndexFromAdapterSamples(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	samples := []domain.RawYieldSample{
		{Symbol: "USDT", SourceID: "aave", SourceKind: domain.SourceDeFi, APYTotal: 0.04, ObservedAt: now},
		{Symbol: "USDC", SourceID: "compound", SourceKind: domain.SourceDeFi, APYTotal: 0.045, ObservedAt: now},
	}
	reg := adapters.New([]adapters.Adapter{&fakeYieldAdapter{id: "defi", kind: domain.SourceDeFi, samples: samples}}, 8, time.Second)

	s := store.New()
	a := New(Deps{
		Config:   testConfig(),
		Registry: reg,
		TBill:    fakeRateSource{rate: 0.05},
		Store:    s,
		Events:   events.NewManager(zerolog.Nop()),
		Clock:    clock.Fixed{At: now},
		Log:      zerolog.Nop(),
	})

	require.NoError(t, a.RunCycle(context.Background()))

	syi, ok := s.LatestIndexValue(domain.IndexSYI)
	require.True(t, ok)
	assert.Equal(t, 2, syi.ConstituentCount)
	assert.Greater(t, syi.Value, 0.0)

	rpi, ok := s.LatestIndexValue(domain.IndexSYRPI)
	require.True(t, ok)
	assert.InDelta(t, syi.Value-0.05, rpi.Value, 1e-9)
}

func TestRunCycle_InsufficientConstituentsDoesNotPublish(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	samples := []domain.RawYieldSample{
		{Symbol: "USDT", SourceID: "aave", SourceKind: domain.SourceDeFi, APYTotal: 0.04, ObservedAt: now},
	}
	reg := adapters.New([]adapters.Adapter{&fakeYieldAdapter{id: "defi", kind: domain.SourceDeFi, samples: samples}}, 8, time.Second)

	s := store.New()
	a := New(Deps{
		Config:   testConfig(),
		Registry: reg,
		Store:    s,
		Events:   events.NewManager(zerolog.Nop()),
		Clock:    clock.Fixed{At: now},
		Log:      zerolog.Nop(),
	})

	require.NoError(t, a.RunCycle(context.Background()))

	_, ok := s.LatestIndexValue(domain.IndexSYI)
	assert.False(t, ok)
}

func TestRunRegime_EvaluatesFromLatestIndexValue(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	s := store.New()
	require.NoError(t, s.AppendIndexValue(domain.IndexValue{
		IndexCode:  domain.IndexSYI,
		ObservedAt: now,
		Value:      0.045,
		Constituents: []domain.Constituent{
			{Symbol: "USDT", RAY: 0.04, Record: domain.RAYRecord{Factors: domain.RiskFactors{PegScore: 0.98}}},
			{Symbol: "USDC", RAY: 0.05, Record: domain.RAYRecord{Factors: domain.RiskFactors{PegScore: 0.97}}},
		},
	}))

	a := New(Deps{
		Config: testConfig(),
		TBill:  fakeRateSource{rate: 0.05},
		Store:  s,
		Events: events.NewManager(zerolog.Nop()),
		Clock:  clock.Fixed{At: now},
		Log:    zerolog.Nop(),
	})

	require.NoError(t, a.RunRegime(context.Background(), now))

	hist := s.RegimeHistory(now, now, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.RegimeNeutral, hist[0].State)
}

// TestClassifyMode_WiredFromStoreHistory seeds a flat 180-day baseline
// followed by a sharply oscillating 30-day tail, then checks that
// classifyMode (the caller compositor/mode.go's doc comment refers to)
// pulls that history back out of the Store and reports HIGH_VOL.
func TestClassifyMode_WiredFromStoreHistory(t *testing.T) {
	s := store.New()
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 180; i++ {
		require.NoError(t, s.AppendIndexValue(domain.IndexValue{IndexCode: domain.IndexSYI, ObservedAt: day, Value: 0.04}))
		day = day.Add(24 * time.Hour)
	}
	for i := 0; i < 30; i++ {
		v := 0.02
		if i%2 == 0 {
			v = 0.08
		}
		require.NoError(t, s.AppendIndexValue(domain.IndexValue{IndexCode: domain.IndexSYI, ObservedAt: day, Value: v}))
		day = day.Add(24 * time.Hour)
	}
	asOf := day.Add(-24 * time.Hour)

	a := New(Deps{
		Config: testConfig(),
		Store:  s,
		Events: events.NewManager(zerolog.Nop()),
		Log:    zerolog.Nop(),
	})

	assert.Equal(t, domain.ModeHighVol, a.classifyMode(domain.IndexSYI, asOf, 0))
}

func TestRunRegime_NoIndexValueReturnsError(t *testing.T) {
	a := New(Deps{
		Config: testConfig(),
		Store:  store.New(),
		Events: events.NewManager(zerolog.Nop()),
		Log:    zerolog.Nop(),
	})

	err := a.RunRegime(context.Background(), time.Now())
	require.Error(t, err)
}
