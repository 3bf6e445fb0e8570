package defi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
)

func TestFetchYields_CarriesTVLAndChain(t *testing.T) {
	tvl := 12_345_678.0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"pool": "curve-3pool", "symbol": "dai", "apy_pct": 7.59, "tvl_usd": tvl},
		})
	}))
	defer srv.Close()

	a := New(Config{SourceID: "curve", BaseURL: srv.URL, Chain: "ethereum"}, zerolog.Nop())
	samples, err := a.FetchYields(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, "DAI", s.Symbol)
	assert.Equal(t, "ethereum", s.Chain)
	assert.Equal(t, "curve-3pool", s.PoolID)
	assert.InDelta(t, 0.0759, s.APYTotal, 1e-9)
	require.NotNil(t, s.TVLUSD)
	assert.Equal(t, tvl, *s.TVLUSD)
	assert.Equal(t, domain.SourceDeFi, s.SourceKind)
}

func TestFetchYields_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{SourceID: "curve", BaseURL: srv.URL}, zerolog.Nop())
	_, err := a.FetchYields(context.Background())
	require.Error(t, err)
	var adapterErr *errs.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, errs.Transient, adapterErr.Kind)
}
