package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 0.0, cfg.Sanitizer.AbsoluteMinimum)
	assert.Equal(t, 1.50, cfg.Sanitizer.AbsoluteMaximum)
	assert.Equal(t, domain.MethodMAD, cfg.Sanitizer.Method)
	assert.Equal(t, 3.0, cfg.Sanitizer.MADThreshold)

	assert.Equal(t, 0.75, cfg.RAY.CounterpartyDefault)
	assert.Equal(t, 0.5, cfg.RAY.Exponent)

	syi, ok := cfg.Indices[domain.IndexSYI]
	require.True(t, ok)
	assert.Equal(t, domain.WeightMarketCap, syi.Scheme)
	assert.Equal(t, 0.40, syi.ConstituentCap)
	assert.Equal(t, 3, syi.MinConstituents)

	assert.Equal(t, 7, cfg.Regime.EMAShortDays)
	assert.Equal(t, 30, cfg.Regime.EMALongDays)
	assert.Equal(t, 100, cfg.Regime.PegSingleBps)
}

func TestLoad_RejectsUnknownKey(t *testing.T) {
	os.Setenv("SYI_DOES_NOT_EXIST", "1")
	defer os.Unsetenv("SYI_DOES_NOT_EXIST")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized")
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	os.Setenv("SYI_SANITIZER_MAD_THRESHOLD", "4.5")
	os.Setenv("SYI_REGIME_PEG_SINGLE_BPS", "80")
	defer func() {
		os.Unsetenv("SYI_SANITIZER_MAD_THRESHOLD")
		os.Unsetenv("SYI_REGIME_PEG_SINGLE_BPS")
	}()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4.5, cfg.Sanitizer.MADThreshold)
	assert.Equal(t, 80, cfg.Regime.PegSingleBps)
}

func TestValidate_RejectsBadQuantileBounds(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sanitizer.WinsorizeLowQuantile = 0.9
	cfg.Sanitizer.WinsorizeHighQuantile = 0.1
	err = cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsBadRegimeWindow(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Regime.EMALongDays = cfg.Regime.EMAShortDays
	err = cfg.Validate()
	require.Error(t, err)
}
