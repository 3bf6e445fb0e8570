// Package config loads and validates the pipeline's configuration surface
// (spec §6.4). Every parameter has a documented default; all SYI_-prefixed
// environment variables other than the per-source adapter settings are
// validated against a fixed allow-list at startup, and an unrecognized one
// is a fatal ConfigError.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/errs"
)

// SanitizerConfig holds the §4.3 bounds and outlier-test parameters.
type SanitizerConfig struct {
	AbsoluteMinimum      float64
	AbsoluteMaximum      float64
	ReasonableMaximum    float64
	SuspiciousThreshold  float64
	Method               domain.OutlierMethod
	MADThreshold         float64
	IQRMultiplier        float64
	WinsorizeLowQuantile float64
	WinsorizeHighQuantile float64
	MaxRewardRatio       float64
	FlashSpikeThreshold  float64
}

// RAYConfig holds the §4.4 risk-factor defaults and composition exponent.
type RAYConfig struct {
	CounterpartyDefault float64
	ReputationDefault   float64
	TemporalDefault     float64
	Exponent            float64
}

// IndexConfig holds the §4.5 per-index-code composition parameters.
type IndexConfig struct {
	Code            domain.IndexCode
	Scheme          domain.WeightingScheme
	ConstituentCap  float64
	MinConfidence   float64
	MinConstituents int
	MaxStaleness    time.Duration
	SoftStaleness   time.Duration
	HardStaleness   time.Duration
}

// RegimeConfig holds the §4.6 risk-regime state machine parameters.
type RegimeConfig struct {
	EMAShortDays      int
	EMALongDays       int
	ZEnter            float64
	PersistDays       int
	CooldownDays      int
	BreadthOnMax      float64
	BreadthOffMin     float64
	PegSingleBps      int
	PegAggBps         int
	PegClearHours     int
	VolatilityEpsilon float64
}

// LiquidityConfig holds the §6.4 liquidity-tier TVL/volume floors used by
// internal/liquidity to grade a backing pool.
type LiquidityConfig struct {
	GlobalMinimumUSD     float64
	InstitutionalUSD     float64
	BlueChipUSD          float64
	Max7dVolatilityPct   float64
	Max30dVolatilityPct  float64
	Min24hVolumeUSD      float64
}

// SchedulerConfig holds the §4.7/§5 cadence and deadline parameters.
type SchedulerConfig struct {
	CycleCadence         string // cron expression, default every minute
	CycleDeadline        time.Duration
	RegimeCadence        string // cron expression, default 00:05 UTC daily
	PerSourceConcurrency int
	PerSourceTimeout     time.Duration
}

// StoreConfig holds the §6.3 retention defaults and the optional
// persistence/archival backends.
type StoreConfig struct {
	RetentionPrices    time.Duration
	RetentionLiquidity time.Duration
	RetentionAPY       time.Duration
	RetentionTBill     time.Duration

	SnapshotEnabled bool
	SnapshotPath    string

	ArchiveEnabled bool
	ArchiveBucket  string
	ArchiveRegion  string
}

// Config is the fully resolved, validated configuration surface.
type Config struct {
	LogLevel string
	DataDir  string

	Sanitizer  SanitizerConfig
	RAY        RAYConfig
	Indices    map[domain.IndexCode]IndexConfig
	Regime     RegimeConfig
	Liquidity  LiquidityConfig
	Scheduler  SchedulerConfig
	Store      StoreConfig
}

const envPrefix = "SYI_"

// knownKeys is the allow-list of recognized SYI_-prefixed environment
// variables. Any SYI_-prefixed variable not in this set is a fatal
// ConfigError, per §6.4: "unknown keys are fatal".
var knownKeys = map[string]bool{
	"SYI_LOG_LEVEL": true,
	"SYI_DATA_DIR":  true,

	"SYI_SANITIZER_ABSOLUTE_MIN":        true,
	"SYI_SANITIZER_ABSOLUTE_MAX":        true,
	"SYI_SANITIZER_REASONABLE_MAX":      true,
	"SYI_SANITIZER_SUSPICIOUS_THRESHOLD": true,
	"SYI_SANITIZER_METHOD":              true,
	"SYI_SANITIZER_MAD_THRESHOLD":       true,
	"SYI_SANITIZER_IQR_MULTIPLIER":      true,
	"SYI_SANITIZER_WINSORIZE_LOW":       true,
	"SYI_SANITIZER_WINSORIZE_HIGH":      true,
	"SYI_SANITIZER_MAX_REWARD_RATIO":    true,
	"SYI_SANITIZER_FLASH_SPIKE":         true,

	"SYI_RAY_COUNTERPARTY_DEFAULT": true,
	"SYI_RAY_REPUTATION_DEFAULT":   true,
	"SYI_RAY_TEMPORAL_DEFAULT":     true,
	"SYI_RAY_EXPONENT":             true,

	"SYI_COMPOSITOR_CONSTITUENT_CAP":  true,
	"SYI_COMPOSITOR_MIN_CONFIDENCE":   true,
	"SYI_COMPOSITOR_MIN_CONSTITUENTS": true,
	"SYI_COMPOSITOR_MAX_STALENESS":    true,
	"SYI_COMPOSITOR_SOFT_STALENESS":   true,
	"SYI_COMPOSITOR_HARD_STALENESS":   true,

	"SYI_REGIME_EMA_SHORT_DAYS":      true,
	"SYI_REGIME_EMA_LONG_DAYS":       true,
	"SYI_REGIME_Z_ENTER":             true,
	"SYI_REGIME_PERSIST_DAYS":        true,
	"SYI_REGIME_COOLDOWN_DAYS":       true,
	"SYI_REGIME_BREADTH_ON_MAX":      true,
	"SYI_REGIME_BREADTH_OFF_MIN":     true,
	"SYI_REGIME_PEG_SINGLE_BPS":      true,
	"SYI_REGIME_PEG_AGG_BPS":         true,
	"SYI_REGIME_PEG_CLEAR_HOURS":     true,
	"SYI_REGIME_VOLATILITY_EPSILON":  true,

	"SYI_LIQUIDITY_GLOBAL_MINIMUM_USD":    true,
	"SYI_LIQUIDITY_INSTITUTIONAL_USD":     true,
	"SYI_LIQUIDITY_BLUE_CHIP_USD":         true,
	"SYI_LIQUIDITY_MAX_7D_VOLATILITY_PCT": true,
	"SYI_LIQUIDITY_MAX_30D_VOLATILITY_PCT": true,
	"SYI_LIQUIDITY_MIN_24H_VOLUME_USD":    true,

	"SYI_SCHEDULER_CYCLE_CADENCE":          true,
	"SYI_SCHEDULER_CYCLE_DEADLINE":         true,
	"SYI_SCHEDULER_REGIME_CADENCE":         true,
	"SYI_SCHEDULER_PER_SOURCE_CONCURRENCY": true,
	"SYI_SCHEDULER_PER_SOURCE_TIMEOUT":     true,

	"SYI_STORE_RETENTION_PRICES":    true,
	"SYI_STORE_RETENTION_LIQUIDITY": true,
	"SYI_STORE_RETENTION_APY":       true,
	"SYI_STORE_RETENTION_TBILL":     true,
	"SYI_STORE_SNAPSHOT_ENABLED":    true,
	"SYI_STORE_SNAPSHOT_PATH":       true,
	"SYI_STORE_ARCHIVE_ENABLED":     true,
	"SYI_STORE_ARCHIVE_BUCKET":     true,
	"SYI_STORE_ARCHIVE_REGION":     true,
}

// Load reads configuration from environment variables, applying documented
// defaults for everything not set, and validates that no unrecognized
// SYI_-prefixed variable is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	if err := validateKnownKeys(); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: getEnv("SYI_LOG_LEVEL", "info"),
		DataDir:  getEnv("SYI_DATA_DIR", "./data"),

		Sanitizer: SanitizerConfig{
			AbsoluteMinimum:       getEnvAsFloat("SYI_SANITIZER_ABSOLUTE_MIN", 0.0),
			AbsoluteMaximum:       getEnvAsFloat("SYI_SANITIZER_ABSOLUTE_MAX", 1.50),
			ReasonableMaximum:     getEnvAsFloat("SYI_SANITIZER_REASONABLE_MAX", 0.50),
			SuspiciousThreshold:   getEnvAsFloat("SYI_SANITIZER_SUSPICIOUS_THRESHOLD", 0.20),
			Method:                domain.OutlierMethod(getEnv("SYI_SANITIZER_METHOD", string(domain.MethodMAD))),
			MADThreshold:          getEnvAsFloat("SYI_SANITIZER_MAD_THRESHOLD", 3.0),
			IQRMultiplier:         getEnvAsFloat("SYI_SANITIZER_IQR_MULTIPLIER", 1.5),
			WinsorizeLowQuantile:  getEnvAsFloat("SYI_SANITIZER_WINSORIZE_LOW", 0.05),
			WinsorizeHighQuantile: getEnvAsFloat("SYI_SANITIZER_WINSORIZE_HIGH", 0.95),
			MaxRewardRatio:        getEnvAsFloat("SYI_SANITIZER_MAX_REWARD_RATIO", 4.0),
			FlashSpikeThreshold:   getEnvAsFloat("SYI_SANITIZER_FLASH_SPIKE", 1.00),
		},

		RAY: RAYConfig{
			CounterpartyDefault: getEnvAsFloat("SYI_RAY_COUNTERPARTY_DEFAULT", 0.75),
			ReputationDefault:   getEnvAsFloat("SYI_RAY_REPUTATION_DEFAULT", 0.70),
			TemporalDefault:     getEnvAsFloat("SYI_RAY_TEMPORAL_DEFAULT", 0.80),
			Exponent:            getEnvAsFloat("SYI_RAY_EXPONENT", 0.5),
		},

		Regime: RegimeConfig{
			EMAShortDays:      getEnvAsInt("SYI_REGIME_EMA_SHORT_DAYS", 7),
			EMALongDays:       getEnvAsInt("SYI_REGIME_EMA_LONG_DAYS", 30),
			ZEnter:            getEnvAsFloat("SYI_REGIME_Z_ENTER", 0.5),
			PersistDays:       getEnvAsInt("SYI_REGIME_PERSIST_DAYS", 2),
			CooldownDays:      getEnvAsInt("SYI_REGIME_COOLDOWN_DAYS", 7),
			BreadthOnMax:      getEnvAsFloat("SYI_REGIME_BREADTH_ON_MAX", 40.0),
			BreadthOffMin:     getEnvAsFloat("SYI_REGIME_BREADTH_OFF_MIN", 60.0),
			PegSingleBps:      getEnvAsInt("SYI_REGIME_PEG_SINGLE_BPS", 100),
			PegAggBps:         getEnvAsInt("SYI_REGIME_PEG_AGG_BPS", 150),
			PegClearHours:     getEnvAsInt("SYI_REGIME_PEG_CLEAR_HOURS", 24),
			VolatilityEpsilon: getEnvAsFloat("SYI_REGIME_VOLATILITY_EPSILON", 0.001),
		},

		Liquidity: LiquidityConfig{
			GlobalMinimumUSD:    getEnvAsFloat("SYI_LIQUIDITY_GLOBAL_MINIMUM_USD", 1_000_000),
			InstitutionalUSD:    getEnvAsFloat("SYI_LIQUIDITY_INSTITUTIONAL_USD", 50_000_000),
			BlueChipUSD:         getEnvAsFloat("SYI_LIQUIDITY_BLUE_CHIP_USD", 500_000_000),
			Max7dVolatilityPct:  getEnvAsFloat("SYI_LIQUIDITY_MAX_7D_VOLATILITY_PCT", 15.0),
			Max30dVolatilityPct: getEnvAsFloat("SYI_LIQUIDITY_MAX_30D_VOLATILITY_PCT", 25.0),
			Min24hVolumeUSD:     getEnvAsFloat("SYI_LIQUIDITY_MIN_24H_VOLUME_USD", 100_000),
		},

		Scheduler: SchedulerConfig{
			CycleCadence:         getEnv("SYI_SCHEDULER_CYCLE_CADENCE", "@every 60s"),
			CycleDeadline:        getEnvAsDuration("SYI_SCHEDULER_CYCLE_DEADLINE", 30*time.Second),
			RegimeCadence:        getEnv("SYI_SCHEDULER_REGIME_CADENCE", "5 0 * * *"),
			PerSourceConcurrency: getEnvAsInt("SYI_SCHEDULER_PER_SOURCE_CONCURRENCY", 8),
			PerSourceTimeout:     getEnvAsDuration("SYI_SCHEDULER_PER_SOURCE_TIMEOUT", 10*time.Second),
		},

		Store: StoreConfig{
			RetentionPrices:    getEnvAsDuration("SYI_STORE_RETENTION_PRICES", 90*24*time.Hour),
			RetentionLiquidity: getEnvAsDuration("SYI_STORE_RETENTION_LIQUIDITY", 180*24*time.Hour),
			RetentionAPY:       getEnvAsDuration("SYI_STORE_RETENTION_APY", 365*24*time.Hour),
			RetentionTBill:     getEnvAsDuration("SYI_STORE_RETENTION_TBILL", 1825*24*time.Hour),
			SnapshotEnabled:    getEnvAsBool("SYI_STORE_SNAPSHOT_ENABLED", false),
			SnapshotPath:       getEnv("SYI_STORE_SNAPSHOT_PATH", ""),
			ArchiveEnabled:     getEnvAsBool("SYI_STORE_ARCHIVE_ENABLED", false),
			ArchiveBucket:      getEnv("SYI_STORE_ARCHIVE_BUCKET", ""),
			ArchiveRegion:      getEnv("SYI_STORE_ARCHIVE_REGION", "us-east-1"),
		},
	}

	if cfg.Store.SnapshotPath == "" {
		cfg.Store.SnapshotPath = cfg.DataDir + "/store.sqlite"
	}

	cfg.Indices = defaultIndexConfigs(getEnvAsFloat("SYI_COMPOSITOR_CONSTITUENT_CAP", 0.40),
		getEnvAsFloat("SYI_COMPOSITOR_MIN_CONFIDENCE", 0.50),
		getEnvAsInt("SYI_COMPOSITOR_MIN_CONSTITUENTS", 3),
		getEnvAsDuration("SYI_COMPOSITOR_MAX_STALENESS", 10*time.Minute),
		getEnvAsDuration("SYI_COMPOSITOR_SOFT_STALENESS", 5*time.Minute),
		getEnvAsDuration("SYI_COMPOSITOR_HARD_STALENESS", 15*time.Minute),
	)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultIndexConfigs assigns the per-index-code weighting scheme decided
// in DESIGN.md's Open Question #1, sharing the remaining eligibility
// thresholds across the family.
func defaultIndexConfigs(cap, minConf float64, minConst int, maxStale, softStale, hardStale time.Duration) map[domain.IndexCode]IndexConfig {
	base := func(code domain.IndexCode, scheme domain.WeightingScheme) IndexConfig {
		return IndexConfig{
			Code:            code,
			Scheme:          scheme,
			ConstituentCap:  cap,
			MinConfidence:   minConf,
			MinConstituents: minConst,
			MaxStaleness:    maxStale,
			SoftStaleness:   softStale,
			HardStaleness:   hardStale,
		}
	}
	return map[domain.IndexCode]IndexConfig{
		domain.IndexSYI:    base(domain.IndexSYI, domain.WeightMarketCap),
		domain.IndexSYCEFI: base(domain.IndexSYCEFI, domain.WeightCapacity),
		domain.IndexSYDEFI: base(domain.IndexSYDEFI, domain.WeightTVLMaturity),
		domain.IndexSYC:    base(domain.IndexSYC, domain.WeightEqual),
		domain.IndexSYRPI:  base(domain.IndexSYRPI, domain.WeightMarketCap),
	}
}

// Validate checks structural invariants beyond simple presence, e.g. that
// quantile bounds and thresholds are physically sensible.
func (c *Config) Validate() error {
	if c.Sanitizer.AbsoluteMinimum < 0 {
		return &errs.ConfigError{Key: "SYI_SANITIZER_ABSOLUTE_MIN", Message: "must be >= 0"}
	}
	if c.Sanitizer.AbsoluteMaximum <= c.Sanitizer.AbsoluteMinimum {
		return &errs.ConfigError{Key: "SYI_SANITIZER_ABSOLUTE_MAX", Message: "must exceed absolute minimum"}
	}
	if c.Sanitizer.Method != domain.MethodMAD && c.Sanitizer.Method != domain.MethodIQR {
		return &errs.ConfigError{Key: "SYI_SANITIZER_METHOD", Message: "must be MAD or IQR"}
	}
	if c.Sanitizer.WinsorizeLowQuantile < 0 || c.Sanitizer.WinsorizeHighQuantile > 1 || c.Sanitizer.WinsorizeLowQuantile >= c.Sanitizer.WinsorizeHighQuantile {
		return &errs.ConfigError{Key: "SYI_SANITIZER_WINSORIZE_LOW/HIGH", Message: "must satisfy 0 <= low < high <= 1"}
	}
	for code, ic := range c.Indices {
		if ic.ConstituentCap <= 0 || ic.ConstituentCap > 1 {
			return &errs.ConfigError{Key: "SYI_COMPOSITOR_CONSTITUENT_CAP", Message: "must be in (0, 1] for " + string(code)}
		}
		if ic.MinConstituents < 1 {
			return &errs.ConfigError{Key: "SYI_COMPOSITOR_MIN_CONSTITUENTS", Message: "must be >= 1"}
		}
	}
	if c.Regime.EMAShortDays <= 0 || c.Regime.EMALongDays <= c.Regime.EMAShortDays {
		return &errs.ConfigError{Key: "SYI_REGIME_EMA_SHORT_DAYS/EMA_LONG_DAYS", Message: "short must be positive and less than long"}
	}
	if c.Regime.VolatilityEpsilon <= 0 {
		return &errs.ConfigError{Key: "SYI_REGIME_VOLATILITY_EPSILON", Message: "must be > 0"}
	}
	return nil
}

// validateKnownKeys rejects any SYI_-prefixed variable missing from
// knownKeys. The per-source adapter settings cmd/server reads (SYI_CEFI_*,
// SYI_DEFI_*, SYI_TBILL_*, SYI_MARKETCAP_*) are exempt, since their names
// depend on the configured source IDs.
func validateKnownKeys() error {
	adapterPrefixes := []string{"SYI_CEFI_", "SYI_DEFI_", "SYI_TBILL_", "SYI_MARKETCAP_"}
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if !strings.HasPrefix(key, envPrefix) || knownKeys[key] {
			continue
		}
		adapterKey := false
		for _, p := range adapterPrefixes {
			if strings.HasPrefix(key, p) {
				adapterKey = true
			}
		}
		if !adapterKey {
			return &errs.ConfigError{Key: key, Message: "unrecognized SYI_ configuration key"}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
