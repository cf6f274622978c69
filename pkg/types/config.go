package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoreConfig is the root configuration surface, loaded via viper in
// cmd/core's bootstrap following the teacher's ServerConfig/DataConfig
// loader pattern.
type CoreConfig struct {
	VIX         VIXThresholds     `mapstructure:"vix"`
	Risk        RiskLimits        `mapstructure:"risk"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Server      ServerConfig      `mapstructure:"server"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// VIXThresholds carries the regime ladder and the zero-DTE gate (§4.3).
type VIXThresholds struct {
	Low           float64 `mapstructure:"low"`      // 16
	Normal        float64 `mapstructure:"normal"`   // 20
	Elevated      float64 `mapstructure:"elevated"` // 25
	High          float64 `mapstructure:"high"`     // 30
	Extreme       float64 `mapstructure:"extreme"`  // 35
	Crisis        float64 `mapstructure:"crisis"`   // 50
	ZeroDTEMinVIX float64 `mapstructure:"zeroDteMinVix"` // 22
}

// RiskLimits carries the circuit-breaker and sizing thresholds (§4.9).
type RiskLimits struct {
	DailyLossLimit        decimal.Decimal `mapstructure:"dailyLossLimit"`        // 0.05
	WeeklyLossLimit       decimal.Decimal `mapstructure:"weeklyLossLimit"`       // 0.10
	MonthlyLossLimit      decimal.Decimal `mapstructure:"monthlyLossLimit"`      // 0.15
	IntradayDrawdownLimit decimal.Decimal `mapstructure:"intradayDrawdownLimit"` // 0.03
	MaxConsecutiveLosses  int             `mapstructure:"maxConsecutiveLosses"`  // 3
	RecoveryPeriod        time.Duration   `mapstructure:"recoveryPeriod"`        // 24h
	RecoveryThreshold     decimal.Decimal `mapstructure:"recoveryThreshold"`     // 0.02
	MaxPluginErrors       int             `mapstructure:"maxPluginErrors"`       // 10
}

// CacheConfig configures the unified intelligent cache (§4.2).
type CacheConfig struct {
	DefaultTTL          time.Duration   `mapstructure:"defaultTtl"`          // 5m
	SoftMemoryCapMB     int             `mapstructure:"softMemoryCapMb"`     // 175
	SpotChangeThreshold decimal.Decimal `mapstructure:"spotChangeThreshold"` // 0.001
}

// CoordinatorConfig configures the strategy coordinator (§4.7).
type CoordinatorConfig struct {
	DefaultThrottle time.Duration `mapstructure:"defaultThrottle"` // 5m
	LockTimeout     time.Duration `mapstructure:"lockTimeout"`
}

// ServerConfig is the observability HTTP/WS surface (SPEC_FULL §A).
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	MetricsPort   int    `mapstructure:"metricsPort"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
}

// PersistenceConfig selects and configures the has/read/save backing store.
type PersistenceConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" | "s3"
	S3Bucket string `mapstructure:"s3Bucket"`
	S3Prefix string `mapstructure:"s3Prefix"`
}

// DefaultCoreConfig mirrors the original_source numeric defaults verbatim.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		VIX: VIXThresholds{
			Low: 16, Normal: 20, Elevated: 25, High: 30, Extreme: 35, Crisis: 50,
			ZeroDTEMinVIX: 22,
		},
		Risk: RiskLimits{
			DailyLossLimit:        decimal.NewFromFloat(0.05),
			WeeklyLossLimit:       decimal.NewFromFloat(0.10),
			MonthlyLossLimit:      decimal.NewFromFloat(0.15),
			IntradayDrawdownLimit: decimal.NewFromFloat(0.03),
			MaxConsecutiveLosses:  3,
			RecoveryPeriod:        24 * time.Hour,
			RecoveryThreshold:     decimal.NewFromFloat(0.02),
			MaxPluginErrors:       10,
		},
		Cache: CacheConfig{
			DefaultTTL:          5 * time.Minute,
			SoftMemoryCapMB:     175,
			SpotChangeThreshold: decimal.NewFromFloat(0.001),
		},
		Coordinator: CoordinatorConfig{
			DefaultThrottle: 5 * time.Minute,
			LockTimeout:     2 * time.Minute,
		},
		Server: ServerConfig{
			Host: "0.0.0.0", Port: 8090, MetricsPort: 9090, EnableMetrics: true,
		},
		Persistence: PersistenceConfig{
			Backend: "memory",
		},
	}
}
