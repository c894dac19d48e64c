package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the control plane.
type Config struct {
	Port     int
	LogLevel string

	// Durable breaker state.
	BreakerDBPath string

	// Operator credential (SHA-256 digest comparison at runtime).
	OperatorCredential string

	// Capital ceilings, as fractions of total capital.
	TotalCapital      float64 // dollars
	GlobalUtilization float64
	StrategyShare     float64
	PositionShare     float64

	// Circuit-breaker trip thresholds.
	DailyLossLimitPct float64
	MaxOpenPositions  int
	VolTripLevel      float64
	IVShockFactor     float64

	// Market-condition thresholds (volatility levels).
	VolElevated   float64
	VolHighStress float64
	VolExtreme    float64
	ShockFactor   float64
	SilenceLimit  time.Duration

	// Realized-volatility estimation and the periodic breaker signal.
	VolSymbol      string
	VolWindow      int
	SignalInterval time.Duration

	// Rate limiter.
	GeneralBurst    int
	OrderBurst      int
	RefillInterval  time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration

	// Order lifecycle.
	CancelAttempts   int
	CancelTimeout    time.Duration
	CooldownWindow   time.Duration
	RetentionWindow  time.Duration
	RetentionSweep   time.Duration

	// Data quality.
	QualityMinScore    float64
	UnhealthyThreshold int
	RecoveryThreshold  int
	FreshnessLimit     time.Duration

	// Reconciliation.
	ReconInterval    time.Duration
	ReconPriceTol    int64 // cents
	ReconTimeWindow  time.Duration

	// Broker API.
	BrokerBaseURL string
	BrokerAPIKey  string
	BrokerTimeout time.Duration

	// Feed.
	FeedURL string

	// HTTP server.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cfg.LogLevel = getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	cfg.BreakerDBPath = getStr("BREAKER_DB_PATH", "controlplane.db")

	cfg.OperatorCredential = getStr("OPERATOR_CREDENTIAL", "")
	if cfg.OperatorCredential == "" {
		return nil, fmt.Errorf("OPERATOR_CREDENTIAL is required")
	}

	if cfg.TotalCapital, err = getFloat("TOTAL_CAPITAL", 100_000); err != nil {
		return nil, fmt.Errorf("invalid TOTAL_CAPITAL: %w", err)
	}
	if cfg.TotalCapital <= 0 {
		return nil, fmt.Errorf("TOTAL_CAPITAL must be positive")
	}
	if cfg.GlobalUtilization, err = getRatio("GLOBAL_UTILIZATION", 0.80); err != nil {
		return nil, err
	}
	if cfg.StrategyShare, err = getRatio("STRATEGY_SHARE", 0.30); err != nil {
		return nil, err
	}
	if cfg.PositionShare, err = getRatio("POSITION_SHARE", 0.10); err != nil {
		return nil, err
	}

	if cfg.DailyLossLimitPct, err = getFloat("DAILY_LOSS_LIMIT_PCT", 3.0); err != nil {
		return nil, fmt.Errorf("invalid DAILY_LOSS_LIMIT_PCT: %w", err)
	}
	if cfg.MaxOpenPositions, err = getInt("MAX_OPEN_POSITIONS", 20); err != nil {
		return nil, fmt.Errorf("invalid MAX_OPEN_POSITIONS: %w", err)
	}
	if cfg.VolTripLevel, err = getFloat("VOL_TRIP_LEVEL", 45); err != nil {
		return nil, fmt.Errorf("invalid VOL_TRIP_LEVEL: %w", err)
	}
	if cfg.IVShockFactor, err = getFloat("IV_SHOCK_FACTOR", 1.5); err != nil {
		return nil, fmt.Errorf("invalid IV_SHOCK_FACTOR: %w", err)
	}

	if cfg.VolElevated, err = getFloat("VOL_ELEVATED", 20); err != nil {
		return nil, fmt.Errorf("invalid VOL_ELEVATED: %w", err)
	}
	if cfg.VolHighStress, err = getFloat("VOL_HIGH_STRESS", 30); err != nil {
		return nil, fmt.Errorf("invalid VOL_HIGH_STRESS: %w", err)
	}
	if cfg.VolExtreme, err = getFloat("VOL_EXTREME", 40); err != nil {
		return nil, fmt.Errorf("invalid VOL_EXTREME: %w", err)
	}
	if cfg.VolElevated >= cfg.VolHighStress || cfg.VolHighStress >= cfg.VolExtreme {
		return nil, fmt.Errorf("volatility thresholds must be strictly increasing")
	}
	if cfg.ShockFactor, err = getFloat("SHOCK_FACTOR", 1.5); err != nil {
		return nil, fmt.Errorf("invalid SHOCK_FACTOR: %w", err)
	}
	if cfg.SilenceLimit, err = getDuration("SILENCE_LIMIT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SILENCE_LIMIT: %w", err)
	}

	cfg.VolSymbol = getStr("VOL_SYMBOL", "SPY")
	if cfg.VolWindow, err = getInt("VOL_WINDOW", 120); err != nil {
		return nil, fmt.Errorf("invalid VOL_WINDOW: %w", err)
	}
	if cfg.VolWindow <= 0 {
		return nil, fmt.Errorf("VOL_WINDOW must be positive")
	}
	if cfg.SignalInterval, err = getDuration("SIGNAL_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SIGNAL_INTERVAL: %w", err)
	}

	if cfg.GeneralBurst, err = getInt("GENERAL_BURST", 20); err != nil {
		return nil, fmt.Errorf("invalid GENERAL_BURST: %w", err)
	}
	if cfg.OrderBurst, err = getInt("ORDER_BURST", 5); err != nil {
		return nil, fmt.Errorf("invalid ORDER_BURST: %w", err)
	}
	if cfg.RefillInterval, err = getDuration("REFILL_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("invalid REFILL_INTERVAL: %w", err)
	}
	if cfg.BackoffBase, err = getDuration("BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("invalid BACKOFF_BASE: %w", err)
	}
	if cfg.BackoffCap, err = getDuration("BACKOFF_CAP", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid BACKOFF_CAP: %w", err)
	}

	if cfg.CancelAttempts, err = getInt("CANCEL_ATTEMPTS", 5); err != nil {
		return nil, fmt.Errorf("invalid CANCEL_ATTEMPTS: %w", err)
	}
	if cfg.CancelTimeout, err = getDuration("CANCEL_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid CANCEL_TIMEOUT: %w", err)
	}
	if cfg.CooldownWindow, err = getDuration("COOLDOWN_WINDOW", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid COOLDOWN_WINDOW: %w", err)
	}
	if cfg.RetentionWindow, err = getDuration("RETENTION_WINDOW", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("invalid RETENTION_WINDOW: %w", err)
	}
	if cfg.RetentionSweep, err = getDuration("RETENTION_SWEEP", time.Minute); err != nil {
		return nil, fmt.Errorf("invalid RETENTION_SWEEP: %w", err)
	}

	if cfg.QualityMinScore, err = getRatio("QUALITY_MIN_SCORE", 0.60); err != nil {
		return nil, err
	}
	if cfg.UnhealthyThreshold, err = getInt("UNHEALTHY_THRESHOLD", 5); err != nil {
		return nil, fmt.Errorf("invalid UNHEALTHY_THRESHOLD: %w", err)
	}
	if cfg.RecoveryThreshold, err = getInt("RECOVERY_THRESHOLD", 10); err != nil {
		return nil, fmt.Errorf("invalid RECOVERY_THRESHOLD: %w", err)
	}
	if cfg.FreshnessLimit, err = getDuration("FRESHNESS_LIMIT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid FRESHNESS_LIMIT: %w", err)
	}

	if cfg.ReconInterval, err = getDuration("RECON_INTERVAL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid RECON_INTERVAL: %w", err)
	}
	var reconTol int
	if reconTol, err = getInt("RECON_PRICE_TOL_CENTS", 2); err != nil {
		return nil, fmt.Errorf("invalid RECON_PRICE_TOL_CENTS: %w", err)
	}
	cfg.ReconPriceTol = int64(reconTol)
	if cfg.ReconTimeWindow, err = getDuration("RECON_TIME_WINDOW", 2*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid RECON_TIME_WINDOW: %w", err)
	}

	cfg.BrokerBaseURL = getStr("BROKER_BASE_URL", "")
	if cfg.BrokerBaseURL == "" {
		return nil, fmt.Errorf("BROKER_BASE_URL is required")
	}
	cfg.BrokerAPIKey = getStr("BROKER_API_KEY", "")
	if cfg.BrokerTimeout, err = getDuration("BROKER_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid BROKER_TIMEOUT: %w", err)
	}

	cfg.FeedURL = getStr("FEED_URL", "")

	if cfg.ReadTimeout, err = getDuration("READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	if cfg.IdleTimeout, err = getDuration("IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

// getRatio reads a float that must lie in (0, 1].
func getRatio(key string, defaultVal float64) (float64, error) {
	f, err := getFloat(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f <= 0 || f > 1 {
		return 0, fmt.Errorf("invalid %s: must be in (0, 1], got %v", key, f)
	}
	return f, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
