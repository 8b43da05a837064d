// Package config loads the position engine's runtime configuration. It
// reads ./.env via godotenv (so operators don't need `export $(cat .env)`)
// and overlays real process environment variables on top, then applies the
// documented defaults for anything left unset.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every enumerated knob from the external-interfaces contract.
type Config struct {
	// Hotpath retry policy.
	HotpathMaxAttempts  int
	HotpathBackoffBase  time.Duration
	HotpathBackoffMult  float64
	HotpathBackoffCap   time.Duration

	// Coldpath retry policy.
	ColdpathMaxAttempts  int
	ColdpathBackoffUnit  time.Duration

	// Validator bounds.
	ValidatorMaxPrice       decimal.Decimal
	ValidatorMaxFutureYears int

	// Snapshot compression.
	SnapshotCompressionThresholdLots int

	// Tax-lot method default.
	DefaultTaxLotMethod string

	// Cache TTLs.
	CacheTTL     time.Duration
	IAMCacheTTL  time.Duration

	// Topic names (overridable per deployment).
	TopicTrades                      string
	TopicBackdatedTrades              string
	TopicTradeApplied                 string
	TopicProvisionalTrade             string
	TopicHistoricalPositionCorrected  string
	TopicRegulatorySubmissions        string
	TopicDLQ                          string

	// Infra endpoints.
	PostgresDSN string
	NatsURL     string
	RedisAddr   string
	Port        int

	// Worker pool.
	WorkerShardCount int

	// Latency budgets.
	HotpathBudget  time.Duration
	ColdpathBudget time.Duration
}

// Load reads .env (if present) then the process environment, returning a
// fully-defaulted Config.
func Load() Config {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	return Config{
		HotpathMaxAttempts: getInt("HOTPATH_MAX_ATTEMPTS", 5),
		HotpathBackoffBase: getDuration("HOTPATH_BACKOFF_MS", 25*time.Millisecond),
		HotpathBackoffMult: getFloat("HOTPATH_BACKOFF_MULT", 1.5),
		HotpathBackoffCap:  getDuration("HOTPATH_BACKOFF_CAP_MS", 200*time.Millisecond),

		ColdpathMaxAttempts: getInt("COLDPATH_MAX_ATTEMPTS", 5),
		ColdpathBackoffUnit: getDuration("COLDPATH_BACKOFF_UNIT_MS", 100*time.Millisecond),

		ValidatorMaxPrice:       decimal.NewFromInt(int64(getInt("VALIDATOR_MAX_PRICE", 1_000_000))),
		ValidatorMaxFutureYears: getInt("VALIDATOR_MAX_FUTURE_YEARS", 1),

		SnapshotCompressionThresholdLots: getInt("SNAPSHOT_COMPRESSION_THRESHOLD_LOTS", 10),

		DefaultTaxLotMethod: getEnv("DEFAULT_TAX_LOT_METHOD", "FIFO"),

		CacheTTL:    getDuration("CACHE_TTL_MS", 24*time.Hour),
		IAMCacheTTL: getDuration("IAM_CACHE_TTL_MS", 5*time.Minute),

		TopicTrades:                     getEnv("TOPIC_TRADES", "trades"),
		TopicBackdatedTrades:            getEnv("TOPIC_BACKDATED_TRADES", "backdated-trades"),
		TopicTradeApplied:               getEnv("TOPIC_TRADE_APPLIED", "trade-applied-events"),
		TopicProvisionalTrade:           getEnv("TOPIC_PROVISIONAL_TRADE", "provisional-trade-events"),
		TopicHistoricalPositionCorrected: getEnv("TOPIC_HISTORICAL_POSITION_CORRECTED", "historical-position-corrected-events"),
		TopicRegulatorySubmissions:      getEnv("TOPIC_REGULATORY_SUBMISSIONS", "regulatory-submissions"),
		TopicDLQ:                        getEnv("TOPIC_DLQ", "trades.dlq"),

		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/positionengine"),
		NatsURL:     getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		RedisAddr:   getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		Port:        getInt("PORT", 8080),

		WorkerShardCount: getInt("WORKER_SHARD_COUNT", 16),

		HotpathBudget:  getDuration("HOTPATH_BUDGET_MS", 100*time.Millisecond),
		ColdpathBudget: getDuration("COLDPATH_BUDGET_MS", 5*time.Minute),
	}
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
