// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all coordinator configuration.
// Load it once at startup using AppLoad() and pass it by reference.
type AppConfig struct {
	// Domain contains the EIP-712 domain parameters every signature binds to.
	Domain DomainConfig

	// Channel contains state-machine timing and limit knobs.
	Channel ChannelConfig

	// Pipeline contains inbound message pipeline settings.
	Pipeline PipelineConfig

	// Settlement contains checkpoint batching and submission retry settings.
	Settlement SettlementConfig

	// Kafka contains the optional transition feed settings. Empty broker disables it.
	Kafka KafkaConfig

	// AuditDSN is the ClickHouse connection string for the audit mirror.
	// Empty disables the mirror.
	AuditDSN string

	// ServerPort is the operator API listen port.
	ServerPort string
}

// DomainConfig identifies the protocol instance signatures are bound to.
type DomainConfig struct {
	ChainID           uint64
	VerifyingContract string
}

// ChannelConfig holds per-channel timing and limit settings.
type ChannelConfig struct {
	// QuoteExpiry is the lifetime of an LP quote.
	QuoteExpiry time.Duration

	// HeartbeatInterval is the expected liveness cadence for participants.
	HeartbeatInterval time.Duration

	// TimeoutFloor is the minimum channel timeout accepted at open.
	TimeoutFloor time.Duration

	// DisputeWindow is the grace period between timed_out and expired.
	DisputeWindow time.Duration

	// SkewWindow bounds accepted message timestamp drift from coordinator time.
	SkewWindow time.Duration

	// CacheIdleEviction evicts a cached channel after this much inactivity.
	CacheIdleEviction time.Duration

	// MaxSlippageBps and MaxFeeBps bound the corresponding message fields.
	MaxSlippageBps uint64
	MaxFeeBps      uint64
}

// PipelineConfig holds inbound pipeline settings.
type PipelineConfig struct {
	// LockTTL is the distributed lock lease per channel transition.
	LockTTL time.Duration

	// QueueSize is the bounded inbound queue per channel.
	QueueSize int

	// RateLimitRPS and RateLimitBurst bound per-sender message rates.
	RateLimitRPS   float64
	RateLimitBurst int
}

// SettlementConfig holds checkpoint batching and submitter retry settings.
type SettlementConfig struct {
	// BatchSize triggers a checkpoint batch submission by count.
	BatchSize int

	// BatchAge triggers a checkpoint batch submission by oldest entry age.
	BatchAge time.Duration

	// SubmitMaxAttempts caps close-submission attempts before the channel
	// is marked disputed.
	SubmitMaxAttempts int
}

// KafkaConfig holds Kafka connection settings for the transition feed.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic accepted transitions are published to.
	Topic string
}

// AppLoad loads all coordinator configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		Domain: DomainConfig{
			ChainID:           uint64(getEnvInt("PHOTONX_CHAIN_ID", 1)),
			VerifyingContract: getEnv("PHOTONX_VERIFYING_CONTRACT", "0x0000000000000000000000000000000000000000"),
		},
		Channel: ChannelConfig{
			QuoteExpiry:       getEnvDurationMs("QUOTE_EXPIRY_MS", 30000),
			HeartbeatInterval: getEnvDurationMs("HEARTBEAT_INTERVAL_MS", 10000),
			TimeoutFloor:      getEnvDurationMs("CHANNEL_TIMEOUT_FLOOR_MS", 3600000),
			DisputeWindow:     getEnvDurationMs("DISPUTE_WINDOW_MS", 86400000),
			SkewWindow:        getEnvDurationMs("MESSAGE_SKEW_WINDOW_MS", 30000),
			CacheIdleEviction: getEnvDurationMs("CACHE_IDLE_EVICTION_MS", 3600000),
			MaxSlippageBps:    uint64(getEnvInt("MAX_SLIPPAGE_BPS", 1000)),
			MaxFeeBps:         uint64(getEnvInt("MAX_FEE_BPS", 500)),
		},
		Pipeline: PipelineConfig{
			LockTTL:        getEnvDurationMs("LOCK_TTL_MS", 30000),
			QueueSize:      getEnvInt("CHANNEL_QUEUE_SIZE", 64),
			RateLimitRPS:   float64(getEnvInt("RATE_LIMIT_RPS", 50)),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 100),
		},
		Settlement: SettlementConfig{
			BatchSize:         getEnvInt("CHECKPOINT_BATCH_SIZE", 16),
			BatchAge:          getEnvDurationMs("CHECKPOINT_BATCH_AGE_MS", 60000),
			SubmitMaxAttempts: getEnvInt("SUBMIT_MAX_ATTEMPTS", 5),
		},
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_TRANSITIONS_TOPIC", "photonx_transitions"),
		},
		AuditDSN:   getAuditDSN(),
		ServerPort: getEnv("SERVER_PORT", "8080"),
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c *AppConfig) Validate() error {
	if c.Domain.ChainID == 0 {
		return fmt.Errorf("PHOTONX_CHAIN_ID must be non-zero")
	}
	if len(c.Domain.VerifyingContract) != 42 {
		return fmt.Errorf("PHOTONX_VERIFYING_CONTRACT must be a 0x-prefixed 20-byte hex address")
	}
	if c.Channel.TimeoutFloor <= 0 {
		return fmt.Errorf("CHANNEL_TIMEOUT_FLOOR_MS must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("CHANNEL_QUEUE_SIZE must be positive")
	}
	return nil
}

// getAuditDSN constructs the ClickHouse DSN from environment variables.
// Returns empty when no host is configured, which disables the audit mirror.
func getAuditDSN() string {
	dbHost := getEnv("CLICKHOUSE_HOST", "")
	if dbHost == "" {
		return ""
	}
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "photonx")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDurationMs returns the environment variable, interpreted as
// milliseconds, as a time.Duration.
func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
