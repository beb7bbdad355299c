// Package config loads withdrawalengine's process configuration from the
// environment, applying defaults and validation in one pass, the way
// messaging.BitcoinRPCConfig.ValidateConfig does in the retrieved pack.
// Config is constructed once at process start in cmd/ and passed by value
// into every component's constructor — no package-level globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in spec.md §6 (illustrative list).
type Config struct {
	// Queue
	QueueTxRequestURL   string
	QueueSignedTxURL    string
	QueueBroadcastTxURL string
	QueueWaitSeconds    int
	QueueVisibility     time.Duration

	// Chain registry
	RPCURLs            map[string][]string // "chain/network" -> endpoints
	WSURLs             map[string]string   // "chain/network" -> endpoint
	ChainIDs           map[string]int64    // "chain/network" -> EIP-155 id
	AggregatorAddresses map[string]string  // "chain/network" -> Multicall3-style aggregator

	// Signing keys, one hot-wallet private key per "chain/network"
	SigningKeys map[string]string

	// Nonce cache
	RedisAddr string

	// Request store
	DatabaseURL string

	// Signing worker
	InstanceID           string
	BatchEnabled         bool
	MinBatchSize         int
	BatchThreshold       int
	MinGasSavingsPercent float64
	BaseBatchGas         uint64
	PerBatchTx           uint64
	SinglePerTxGas       uint64

	// Monitor
	FastTierInterval   time.Duration
	MediumTierInterval time.Duration
	FullTierInterval   time.Duration
	MempoolDropTimeout time.Duration

	// Recovery
	RecoveryPollInterval time.Duration
	MaxPriorityQueueSize int
	EnableDummyTx        bool
	MaxDummyTxGap        int
	RecoveryMaxAttempts  int

	// Reconnection
	ReconnectInitialDelay time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	CircuitResetWindow    time.Duration
	CircuitLongTermDelay  time.Duration
}

// Load reads configuration from the environment and applies defaults,
// mirroring the teacher's ValidateConfig default-filling style.
func Load() (*Config, error) {
	c := &Config{
		QueueTxRequestURL:   os.Getenv("QUEUE_TX_REQUEST_URL"),
		QueueSignedTxURL:    os.Getenv("QUEUE_SIGNED_TX_URL"),
		QueueBroadcastTxURL: os.Getenv("QUEUE_BROADCAST_TX_URL"),
		RedisAddr:           getEnvDefault("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		InstanceID:          getEnvDefault("INSTANCE_ID", ""),
	}

	c.QueueWaitSeconds = getEnvInt("QUEUE_WAIT_SECONDS", 20)
	c.QueueVisibility = getEnvDuration("QUEUE_VISIBILITY", 5*time.Minute)

	c.BatchEnabled = getEnvBool("BATCH_ENABLED", true)
	c.MinBatchSize = getEnvInt("MIN_BATCH_SIZE", 3)
	c.BatchThreshold = getEnvInt("BATCH_THRESHOLD", 3)
	c.MinGasSavingsPercent = getEnvFloat("MIN_GAS_SAVINGS_PERCENT", 0.20)
	c.BaseBatchGas = uint64(getEnvInt("BASE_BATCH_GAS", 100000))
	c.PerBatchTx = uint64(getEnvInt("PER_BATCH_TX_GAS", 45000))
	c.SinglePerTxGas = uint64(getEnvInt("SINGLE_PER_TX_GAS", 65000))

	c.FastTierInterval = getEnvDuration("FAST_TIER_INTERVAL", 1*time.Minute)
	c.MediumTierInterval = getEnvDuration("MEDIUM_TIER_INTERVAL", 30*time.Minute)
	c.FullTierInterval = getEnvDuration("FULL_TIER_INTERVAL", 2*time.Hour)
	c.MempoolDropTimeout = getEnvDuration("MEMPOOL_DROP_TIMEOUT", 2*time.Hour)

	c.RecoveryPollInterval = getEnvDuration("RECOVERY_POLL_INTERVAL", 10*time.Second)
	c.MaxPriorityQueueSize = getEnvInt("MAX_PRIORITY_QUEUE_SIZE", 1000)
	c.EnableDummyTx = getEnvBool("ENABLE_DUMMY_TX", false)
	c.MaxDummyTxGap = getEnvInt("MAX_DUMMY_TX_GAP", 10)
	c.RecoveryMaxAttempts = getEnvInt("RECOVERY_MAX_ATTEMPTS", 10)

	c.ReconnectInitialDelay = getEnvDuration("RECONNECT_INITIAL_DELAY", 1*time.Second)
	c.ReconnectMultiplier = getEnvFloat("RECONNECT_MULTIPLIER", 2.0)
	c.ReconnectMaxDelay = getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second)
	c.ReconnectMaxAttempts = getEnvInt("RECONNECT_MAX_ATTEMPTS", 8)
	c.CircuitResetWindow = getEnvDuration("CIRCUIT_RESET_WINDOW", 5*time.Minute)
	c.CircuitLongTermDelay = getEnvDuration("CIRCUIT_LONG_TERM_DELAY", 2*time.Minute)

	c.RPCURLs = parseEndpointMap(os.Getenv("RPC_URLS"))
	c.WSURLs = parseSingleEndpointMap(os.Getenv("WS_URLS"))
	c.ChainIDs = parseChainIDMap(os.Getenv("CHAIN_IDS"))
	c.AggregatorAddresses = parseSingleEndpointMap(os.Getenv("AGGREGATOR_ADDRESSES"))
	c.SigningKeys = parseSingleEndpointMap(os.Getenv("SIGNING_KEYS"))

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required fields the way ValidateConfig does in the
// retrieved pack: fail loudly on what cannot be defaulted, fill in the rest.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("INSTANCE_ID is required (unique per process)")
	}
	if c.QueueTxRequestURL == "" || c.QueueSignedTxURL == "" || c.QueueBroadcastTxURL == "" {
		return fmt.Errorf("all three queue URLs (tx-request, signed-tx, broadcast-tx) are required")
	}
	if c.QueueWaitSeconds <= 0 {
		c.QueueWaitSeconds = 20
	}
	if c.QueueVisibility <= 0 {
		c.QueueVisibility = 5 * time.Minute
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 1
	}
	if c.MaxPriorityQueueSize <= 0 {
		c.MaxPriorityQueueSize = 1000
	}
	return nil
}

// parseEndpointMap parses "chain/network=url1,url2;chain/network=url3".
func parseEndpointMap(raw string) map[string][]string {
	out := map[string][]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Split(kv[1], ",")
	}
	return out
}

func parseSingleEndpointMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// parseChainIDMap parses "chain/network=137;chain/network=1".
func parseChainIDMap(raw string) map[string]int64 {
	out := map[string]int64{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if id, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
			out[kv[0]] = id
		}
	}
	return out
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
