package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig

	// Market data
	Alpaca AlpacaConfig

	// Core components
	Collector   CollectorConfig
	Consensus   ConsensusConfig
	Resolver    ResolverConfig
	Calibration CalibrationConfig
	Scheduler   SchedulerConfig

	HTTP HTTPConfig
	Log  LogConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL            string
	MigrateOnStart bool
}

// RedisConfig holds redis configuration for the price cache and runner lock
type RedisConfig struct {
	URL           string
	PriceCacheTTL time.Duration
}

// KafkaConfig holds resolution event publishing configuration
type KafkaConfig struct {
	Brokers         []string
	ResolutionTopic string
}

// AlpacaConfig holds Alpaca market data configuration
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
}

// CollectorConfig holds forecast provider fan-out configuration
type CollectorConfig struct {
	ProviderTimeout time.Duration
	PriceTimeout    time.Duration
	HealthCacheTTL  time.Duration

	// ConcurrencyLimit caps collections running at once through the API
	ConcurrencyLimit int
	// Providers maps a provider name to the base URL of its forecast service
	Providers map[string]string
}

// ConsensusConfig holds consensus builder configuration
type ConsensusConfig struct {
	DefaultWinRate     float64
	DefaultConfidence  float64
	SimilarSetupWindow int
}

// ResolverConfig holds outcome resolver configuration
type ResolverConfig struct {
	Workers      int           // concurrent symbol groups
	GroupDelay   time.Duration // minimum spacing between group starts
	PriceTimeout time.Duration
	ClaimLease   time.Duration
	LockTTL      time.Duration
	BatchSize    int
	RunnerID     string
}

// CalibrationConfig holds calibration engine configuration
type CalibrationConfig struct {
	MinGroupSize int
}

// SchedulerConfig holds cron schedules (six fields, seconds first)
type SchedulerConfig struct {
	Enabled         bool
	ResolveSpec     string
	CalibrationSpec string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Addr               string
	CORSAllowedOrigins string
	RequestTimeout     time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string
	Production bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:            os.Getenv("DATABASE_URL"),
			MigrateOnStart: getEnvBool("DATABASE_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			URL:           os.Getenv("REDIS_URL"),
			PriceCacheTTL: getEnvDuration("PRICE_CACHE_TTL", time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:         getEnvList("KAFKA_BROKERS"),
			ResolutionTopic: getEnvString("KAFKA_RESOLUTION_TOPIC", "forecast.resolutions"),
		},
		Alpaca: AlpacaConfig{
			APIKey:    os.Getenv("ALPACA_API_KEY"),
			APISecret: os.Getenv("ALPACA_API_SECRET"),
			DataURL:   os.Getenv("ALPACA_DATA_URL"),
		},
		Collector: CollectorConfig{
			ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			PriceTimeout:     getEnvDuration("COLLECTOR_PRICE_TIMEOUT", 10*time.Second),
			HealthCacheTTL:   getEnvDuration("PROVIDER_HEALTH_CACHE_TTL", 30*time.Second),
			ConcurrencyLimit: getEnvInt("COLLECTOR_CONCURRENCY_LIMIT", 3),
			Providers:        getEnvMap("PROVIDER_ENDPOINTS"),
		},
		Consensus: ConsensusConfig{
			DefaultWinRate:     getEnvFloatRange("CONSENSUS_DEFAULT_WIN_RATE", 0.5, 0.01, 1.0),
			DefaultConfidence:  getEnvFloatRange("CONSENSUS_DEFAULT_CONFIDENCE", 70, 1, 100),
			SimilarSetupWindow: getEnvInt("CONSENSUS_SIMILAR_SETUP_WINDOW", 200),
		},
		Resolver: ResolverConfig{
			Workers:      getEnvInt("RESOLVER_WORKERS", 1),
			GroupDelay:   getEnvDuration("RESOLVER_GROUP_DELAY", time.Second),
			PriceTimeout: getEnvDuration("RESOLVER_PRICE_TIMEOUT", 10*time.Second),
			ClaimLease:   getEnvDuration("RESOLVER_CLAIM_LEASE", 10*time.Minute),
			LockTTL:      getEnvDuration("RESOLVER_LOCK_TTL", 30*time.Minute),
			BatchSize:    getEnvInt("RESOLVER_BATCH_SIZE", 500),
			RunnerID:     getEnvString("RESOLVER_RUNNER_ID", hostname),
		},
		Calibration: CalibrationConfig{
			MinGroupSize: getEnvInt("CALIBRATION_MIN_GROUP_SIZE", 3),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvBool("SCHEDULER_ENABLED", true),
			ResolveSpec:     getEnvString("SCHEDULER_RESOLVE_SPEC", "0 */15 * * * *"),
			CalibrationSpec: getEnvString("SCHEDULER_CALIBRATION_SPEC", "0 30 2 * * *"),
		},
		HTTP: HTTPConfig{
			Addr:               getEnvString("HTTP_ADDR", ":8080"),
			CORSAllowedOrigins: getEnvString("CORS_ALLOWED_ORIGINS", "*"),
			RequestTimeout:     getEnvDuration("HTTP_REQUEST_TIMEOUT", 5*time.Minute),
		},
		Log: LogConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Production: getEnvBool("LOG_JSON", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Consensus.DefaultWinRate <= 0 || c.Consensus.DefaultWinRate > 1 {
		return fmt.Errorf("CONSENSUS_DEFAULT_WIN_RATE must be in (0, 1], got %.2f", c.Consensus.DefaultWinRate)
	}
	if c.Consensus.DefaultConfidence <= 0 || c.Consensus.DefaultConfidence > 100 {
		return fmt.Errorf("CONSENSUS_DEFAULT_CONFIDENCE must be in (0, 100], got %.2f", c.Consensus.DefaultConfidence)
	}
	if c.Consensus.SimilarSetupWindow <= 0 {
		return fmt.Errorf("CONSENSUS_SIMILAR_SETUP_WINDOW must be positive, got %d", c.Consensus.SimilarSetupWindow)
	}

	if c.Resolver.Workers <= 0 {
		return fmt.Errorf("RESOLVER_WORKERS must be positive, got %d", c.Resolver.Workers)
	}
	if c.Resolver.GroupDelay < 0 {
		return fmt.Errorf("RESOLVER_GROUP_DELAY must not be negative, got %s", c.Resolver.GroupDelay)
	}
	if c.Resolver.PriceTimeout <= 0 {
		return fmt.Errorf("RESOLVER_PRICE_TIMEOUT must be positive, got %s", c.Resolver.PriceTimeout)
	}
	if c.Resolver.ClaimLease <= 0 {
		return fmt.Errorf("RESOLVER_CLAIM_LEASE must be positive, got %s", c.Resolver.ClaimLease)
	}
	// A runner lock that expires mid-sweep would let a second runner start
	if c.Resolver.LockTTL < c.Resolver.ClaimLease {
		return fmt.Errorf("RESOLVER_LOCK_TTL (%s) must be at least RESOLVER_CLAIM_LEASE (%s)",
			c.Resolver.LockTTL, c.Resolver.ClaimLease)
	}
	if c.Resolver.RunnerID == "" {
		return fmt.Errorf("RESOLVER_RUNNER_ID must not be empty")
	}

	if c.Collector.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %s", c.Collector.ProviderTimeout)
	}
	if c.Collector.PriceTimeout <= 0 {
		return fmt.Errorf("COLLECTOR_PRICE_TIMEOUT must be positive, got %s", c.Collector.PriceTimeout)
	}
	for name, endpoint := range c.Collector.Providers {
		if endpoint == "" {
			return fmt.Errorf("PROVIDER_ENDPOINTS entry %q has no URL", name)
		}
	}
	if c.Calibration.MinGroupSize <= 0 {
		return fmt.Errorf("CALIBRATION_MIN_GROUP_SIZE must be positive, got %d", c.Calibration.MinGroupSize)
	}

	if c.HasKafka() && c.Kafka.ResolutionTopic == "" {
		return fmt.Errorf("KAFKA_RESOLUTION_TOPIC must be set when KAFKA_BROKERS is configured")
	}

	return nil
}

// HasDatabase returns true if database configuration is available
func (c *Config) HasDatabase() bool {
	return c.Database.URL != ""
}

// HasRedis returns true if redis configuration is available
func (c *Config) HasRedis() bool {
	return c.Redis.URL != ""
}

// HasKafka returns true if at least one broker is configured
func (c *Config) HasKafka() bool {
	return len(c.Kafka.Brokers) > 0
}

// HasAlpaca returns true if Alpaca configuration is available
func (c *Config) HasAlpaca() bool {
	return c.Alpaca.APIKey != "" && c.Alpaca.APISecret != ""
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatRange(key string, defaultValue, minVal, maxVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed >= minVal && parsed <= maxVal {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "name=value,name2=value2". Entries without "=" are kept
// with an empty value so Validate can report them.
func getEnvMap(key string) map[string]string {
	entries := getEnvList(key)
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, value, _ := strings.Cut(entry, "=")
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// NewTestConfig creates a Config with default values for testing
func NewTestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:            "",
			MigrateOnStart: true,
		},
		Redis: RedisConfig{
			PriceCacheTTL: time.Minute,
		},
		Kafka: KafkaConfig{
			ResolutionTopic: "forecast.resolutions",
		},
		Collector: CollectorConfig{
			ProviderTimeout:  30 * time.Second,
			PriceTimeout:     10 * time.Second,
			HealthCacheTTL:   30 * time.Second,
			ConcurrencyLimit: 3,
		},
		Consensus: ConsensusConfig{
			DefaultWinRate:     0.5,
			DefaultConfidence:  70,
			SimilarSetupWindow: 200,
		},
		Resolver: ResolverConfig{
			Workers:      1,
			GroupDelay:   0,
			PriceTimeout: 10 * time.Second,
			ClaimLease:   10 * time.Minute,
			LockTTL:      30 * time.Minute,
			BatchSize:    500,
			RunnerID:     "test-runner",
		},
		Calibration: CalibrationConfig{
			MinGroupSize: 3,
		},
		Scheduler: SchedulerConfig{
			Enabled:         false,
			ResolveSpec:     "0 */15 * * * *",
			CalibrationSpec: "0 30 2 * * *",
		},
		HTTP: HTTPConfig{
			Addr:               ":8080",
			CORSAllowedOrigins: "*",
			RequestTimeout:     5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
