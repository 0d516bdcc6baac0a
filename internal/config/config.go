package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by the *_BACKEND variables.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendKafka    = "kafka"
	BackendRabbitMQ = "rabbitmq"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Bus       BusConfig
	Kafka     KafkaConfig
	RabbitMQ  RabbitMQConfig
	Geo       GeoConfig
	Tracking  TrackingConfig
	Matching  MatchingConfig
	Scheduler SchedulerConfig
	Pricing   PricingConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	NewRelic  NewRelicConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	Host            string
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Backend     string // memory or postgres
	AutoMigrate bool
}

type DatabaseConfig struct {
	Host           string
	Port           int
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

type BusConfig struct {
	Backend string // memory, kafka or rabbitmq
	Buffer  int
}

type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	WriteTimeout time.Duration
}

type RabbitMQConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	Exchange    string
	QueuePrefix string
}

type GeoConfig struct {
	IndexBackend string // memory or redis
}

type TrackingConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	PersistBuffer int // 0 disables write-behind of driver records
}

type MatchingConfig struct {
	MaxRadiusKM float64
	MaxTimeout  time.Duration
}

type SchedulerConfig struct {
	Backend      string // memory or redis
	RedisKey     string
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
}

type PricingConfig struct {
	BaseFare           map[string]float64
	PerKMRate          map[string]float64
	MinPrice           float64
	MaxPrice           float64
	PeakMultiplier     float64
	MaxSurgeMultiplier float64
	MinSurgeMultiplier float64
	DemandTTL          time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// RateLimitConfig bounds requests per client IP. It needs Redis; without
// it the limiter stays off.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("SERVER_ENV", "development"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvAsInt("DB_PORT", 5432),
			Name:           getEnv("DB_NAME", "logistics"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 5),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", ""),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 100),
			MinIdleConn: 10,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		Bus: BusConfig{
			Backend: strings.ToLower(getEnv("BUS_BACKEND", BackendMemory)),
			Buffer:  getEnvAsInt("BUS_BUFFER", 256),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsSlice("KAFKA_BROKERS", nil),
			GroupID:      getEnv("KAFKA_GROUP_ID", "logistics-dispatch"),
			WriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			Host:        getEnv("RABBITMQ_HOST", "localhost"),
			Port:        getEnv("RABBITMQ_PORT", "5672"),
			User:        getEnv("RABBITMQ_USER", "guest"),
			Password:    getEnv("RABBITMQ_PASSWORD", "guest"),
			Exchange:    getEnv("RABBITMQ_EXCHANGE", "dispatch_topic"),
			QueuePrefix: getEnv("RABBITMQ_QUEUE_PREFIX", "dispatch"),
		},
		Geo: GeoConfig{
			IndexBackend: strings.ToLower(getEnv("GEO_INDEX_BACKEND", BackendMemory)),
		},
		Tracking: TrackingConfig{
			TTL:           getEnvAsDuration("DRIVER_TTL", 5*time.Minute),
			SweepInterval: getEnvAsDuration("DRIVER_SWEEP_INTERVAL", 30*time.Second),
			PersistBuffer: getEnvAsInt("DRIVER_PERSIST_BUFFER", 0),
		},
		Matching: MatchingConfig{
			MaxRadiusKM: getEnvAsFloat64("MAX_MATCHING_RADIUS_KM", 10.0),
			MaxTimeout:  getEnvAsDuration("MAX_MATCHING_TIMEOUT", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			Backend:      strings.ToLower(getEnv("SCHEDULER_BACKEND", BackendMemory)),
			RedisKey:     getEnv("SCHEDULER_REDIS_KEY", "bookings:scheduled"),
			PollInterval: getEnvAsDuration("SCHEDULER_POLL_INTERVAL", time.Second),
			BatchSize:    getEnvAsInt("SCHEDULER_BATCH_SIZE", 100),
			RetryDelay:   getEnvAsDuration("SCHEDULER_RETRY_DELAY", 30*time.Second),
		},
		Pricing: PricingConfig{
			BaseFare:           make(map[string]float64),
			PerKMRate:          make(map[string]float64),
			MinPrice:           getEnvAsFloat64("MIN_PRICE", 20),
			MaxPrice:           getEnvAsFloat64("MAX_PRICE", 10000),
			PeakMultiplier:     getEnvAsFloat64("PEAK_HOUR_MULTIPLIER", 1.5),
			MaxSurgeMultiplier: getEnvAsFloat64("MAX_SURGE_MULTIPLIER", 3.0),
			MinSurgeMultiplier: getEnvAsFloat64("MIN_SURGE_MULTIPLIER", 1.0),
			DemandTTL:          getEnvAsDuration("DEMAND_TTL", time.Hour),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getEnvAsBool("RATE_LIMIT_ENABLED", true),
			Requests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			Window:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "Logistics-Dispatch"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", false),
			LogLevel:   getEnv("NEW_RELIC_LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	// per-vehicle fares; unset entries keep the built-in table
	for _, vt := range []string{"van", "truck", "refrigerated_truck"} {
		key := strings.ToUpper(vt)
		if v := getEnvAsFloat64("BASE_FARE_"+key, -1); v >= 0 {
			cfg.Pricing.BaseFare[vt] = v
		}
		if v := getEnvAsFloat64("PER_KM_RATE_"+key, -1); v >= 0 {
			cfg.Pricing.PerKMRate[vt] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// RedisRequired reports whether any backend needs Redis.
func (c *Config) RedisRequired() bool {
	return c.Geo.IndexBackend == BackendRedis || c.Scheduler.Backend == BackendRedis
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if err := oneOf("STORE_BACKEND", c.Storage.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("BUS_BACKEND", c.Bus.Backend, BackendMemory, BackendKafka, BackendRabbitMQ); err != nil {
		return err
	}
	if err := oneOf("GEO_INDEX_BACKEND", c.Geo.IndexBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("SCHEDULER_BACKEND", c.Scheduler.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Storage.Backend == BackendPostgres && (c.Database.Host == "" || c.Database.Name == "") {
		return fmt.Errorf("DB_HOST and DB_NAME are required for the postgres store")
	}
	if c.RedisRequired() && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required for redis backends")
	}
	if c.Bus.Backend == BackendKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required for the kafka bus")
	}
	if c.Matching.MaxRadiusKM <= 0 {
		return fmt.Errorf("MAX_MATCHING_RADIUS_KM must be positive")
	}
	if c.Tracking.TTL <= 0 || c.Tracking.SweepInterval <= 0 {
		return fmt.Errorf("DRIVER_TTL and DRIVER_SWEEP_INTERVAL must be positive")
	}
	if c.Pricing.MinSurgeMultiplier > c.Pricing.MaxSurgeMultiplier {
		return fmt.Errorf("MIN_SURGE_MULTIPLIER exceeds MAX_SURGE_MULTIPLIER")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("NEW_RELIC_LICENSE_KEY is required when New Relic is enabled")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return duration
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
