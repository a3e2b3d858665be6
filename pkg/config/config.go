package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "json" or "console"
	Output   string `mapstructure:"output"`   // "stdout", "stderr" or a file path
	MaxSize  int    `mapstructure:"max_size"` // megabytes, file output only
	MaxAge   int    `mapstructure:"max_age"`  // days
	Backups  int    `mapstructure:"backups"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "redis" or "mongo"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
}

type UpstreamConfig struct {
	Mode           string        `mapstructure:"mode"` // "binance" or "simulated"
	RestURL        string        `mapstructure:"rest_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	RetryMaxTries  uint          `mapstructure:"retry_max_tries"`
	KlineInterval  string        `mapstructure:"kline_interval"`
	DepthLevels    int           `mapstructure:"depth_levels"`
}

type SyncConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	NumWorkers     int           `mapstructure:"num_workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

type GatewayConfig struct {
	Channels          []string      `mapstructure:"channels"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Relay             string        `mapstructure:"relay"` // "local" or "redis"
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not populate nested structs on Unmarshal
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding", "logger.output", "logger.max_size", "logger.max_age", "logger.backups")
	bindEnv(v, "storage.driver")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "mongo.uri", "mongo.database")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic", "kafka.partitions", "kafka.replication_factor")
	bindEnv(v, "upstream.mode", "upstream.rest_url", "upstream.stream_url", "upstream.reconnect_delay",
		"upstream.request_timeout", "upstream.rate_limit", "upstream.retry_max_tries",
		"upstream.kline_interval", "upstream.depth_levels")
	bindEnv(v, "sync.symbols", "sync.resync_interval", "sync.settle_delay", "sync.num_workers", "sync.queue_size")
	bindEnv(v, "gateway.channels", "gateway.sweep_interval", "gateway.heartbeat_interval", "gateway.relay",
		"gateway.allowed_origins")
	bindEnv(v, "auth.secret", "auth.issuer", "auth.audience", "auth.leeway")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.backups", 3)

	v.SetDefault("storage.driver", "redis")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "laevitas")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("upstream.mode", "binance")
	v.SetDefault("upstream.rest_url", "https://api.binance.com")
	v.SetDefault("upstream.stream_url", "wss://stream.binance.com:9443")
	v.SetDefault("upstream.reconnect_delay", 5*time.Second)
	v.SetDefault("upstream.request_timeout", 10*time.Second)
	v.SetDefault("upstream.rate_limit", 5.0)
	v.SetDefault("upstream.retry_max_tries", 3)
	v.SetDefault("upstream.kline_interval", "1m")
	v.SetDefault("upstream.depth_levels", 10)

	v.SetDefault("sync.symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"})
	v.SetDefault("sync.resync_interval", 5*time.Minute)
	v.SetDefault("sync.settle_delay", time.Second)
	v.SetDefault("sync.num_workers", 4)
	v.SetDefault("sync.queue_size", 1024)

	v.SetDefault("gateway.channels", []string{"ticker", "kline", "depth"})
	v.SetDefault("gateway.sweep_interval", time.Second)
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.relay", "local")
	v.SetDefault("gateway.allowed_origins", []string{"*"})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 5*time.Second)
}

// Validate checks the values that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	switch c.Storage.Driver {
	case "redis", "mongo":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Upstream.Mode {
	case "binance", "simulated":
	default:
		return fmt.Errorf("unknown upstream mode %q", c.Upstream.Mode)
	}
	switch c.Gateway.Relay {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown gateway relay %q", c.Gateway.Relay)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if c.Sync.NumWorkers <= 0 {
		return fmt.Errorf("sync workers must be positive, got %d", c.Sync.NumWorkers)
	}
	if len(c.Gateway.Channels) == 0 {
		return fmt.Errorf("gateway channels cannot be empty")
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
