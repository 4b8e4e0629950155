package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config is the process configuration shared by cmd/api and cmd/reconcile.
type Config struct {
	AppEnv     string `toml:"app_env"`
	Port       int    `toml:"port"`
	LogLevel   string `toml:"log_level"`
	PrettyLogs bool   `toml:"pretty_logs"`

	DB        DBConfig        `toml:"db"`
	Auth      AuthConfig      `toml:"auth"`
	Webhooks  WebhookConfig   `toml:"webhooks"`
	Escrow    EscrowConfig    `toml:"escrow"`
	Events    EventsConfig    `toml:"events"`
	Redis     RedisConfig     `toml:"redis"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Storage   StorageConfig   `toml:"storage"`

	DiffCacheSize  int           `toml:"diff_cache_size"`
	NegotiationTTL time.Duration `toml:"negotiation_ttl"`
}

type DBConfig struct {
	URL            string `toml:"url"`
	MigrateOnStart bool   `toml:"migrate_on_start"`
	MaxConns       int32  `toml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type WebhookConfig struct {
	EscrowSecret string `toml:"escrow_secret"`
	EsignSecret  string `toml:"esign_secret"`
}

type EscrowConfig struct {
	// Provider is "mock" or "http".
	Provider string        `toml:"provider"`
	URL      string        `toml:"url"`
	APIKey   string        `toml:"api_key"`
	Timeout  time.Duration `toml:"timeout"`
}

type EventsConfig struct {
	// Transport is "log", "kafka" or "amqp".
	Transport     string        `toml:"transport"`
	KafkaBrokers  []string      `toml:"kafka_brokers"`
	KafkaTopic    string        `toml:"kafka_topic"`
	AMQPURL       string        `toml:"amqp_url"`
	AMQPExchange  string        `toml:"amqp_exchange"`
	RelayInterval time.Duration `toml:"relay_interval"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ReconcileConfig struct {
	Enabled     bool          `toml:"enabled"`
	Interval    time.Duration `toml:"interval"`
	Concurrency int           `toml:"concurrency"`
}

type StorageConfig struct {
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`

	// Static keys are optional; the default AWS chain is used when empty.
	AccessKeyID     string        `toml:"access_key_id"`
	SecretAccessKey string        `toml:"secret_access_key"`
	URLExpiry       time.Duration `toml:"url_expiry"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Config {
	return Config{
		AppEnv:   "development",
		Port:     8080,
		LogLevel: "info",
		DB:       DBConfig{MaxConns: 10},
		Escrow: EscrowConfig{
			Provider: "mock",
			Timeout:  10 * time.Second,
		},
		Events: EventsConfig{
			Transport:     "log",
			KafkaTopic:    "negotiation-events",
			AMQPExchange:  "negotiation.events",
			RelayInterval: 5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:    15 * time.Minute,
			Concurrency: 4,
		},
		Storage:        StorageConfig{Region: "us-east-1", URLExpiry: 24 * time.Hour},
		DiffCacheSize:  256,
		NegotiationTTL: 14 * 24 * time.Hour,
	}
}

// Load reads an optional .env file, then the TOML file named by CONFIG_FILE,
// then applies environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// Validate rejects combinations the binaries cannot start with.
func (c Config) Validate() error {
	switch c.Escrow.Provider {
	case "mock":
	case "http":
		if c.Escrow.URL == "" {
			return errors.New("config: ESCROW_PROVIDER_URL is required for the http provider")
		}
	default:
		return fmt.Errorf("config: unknown escrow provider %q", c.Escrow.Provider)
	}

	switch c.Events.Transport {
	case "log":
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return errors.New("config: KAFKA_BROKERS is required for the kafka transport")
		}
	case "amqp":
		if c.Events.AMQPURL == "" {
			return errors.New("config: AMQP_URL is required for the amqp transport")
		}
	default:
		return fmt.Errorf("config: unknown event transport %q", c.Events.Transport)
	}

	if c.Reconcile.Concurrency < 1 {
		return errors.New("config: RECONCILE_CONCURRENCY must be positive")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &cfg.AppEnv)
	integer("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	boolean("PRETTY_LOGS", &cfg.PrettyLogs)

	str("DATABASE_URL", &cfg.DB.URL)
	boolean("MIGRATE_ON_START", &cfg.DB.MigrateOnStart)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("ESCROW_WEBHOOK_SECRET", &cfg.Webhooks.EscrowSecret)
	str("ESIGN_WEBHOOK_SECRET", &cfg.Webhooks.EsignSecret)

	str("ESCROW_PROVIDER", &cfg.Escrow.Provider)
	str("ESCROW_PROVIDER_URL", &cfg.Escrow.URL)
	str("ESCROW_PROVIDER_API_KEY", &cfg.Escrow.APIKey)

	str("EVENT_TRANSPORT", &cfg.Events.Transport)
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.Events.KafkaBrokers = splitList(v)
	}
	str("KAFKA_TOPIC", &cfg.Events.KafkaTopic)
	str("AMQP_URL", &cfg.Events.AMQPURL)
	str("AMQP_EXCHANGE", &cfg.Events.AMQPExchange)
	duration("OUTBOX_RELAY_INTERVAL", &cfg.Events.RelayInterval)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	boolean("RECONCILE_ENABLED", &cfg.Reconcile.Enabled)
	duration("RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	integer("RECONCILE_CONCURRENCY", &cfg.Reconcile.Concurrency)

	str("S3_BUCKET", &cfg.Storage.Bucket)
	str("S3_REGION", &cfg.Storage.Region)
	str("S3_ENDPOINT", &cfg.Storage.Endpoint)
	str("S3_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)
	duration("S3_URL_EXPIRY", &cfg.Storage.URLExpiry)

	integer("DIFF_CACHE_SIZE", &cfg.DiffCacheSize)
	duration("NEGOTIATION_TTL", &cfg.NegotiationTTL)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
