// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"

	"github.com/ashureev/spotter/internal/store"
)

// Notification transports.
const (
	NotifyLog   = "log"
	NotifyNATS  = "nats"
	NotifyKafka = "kafka"
	NotifyGRPC  = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9090"`
	FrontendURL string `envconfig:"FRONTEND_URL"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	// InstanceID tags relayed emissions; generated when unset.
	InstanceID string `envconfig:"INSTANCE_ID"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreDSN      string `envconfig:"STORE_DSN" default:"./data/spotter.db"`
	StoreDatabase string `envconfig:"STORE_DATABASE" default:"spotter"`

	SocketSendQueue    int           `envconfig:"SOCKET_SEND_QUEUE" default:"256"`
	SocketPingInterval time.Duration `envconfig:"SOCKET_PING_INTERVAL" default:"30s"`
	SocketWriteTimeout time.Duration `envconfig:"SOCKET_WRITE_TIMEOUT" default:"10s"`
	SocketReadLimit    int64         `envconfig:"SOCKET_READ_LIMIT" default:"65536"`

	// HubShards is the number of locks room emissions are spread over.
	HubShards int `envconfig:"HUB_SHARDS" default:"64"`

	HistoryPageSize    int `envconfig:"HISTORY_PAGE_SIZE" default:"50"`
	HistoryMaxPageSize int `envconfig:"HISTORY_MAX_PAGE_SIZE" default:"100"`

	// Redis is optional; an empty address runs a single instance.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"spotter:emissions"`

	NotifyDriver   string        `envconfig:"NOTIFY_DRIVER" default:"log"`
	NotifyTimeout  time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`
	NATSURL        string        `envconfig:"NATS_URL"`
	NATSSubject    string        `envconfig:"NATS_SUBJECT" default:"spotter.notifications"`
	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"spotter-notifications"`
	PushGRPCAddr   string        `envconfig:"PUSH_GRPC_ADDR"`
	PushGRPCMethod string        `envconfig:"PUSH_GRPC_METHOD"`

	// MediaRoot enables removal of uploaded files when their message is deleted.
	MediaRoot      string `envconfig:"MEDIA_ROOT"`
	MediaURLPrefix string `envconfig:"MEDIA_URL_PREFIX" default:"/media/"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if !lo.Contains([]string{store.DriverSQLite, store.DriverPostgres, store.DriverMongo}, c.StoreDriver) {
		return fmt.Errorf("STORE_DRIVER %q is not one of sqlite, postgres, mongo", c.StoreDriver)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN cannot be empty")
	}
	if c.SocketSendQueue <= 0 {
		return fmt.Errorf("SOCKET_SEND_QUEUE must be > 0")
	}
	if c.SocketWriteTimeout <= 0 {
		return fmt.Errorf("SOCKET_WRITE_TIMEOUT must be > 0")
	}
	if c.HubShards <= 0 {
		return fmt.Errorf("HUB_SHARDS must be > 0")
	}
	if c.HistoryPageSize <= 0 || c.HistoryMaxPageSize < c.HistoryPageSize {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be > 0 and <= HISTORY_MAX_PAGE_SIZE")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.NotifyDriver {
	case NotifyLog:
	case NotifyNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required for the nats notifier")
		}
	case NotifyKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka notifier")
		}
	case NotifyGRPC:
		if c.PushGRPCAddr == "" {
			return fmt.Errorf("PUSH_GRPC_ADDR is required for the grpc notifier")
		}
	default:
		return fmt.Errorf("NOTIFY_DRIVER %q is not one of log, nats, kafka, grpc", c.NotifyDriver)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// Store returns the storage configuration.
func (c *Config) Store() store.Config {
	return store.Config{Driver: c.StoreDriver, DSN: c.StoreDSN, Database: c.StoreDatabase}
}

// AllowedOrigins returns the origins accepted by CORS.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "spotter"
	}
	return host + "-" + uuid.NewString()[:8]
}
