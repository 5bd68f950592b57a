package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	// Server
	ServerPort     string   `env:"SERVER_PORT" envDefault:"8080"`
	Env            string   `env:"ENV" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Message store
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DBConnStr     string `env:"DB_CONN_STR"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"public"`

	// Offline push; empty disables it
	AMQPURL string `env:"AMQP_URL"`

	// Authentication
	JWKSetURI string `env:"JWK_SET_URI"`
	JWTSecret string `env:"JWT_SECRET"`

	// Session
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	ClientTimeout     time.Duration `env:"CLIENT_TIMEOUT" envDefault:"10s"`
	WriteWait         time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	OutboundBuffer    int           `env:"OUTBOUND_BUFFER" envDefault:"100"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	origins := cfg.AllowedOrigins[:0]
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DBConnStr == "" {
			return errors.New("DB_CONN_STR is required for the postgres store")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.JWKSetURI == "" && c.JWTSecret == "" {
		return errors.New("one of JWK_SET_URI or JWT_SECRET must be set")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.ClientTimeout < c.HeartbeatInterval {
		return errors.New("CLIENT_TIMEOUT must not be shorter than HEARTBEAT_INTERVAL")
	}
	if c.WriteWait <= 0 {
		return errors.New("WRITE_WAIT must be positive")
	}
	if c.OutboundBuffer < 1 {
		return errors.New("OUTBOUND_BUFFER must be at least 1")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("MAX_MESSAGE_BYTES must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}
