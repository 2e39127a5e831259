package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "DESKGATE"

type Config struct {
	// Server
	Port      int    `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development"`
	Version   string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// CORS
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	// APIKey, when set, is required on every /ws and /v1 request.
	APIKey string `envconfig:"API_KEY"`

	// SSH
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"20s"`
	KeepAlive      time.Duration `envconfig:"KEEPALIVE" default:"30s"`
	KnownHosts     string        `envconfig:"KNOWN_HOSTS"`
	StrictHostKey  bool          `envconfig:"STRICT_HOST_KEY" default:"false"`

	// Sessions
	OpTimeout      time.Duration `envconfig:"OP_TIMEOUT" default:"0s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadLimit      int64         `envconfig:"READ_LIMIT" default:"100663296"`
	MaxReadBytes   int64         `envconfig:"MAX_READ_BYTES" default:"16777216"`
	MaxUploadBytes int64         `envconfig:"MAX_UPLOAD_BYTES" default:"52428800"`
	InboundRate    float64       `envconfig:"INBOUND_RATE" default:"200"`
	InboundBurst   int           `envconfig:"INBOUND_BURST" default:"100"`

	// Local file tree used by download and upload_local.
	LocalRoot string `envconfig:"LOCAL_ROOT"`

	// Auto-sync
	SyncDir      string        `envconfig:"SYNC_DIR"`
	SyncDebounce time.Duration `envconfig:"SYNC_DEBOUNCE" default:"500ms"`
	SyncMaxAge   time.Duration `envconfig:"SYNC_MAX_AGE" default:"24h"`

	// Redis enables the background sweep worker. Empty disables it.
	RedisURL  string `envconfig:"REDIS_URL"`
	RedisAddr string `ignored:"true"` // host:port format for Asynq
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.RedisURL != "" {
		cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: invalid port %d", c.Port)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("config: connect timeout must be positive")
	case c.MaxUploadBytes <= 0 || c.MaxReadBytes <= 0:
		return fmt.Errorf("config: size limits must be positive")
	}
	return nil
}

// parseRedisAddr extracts host:port from Redis URL
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	// If no port specified, add default Redis port
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
