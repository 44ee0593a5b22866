// config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"key.share/internal/crypto"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Shares    SharesConfig    `yaml:"shares"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DrainDuration   time.Duration `yaml:"drain"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// StoreConfig selects the backend by URL scheme: memory://, redis:// or
// postgres://.
type StoreConfig struct {
	URL       string        `yaml:"url"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// CryptoConfig holds hex-encoded keys. HashKey is optional.
type CryptoConfig struct {
	MasterKey string `yaml:"master_key"`
	HashKey   string `yaml:"hash_key"`
}

type SharesConfig struct {
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MinTTL         time.Duration `yaml:"min_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MaxSecretBytes int           `yaml:"max_secret_bytes"`
}

type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RetrieveAttempts int           `yaml:"retrieve_attempts"`
	Window           time.Duration `yaml:"window"`
	RequestsPerMin   int           `yaml:"requests_per_min"`
}

type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

type AuditConfig struct {
	Sink string `yaml:"sink"`
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DrainDuration:   5 * time.Second,
			MaxBodyBytes:    128 * 1024,
		},
		Store: StoreConfig{
			URL:       "memory://",
			OpTimeout: 3 * time.Second,
		},
		Shares: SharesConfig{
			DefaultTTL:     10 * time.Minute,
			MinTTL:         1 * time.Minute,
			MaxTTL:         24 * time.Hour,
			MaxAttempts:    5,
			MaxSecretBytes: 64 * 1024,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			RetrieveAttempts: 5,
			Window:           time.Minute,
			RequestsPerMin:   120,
		},
		Reaper: ReaperConfig{
			Interval:  30 * time.Second,
			Retention: time.Hour,
		},
		Audit: AuditConfig{
			Sink: "log",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("KEYSHARE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("KEYSHARE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	// Store
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("KEYSHARE_STORE_URL"); v != "" {
		c.Store.URL = v
	}

	// Crypto
	if v := os.Getenv("KEYSHARE_MASTER_KEY"); v != "" {
		c.Crypto.MasterKey = v
	}
	if v := os.Getenv("KEYSHARE_HASH_KEY"); v != "" {
		c.Crypto.HashKey = v
	}

	// Shares
	if v := os.Getenv("KEYSHARE_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shares.DefaultTTL = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("KEYSHARE_MAX_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shares.MaxTTL = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("KEYSHARE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shares.MaxAttempts = n
		}
	}

	// Rate limiting
	if v := os.Getenv("KEYSHARE_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KEYSHARE_RATE_LIMIT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RetrieveAttempts = n
		}
	}
	if v := os.Getenv("KEYSHARE_RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}

	if v := os.Getenv("KEYSHARE_REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Reaper.Interval = d
		}
	}

	// Audit
	if v := os.Getenv("KEYSHARE_AUDIT_SINK"); v != "" {
		c.Audit.Sink = v
	}
	if v := os.Getenv("KEYSHARE_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}

	// Logging
	if v := os.Getenv("KEYSHARE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("KEYSHARE_LOG_JSON"); v != "" {
		c.Log.JSON = v == "true" || v == "1"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	u, err := url.Parse(c.Store.URL)
	if err != nil {
		return fmt.Errorf("invalid store url: %w", err)
	}
	switch u.Scheme {
	case "memory", "redis", "rediss", "postgres", "postgresql":
	default:
		return fmt.Errorf("invalid store url scheme: %q (must be memory, redis or postgres)", u.Scheme)
	}

	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("store op_timeout must be positive")
	}

	if c.Crypto.MasterKey == "" {
		return fmt.Errorf("master key is required (KEYSHARE_MASTER_KEY)")
	}
	if _, err := c.Keys(); err != nil {
		return err
	}

	if c.Shares.MinTTL <= 0 {
		return fmt.Errorf("min_ttl must be positive")
	}

	if c.Shares.MaxTTL < c.Shares.MinTTL {
		return fmt.Errorf("max_ttl must be >= min_ttl")
	}

	if c.Shares.DefaultTTL < c.Shares.MinTTL || c.Shares.DefaultTTL > c.Shares.MaxTTL {
		return fmt.Errorf("default_ttl must be between min_ttl and max_ttl")
	}

	if c.Shares.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	if c.Shares.MaxSecretBytes < 1 {
		return fmt.Errorf("max_secret_bytes must be at least 1")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RetrieveAttempts < 1 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit needs positive retrieve_attempts and window")
		}
		if c.RateLimit.RequestsPerMin < 0 {
			return fmt.Errorf("rate_limit requests_per_min must not be negative")
		}
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}

	switch c.Audit.Sink {
	case "log", "postgres":
	case "file":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit path is required when sink is 'file'")
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be 'log', 'file' or 'postgres')", c.Audit.Sink)
	}

	if c.Audit.Sink == "postgres" && u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("audit sink 'postgres' requires a postgres store url")
	}

	return nil
}

// Keys decodes the configured key material.
func (c *Config) Keys() (crypto.Keys, error) {
	master, err := crypto.ParseKey(c.Crypto.MasterKey)
	if err != nil {
		return crypto.Keys{}, fmt.Errorf("master key: %w", err)
	}
	if len(master) != crypto.KeySize {
		return crypto.Keys{}, fmt.Errorf("master key must be %d hex-encoded bytes, got %d", crypto.KeySize, len(master))
	}

	keys := crypto.Keys{Master: master}
	if c.Crypto.HashKey != "" {
		keys.Hash, err = crypto.ParseKey(c.Crypto.HashKey)
		if err != nil {
			return crypto.Keys{}, fmt.Errorf("hash key: %w", err)
		}
	}
	return keys, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
