package config

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Cache configuration (rate limits, idempotency memo, locks, revocations)
	Cache CacheConfig `env:",prefix=CACHE_"`

	// Activation protocol configuration
	Activation ActivationConfig `env:",prefix=ACTIVATION_"`

	// Expiration reconciler configuration
	Reconciler ReconcilerConfig `env:",prefix=RECONCILER_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
	MaxRPS       int    `env:"MAX_RPS,default=2000"`     // process-wide admission limit, 0 disables

	// CIDRs or addresses whose X-Forwarded-For is honoured; empty trusts no proxy
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	Driver   string `env:"DRIVER,default=postgres"` // postgres or sqlite3
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=activation_engine"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	Path     string `env:"PATH,default=activation.db"` // sqlite3 only
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
}

// CacheConfig holds key-value cache configuration
type CacheConfig struct {
	Driver     string `env:"DRIVER,default=redis"` // redis or memory
	Addr       string `env:"ADDR,default=localhost:6379"`
	Password   string `env:"PASSWORD"`
	DB         int    `env:"DB,default=0"`
	MemorySize int    `env:"MEMORY_SIZE,default=100000"`
}

// ActivationConfig holds the tunables of the activation protocol
type ActivationConfig struct {
	SigningSecret     string        `env:"SIGNING_SECRET,required"`
	IdempotencySecret string        `env:"IDEMPOTENCY_SECRET,required"`
	RateLimit         int           `env:"RATE_LIMIT,default=10"`
	RateWindow        time.Duration `env:"RATE_WINDOW,default=1m"`
	LockTTL           time.Duration `env:"LOCK_TTL,default=10s"`
	LockWait          time.Duration `env:"LOCK_WAIT,default=2s"`
	MemoTTL           time.Duration `env:"MEMO_TTL,default=24h"`
	DefaultTokenTTL   time.Duration `env:"DEFAULT_TOKEN_TTL,default=72h"`
	MaxTokenTTL       time.Duration `env:"MAX_TOKEN_TTL,default=720h"`
	DecisionURL       string        `env:"DECISION_URL"`
	DecisionTimeout   time.Duration `env:"DECISION_TIMEOUT,default=300ms"`
}

// ReconcilerConfig holds expiration job configuration
type ReconcilerConfig struct {
	Schedule  string        `env:"SCHEDULE,default=@every 5m"`
	BatchSize int           `env:"BATCH_SIZE,default=500"`
	Timeout   time.Duration `env:"TIMEOUT,default=2m"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom loads configuration from the given lookuper
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid DB_DRIVER %q: must be postgres or sqlite3", c.Database.Driver)
	}
	switch c.Cache.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid CACHE_DRIVER %q: must be redis or memory", c.Cache.Driver)
	}
	if len(c.Activation.SigningSecret) < 32 {
		return fmt.Errorf("ACTIVATION_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.Activation.DefaultTokenTTL > c.Activation.MaxTokenTTL {
		return fmt.Errorf("ACTIVATION_DEFAULT_TOKEN_TTL exceeds ACTIVATION_MAX_TOKEN_TTL")
	}
	if c.Activation.LockTTL <= 0 || c.Activation.RateLimit <= 0 || c.Activation.RateWindow <= 0 {
		return fmt.Errorf("activation lock ttl, rate limit and rate window must be positive")
	}
	if _, err := c.Server.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// GetDatabaseURL returns the data source name for the configured driver
func (c *DatabaseConfig) GetDatabaseURL() string {
	if c.Driver == "sqlite3" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c *ServerConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVER_TRUSTED_PROXIES entry %q", raw)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
