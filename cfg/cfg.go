package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}
func (s *Secret) UnmarshalText(b []byte) error {
	s.value = append([]byte(nil), b...)
	return nil
}

type Cfg struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	AppURL         string        `env:"APP_URL"`
	ContextTimeout time.Duration `env:"CONTEXT_TIMEOUT" envDefault:"5s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies []string      `env:"TRUSTED_PROXIES" envSeparator:","`

	DatabaseDriver string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabasePath   string        `env:"DATABASE_PATH" envDefault:"pastelink.db"`
	DatabaseURL    Secret        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBQueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT" envDefault:"5s"`

	RedisURL      string        `env:"REDIS_URL"`
	RedisTLS      bool          `env:"REDIS_TLS" envDefault:"false"`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword Secret        `env:"REDIS_PASSWORD"`
	RedisTimeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`
	RedisCACert   string        `env:"REDIS_TLS_CA_CERT"`

	LRUCacheSize int           `env:"LRU_CACHE_SIZE" envDefault:"10000"`
	CacheEnabled bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	MaxContentLength int           `env:"MAX_CONTENT_LENGTH" envDefault:"100000"`
	MaxExpiryHours   int           `env:"MAX_EXPIRY_HOURS" envDefault:"168"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT" envDefault:"1h"`
	SessionSecure   bool          `env:"SESSION_SECURE" envDefault:"true"`
	SessionBackend  string        `env:"SESSION_BACKEND" envDefault:"memory"`
	SessionMaxCount int           `env:"SESSION_MAX_COUNT" envDefault:"100000"`
	CSRFEnabled     bool          `env:"CSRF_ENABLED" envDefault:"true"`
	SecurityHeaders bool          `env:"SECURITY_HEADERS" envDefault:"true"`

	AdminUser           string `env:"ADMIN_USER" envDefault:"admin"`
	AdminHash           Secret `env:"ADMIN_HASH"`
	SecretsFromProvider bool   `env:"SECRETS_FROM_PROVIDER" envDefault:"false"`

	RateLimit RateLimitCfg `envPrefix:"RATE_LIMIT_"`

	MetricsUser string `env:"METRICS_USER"`
	MetricsPass Secret `env:"METRICS_PASS"`
}

type RateLimitCfg struct {
	Requests      int           `env:"REQUESTS" envDefault:"100"`
	Window        time.Duration `env:"WINDOW" envDefault:"60s"`
	LoginRequests int           `env:"LOGIN_REQUESTS" envDefault:"10"`
	LoginWindow   time.Duration `env:"LOGIN_WINDOW" envDefault:"5m"`
	GlobalRPS     float64       `env:"GLOBAL_RPS" envDefault:"0"`
	Backend       string        `env:"BACKEND" envDefault:"memory"`
	MaxClients    int           `env:"MAX_CLIENTS" envDefault:"10000"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Cfg, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, errors.Wrapf(err, "load env file %s", path)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL.Value() == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	if c.MaxContentLength <= 0 {
		return errors.New("MAX_CONTENT_LENGTH must be positive")
	}
	if c.MaxContentLength > 10*1024*1024 {
		return errors.New("MAX_CONTENT_LENGTH cannot exceed 10M characters")
	}
	if c.MaxExpiryHours <= 0 {
		return errors.New("MAX_EXPIRY_HOURS must be positive")
	}
	if c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute")
	}
	if c.SessionTimeout < time.Minute {
		return errors.New("SESSION_TIMEOUT must be at least 1 minute")
	}
	switch c.SessionBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("SESSION_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be memory or redis, got %q", c.SessionBackend)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.LoginRequests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_LOGIN_REQUESTS must be positive")
	}
	if c.RateLimit.Window < time.Second || c.RateLimit.LoginWindow < time.Second {
		return errors.New("rate limit windows must be at least 1 second")
	}
	if c.RateLimit.GlobalRPS < 0 {
		return errors.New("RATE_LIMIT_GLOBAL_RPS cannot be negative")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimit.Backend)
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if !c.CSRFEnabled {
			return errors.New("CSRF_ENABLED=false is not allowed in production")
		}
	}
	if !c.SecretsFromProvider && c.AdminHash.Value() == "" && c.Environment == "production" {
		return errors.New("ADMIN_HASH is required in production unless SECRETS_FROM_PROVIDER=true")
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AdminHash.Wipe()
}
