package config

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AuthProviderJWT   = "jwt"
	AuthProviderClerk = "clerk"
)

type Config struct {
	Port     string
	LogLevel string

	Database DatabaseConfig
	Auth     AuthConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Metrics  MetricsConfig
	HTTP     HTTPConfig

	QRImageSize int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type AuthConfig struct {
	Provider        string
	JWTAccessSecret string
	ClerkSecretKey  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

func (c RabbitMQConfig) Enabled() bool { return c.URL != "" }

type MetricsConfig struct {
	User string
	Pass string

	// PprofSecret guards /debug/pprof; profiling is not mounted when empty.
	PprofSecret string
}

type HTTPConfig struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "3333"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Auth: AuthConfig{
			Provider:        strings.ToLower(getEnv("AUTH_PROVIDER", AuthProviderJWT)),
			JWTAccessSecret: os.Getenv("JWT_ACCESS_SECRET"),
			ClerkSecretKey:  os.Getenv("CLERK_SECRET_KEY"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      os.Getenv("RABBITMQ_URL"),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "attendance"),
		},
		Metrics: MetricsConfig{
			User:        os.Getenv("METRICS_USER"),
			Pass:        os.Getenv("METRICS_PASS"),
			PprofSecret: os.Getenv("PPROF_SECRET"),
		},
		HTTP: HTTPConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		},
	}

	var err error
	if cfg.Database.MaxConns, err = getInt32("DB_MAX_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.Database.MinConns, err = getInt32("DB_MIN_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Redis.TTL, err = getDuration("REDIS_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.HTTP.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.HTTP.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 30); err != nil {
		return nil, err
	}
	if cfg.QRImageSize, err = getInt("QR_IMAGE_SIZE", 300); err != nil {
		return nil, err
	}
	if cfg.HTTP.TrustedProxies, err = getPrefixes("TRUSTED_PROXIES"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is not set")
	}
	switch c.Auth.Provider {
	case AuthProviderJWT:
		if c.Auth.JWTAccessSecret == "" {
			return errors.New("JWT_ACCESS_SECRET environment variable is not set")
		}
	case AuthProviderClerk:
		if c.Auth.ClerkSecretKey == "" {
			return errors.New("CLERK_SECRET_KEY environment variable is not set")
		}
	default:
		return fmt.Errorf("unknown AUTH_PROVIDER %q", c.Auth.Provider)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt32(key string, fallback int32) (int32, error) {
	n, err := getInt(key, int(fallback))
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getPrefixes parses a comma list of CIDRs or bare addresses.
func getPrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range splitList(os.Getenv(key)) {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
