// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Store and image backends.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	ImageStore        string `mapstructure:"IMAGE_STORE"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Prefix          string `mapstructure:"S3_PREFIX"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	MaxUploadBytes    int64  `mapstructure:"MAX_UPLOAD_BYTES"`

	ScoringURL     string        `mapstructure:"SCORING_URL"`
	AnswerURL      string        `mapstructure:"ANSWER_URL"`
	RenderURL      string        `mapstructure:"RENDER_URL"`
	ScoringTimeout time.Duration `mapstructure:"SCORING_TIMEOUT"`
	AnswerTimeout  time.Duration `mapstructure:"ANSWER_TIMEOUT"`
	RenderTimeout  time.Duration `mapstructure:"RENDER_TIMEOUT"`
	HistoryLimit   int           `mapstructure:"HISTORY_LIMIT"`

	AuthJWTSecret string   `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RedisAddr        string        `mapstructure:"REDIS_ADDR"`
	RedisPassword    string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB          int           `mapstructure:"REDIS_DB"`
	PublicRateLimit  int           `mapstructure:"PUBLIC_RATE_LIMIT"`
	PublicRateWindow time.Duration `mapstructure:"PUBLIC_RATE_WINDOW"`
	// TrustedProxies lists the peers (IPs or CIDRs) whose forwarding
	// headers identify the client. Empty means the TCP peer is the client.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16    `mapstructure:"KAFKA_REPLICATION"`
	KafkaGroupID     string   `mapstructure:"KAFKA_GROUP_ID"`
	SinkWorkers      int      `mapstructure:"SINK_WORKERS"`

	ServiceName  string `mapstructure:"SERVICE_NAME"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var defaults = map[string]any{
	"PORT":               "8080",
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"STORE_DRIVER":       DriverMemory,
	"DB_MAX_CONNS":       20,
	"DB_MIN_CONNS":       2,
	"AUTO_MIGRATE":       false,
	"IMAGE_STORE":        DriverMemory,
	"S3_REGION":          "us-east-1",
	"S3_PREFIX":          "xrays",
	"MAX_UPLOAD_BYTES":   20 << 20,
	"SCORING_TIMEOUT":    "30s",
	"ANSWER_TIMEOUT":     "20s",
	"RENDER_TIMEOUT":     "30s",
	"HISTORY_LIMIT":      100,
	"CORS_ORIGINS":       "http://localhost:3000",
	"PUBLIC_RATE_LIMIT":  60,
	"PUBLIC_RATE_WINDOW": "1m",
	"KAFKA_BROKERS":      "localhost:9092",
	"KAFKA_REPLICATION":  1,
	"KAFKA_GROUP_ID":     "report-activity-sink",
	"SINK_WORKERS":       8,
	"SERVICE_NAME":       "radportal",
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUTO_MIGRATE",
	"IMAGE_STORE", "S3_BUCKET", "S3_PREFIX", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "MAX_UPLOAD_BYTES",
	"SCORING_URL", "ANSWER_URL", "RENDER_URL", "SCORING_TIMEOUT", "ANSWER_TIMEOUT", "RENDER_TIMEOUT", "HISTORY_LIMIT",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "PUBLIC_RATE_LIMIT", "PUBLIC_RATE_WINDOW", "TRUSTED_PROXIES",
	"KAFKA_BROKERS", "KAFKA_REPLICATION", "KAFKA_GROUP_ID", "SINK_WORKERS",
	"SERVICE_NAME", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.TrustedProxies = splitList(cfg.TrustedProxies, v.GetString("TRUSTED_PROXIES"))
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.ImageStore = strings.ToLower(cfg.ImageStore)
	return cfg, nil
}

// splitList accepts both a decoded list and a raw comma separated value.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 1 && strings.Contains(decoded[0], ",") {
		raw, decoded = decoded[0], nil
	}
	if len(decoded) == 0 {
		decoded = strings.Split(raw, ",")
	}
	out := decoded[:0]
	for _, s := range decoded {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the portal API configuration. Outside development the
// operator surface must verify bearer tokens and state must be durable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverMemory, DriverPostgres, c.StoreDriver)
	}

	switch c.ImageStore {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("IMAGE_STORE=memory is not allowed in production")
		}
	case DriverS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when IMAGE_STORE is %q", DriverS3)
		}
	default:
		return fmt.Errorf("IMAGE_STORE must be %q or %q, got %q", DriverMemory, DriverS3, c.ImageStore)
	}
	// Persisted reports would outlive their in-memory images.
	if c.StoreDriver == DriverPostgres && c.ImageStore == DriverMemory {
		return fmt.Errorf("IMAGE_STORE=%q cannot back STORE_DRIVER=%q", DriverMemory, DriverPostgres)
	}

	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set when ENV is %q", c.Env)
	}
	if c.AuthJWTSecret != "" && len(c.AuthJWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes")
	}

	for name, d := range map[string]time.Duration{
		"SCORING_TIMEOUT":    c.ScoringTimeout,
		"ANSWER_TIMEOUT":     c.AnswerTimeout,
		"RENDER_TIMEOUT":     c.RenderTimeout,
		"PUBLIC_RATE_WINDOW": c.PublicRateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ValidateStream checks the settings the outbox relay and activity sink need.
func (c *Config) ValidateStream() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}

// NewLogger builds the process logger: JSON in production-like
// environments, console output in development.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if c.IsDev() {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", c.ServiceName), zap.String("env", c.Env)), nil
}
