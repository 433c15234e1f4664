// Package config loads the control service configuration from the
// environment and an optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"killswitch/pkg/hardening"
	"killswitch/pkg/installs"
	"killswitch/pkg/store"
	"killswitch/pkg/telemetry"
)

type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	StrictProd  bool   `env:"STRICT_PROD_SECURITY" envDefault:"true"`
	AdminKey    string `env:"ADMIN_KEY"`

	StoreDriver        string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath         string `env:"SQLITE_PATH" envDefault:"killswitch.db"`
	DatabaseURL        string `env:"DATABASE_URL"`
	DatabaseRequireTLS bool   `env:"DATABASE_REQUIRE_TLS"`
	AuditRedactAddr    bool   `env:"AUDIT_REDACT_REMOTE_ADDR"`
	AuditHashSalt      string `env:"AUDIT_HASH_SALT"`

	Redis RedisConfig

	RateLimitPerMinute  int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	CORSAllowedOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MaxRequestBodyBytes int64    `env:"MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	InstallListDefault  int      `env:"INSTALL_LIST_DEFAULT_LIMIT" envDefault:"200"`

	// Off by default; without a rewriting proxy these headers are set by the caller.
	TrustForwardedHeaders bool `env:"TRUST_FORWARDED_HEADERS"`

	HTTPReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"90s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	TTS         TTSConfig
	Entitlement EntitlementConfig
	Telemetry   TelemetryConfig
}

type RedisConfig struct {
	Addr             string `env:"REDIS_ADDR"`
	Password         string `env:"REDIS_PASSWORD"`
	DB               int    `env:"REDIS_DB" envDefault:"0"`
	RequireTLS       bool   `env:"REDIS_REQUIRE_TLS"`
	TLS              bool   `env:"REDIS_TLS"`
	TLSInsecure      bool   `env:"REDIS_TLS_INSECURE"`
	AllowInsecureTLS bool   `env:"REDIS_ALLOW_INSECURE_TLS"`
	TLSServerName    string `env:"REDIS_TLS_SERVER_NAME"`
	TLSCAFile        string `env:"REDIS_TLS_CA_CERT_FILE"`
	TLSCertFile      string `env:"REDIS_TLS_CERT_FILE"`
	TLSKeyFile       string `env:"REDIS_TLS_KEY_FILE"`
}

type TTSConfig struct {
	APIKey         string        `env:"ELEVENLABS_API_KEY"`
	BaseURL        string        `env:"ELEVENLABS_BASE_URL" envDefault:"https://api.elevenlabs.io"`
	DefaultVoiceID string        `env:"TTS_DEFAULT_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	DefaultModelID string        `env:"TTS_DEFAULT_MODEL_ID" envDefault:"eleven_multilingual_v2"`
	Timeout        time.Duration `env:"TTS_TIMEOUT" envDefault:"60s"`
}

type EntitlementConfig struct {
	StripeSecretKey string            `env:"STRIPE_SECRET_KEY"`
	StripeBaseURL   string            `env:"STRIPE_BASE_URL" envDefault:"https://api.stripe.com"`
	Timeout         time.Duration     `env:"ENTITLEMENT_TIMEOUT" envDefault:"8s"`
	PriceTiers      map[string]string `env:"ENTITLEMENT_PRICE_TIERS" envSeparator:"," envKeyValSeparator:":"`
	TierOrder       []string          `env:"ENTITLEMENT_TIER_ORDER" envSeparator:"," envDefault:"free,plus,pro"`
}

type TelemetryConfig struct {
	ServiceName string            `env:"OTEL_SERVICE_NAME" envDefault:"killswitch-control"`
	Endpoint    string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers     map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS" envSeparator:"," envKeyValSeparator:"="`
	Timeout     time.Duration     `env:"OTEL_EXPORTER_OTLP_TIMEOUT" envDefault:"5s"`
	Insecure    bool              `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Required    bool              `env:"OTEL_REQUIRED"`
	Sampler     string            `env:"OTEL_TRACES_SAMPLER"`
	SamplerArg  string            `env:"OTEL_TRACES_SAMPLER_ARG"`
}

// Load reads the dotenv file named by ENV_FILE (default ".env") when it
// exists, then parses the environment. Variables already set in the
// process win over the file.
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StoreDriver)) {
	case store.DriverMemory, store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.InstallListDefault < 1 || c.InstallListDefault > installs.MaxListLimit {
		return fmt.Errorf("INSTALL_LIST_DEFAULT_LIMIT must be within 1..%d", installs.MaxListLimit)
	}
	if c.TTS.Timeout <= 0 || c.Entitlement.Timeout <= 0 {
		return fmt.Errorf("TTS_TIMEOUT and ENTITLEMENT_TIMEOUT must be > 0")
	}
	if len(c.Entitlement.TierOrder) == 0 {
		return fmt.Errorf("ENTITLEMENT_TIER_ORDER must name at least one tier")
	}
	return hardening.ValidateProduction(c.Hardening())
}

func (c Config) Hardening() hardening.Options {
	return hardening.Options{
		Service:               "control",
		Environment:           c.Environment,
		Strict:                c.StrictProd,
		StoreDriver:           c.StoreDriver,
		DatabaseRequireTLS:    c.DatabaseRequireTLS,
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       c.Redis.RequireTLS,
		RedisTLSInsecure:      c.Redis.TLSInsecure,
		RedisAllowInsecureTLS: c.Redis.AllowInsecureTLS,
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
		RequiredSecrets:       []hardening.Requirement{{Name: "ADMIN_KEY", Value: c.AdminKey}},
	}
}

func (c Config) StoreOptions() store.Options {
	var salt []byte
	if c.AuditHashSalt != "" {
		salt = []byte(c.AuditHashSalt)
	}
	return store.Options{
		Driver:        c.StoreDriver,
		SQLitePath:    c.SQLitePath,
		DatabaseURL:   c.DatabaseURL,
		RequireTLS:    c.DatabaseRequireTLS,
		RedactAudit:   c.AuditRedactAddr,
		AuditHashSalt: salt,
	}
}

func (c Config) RedisOptions() store.RedisOptions {
	r := c.Redis
	return store.RedisOptions{
		Addr:             r.Addr,
		Password:         r.Password,
		DB:               r.DB,
		RequireTLS:       r.RequireTLS,
		TLS:              r.TLS,
		TLSInsecure:      r.TLSInsecure,
		AllowInsecureTLS: r.AllowInsecureTLS,
		TLSServerName:    r.TLSServerName,
		TLSCAFile:        r.TLSCAFile,
		TLSCertFile:      r.TLSCertFile,
		TLSKeyFile:       r.TLSKeyFile,
	}
}

func (c Config) TelemetryOptions() telemetry.Options {
	t := c.Telemetry
	return telemetry.Options{
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Headers:     t.Headers,
		Timeout:     t.Timeout,
		Insecure:    t.Insecure,
		Required:    t.Required,
		Sampler:     t.Sampler,
		SamplerArg:  t.SamplerArg,
	}
}
