// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL, when set, moves OPAQUE login handshakes from Postgres to Redis (redis://host:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// KEKSecret is the key-encryption secret. Empty means the KEK is unavailable.
	KEKSecret string `mapstructure:"KEK_SECRET"`
	// RefreshTokenPepper keys the HMAC over stored refresh tokens. Required in production.
	RefreshTokenPepper string `mapstructure:"REFRESH_TOKEN_PEPPER"`

	// JWTIssuer is the iss claim of tokens minted by the signing key service.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the default aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// ReauthTTL is the lifetime of reauthentication tokens (e.g. "5m").
	ReauthTTL string `mapstructure:"REAUTH_TTL"`
	// SigningAllowInsecureKeys stores private signing keys unwrapped when the KEK is unavailable. Refused in production.
	SigningAllowInsecureKeys bool `mapstructure:"SIGNING_ALLOW_INSECURE_KEYS"`
	// SigningRotationInterval enables scheduled rotation in the worker when non-empty (e.g. "720h").
	SigningRotationInterval string `mapstructure:"SIGNING_ROTATION_INTERVAL"`
	// SigningKeyRetention is how long a rotated key stays available for verification.
	SigningKeyRetention string `mapstructure:"SIGNING_KEY_RETENTION"`

	// OpaqueServerID is the server identity bound into the AKE transcript.
	OpaqueServerID string `mapstructure:"OPAQUE_SERVER_ID"`
	// OpaqueServerPrivateKey is the base64 AKE private key.
	OpaqueServerPrivateKey string `mapstructure:"OPAQUE_SERVER_PRIVATE_KEY"`
	// OpaqueServerPublicKey is the base64 AKE public key.
	OpaqueServerPublicKey string `mapstructure:"OPAQUE_SERVER_PUBLIC_KEY"`
	// OpaqueOPRFSeed is the base64 OPRF seed used to derive per-credential OPRF keys.
	OpaqueOPRFSeed string `mapstructure:"OPAQUE_OPRF_SEED"`
	// OpaqueLoginTTL bounds how long a login handshake may stay open (e.g. "5m").
	OpaqueLoginTTL string `mapstructure:"OPAQUE_LOGIN_TTL"`
	// OpaqueAllowPlaintextIdentity permits storing handshake identities unencrypted when the KEK is unavailable.
	OpaqueAllowPlaintextIdentity bool `mapstructure:"OPAQUE_ALLOW_PLAINTEXT_IDENTITY"`

	// TrustProxy honours X-Forwarded-For for client addresses. Enable only behind a proxy that overwrites it.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`
	// SettingsCacheTTL bounds how stale runtime settings may be (e.g. "30s").
	SettingsCacheTTL string `mapstructure:"SETTINGS_CACHE_TTL"`

	// CookieSecure sets the Secure attribute on auth cookies. Only disable for local plain-HTTP development.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`

	// KafkaBrokers is a comma-separated list of Kafka brokers for security events (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for security events.
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`

	// KafkaGroupID is the consumer group of the worker's event forwarder.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL, when set with KAFKA_BROKERS, makes the worker forward security events to Loki.
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTelEndpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317"). Empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// SweepInterval is how often the worker deletes expired sessions and handshakes.
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("KEK_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_PEPPER", "")
	v.SetDefault("JWT_ISSUER", "opaque-idp")
	v.SetDefault("JWT_AUDIENCE", "opaque-idp-api")
	v.SetDefault("REAUTH_TTL", "5m")
	v.SetDefault("SIGNING_ALLOW_INSECURE_KEYS", false)
	v.SetDefault("SIGNING_ROTATION_INTERVAL", "")
	v.SetDefault("SIGNING_KEY_RETENTION", "720h") // 30d
	v.SetDefault("OPAQUE_SERVER_ID", "opaque-idp")
	v.SetDefault("OPAQUE_SERVER_PRIVATE_KEY", "")
	v.SetDefault("OPAQUE_SERVER_PUBLIC_KEY", "")
	v.SetDefault("OPAQUE_OPRF_SEED", "")
	v.SetDefault("OPAQUE_LOGIN_TTL", "5m")
	v.SetDefault("OPAQUE_ALLOW_PLAINTEXT_IDENTITY", false)
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("SETTINGS_CACHE_TTL", "30s")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "idp-security-events")
	v.SetDefault("KAFKA_GROUP_ID", "opaque-idp-event-forwarder")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "opaque-idp")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("SWEEP_INTERVAL", "5m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	if cfg.IsProduction() {
		if cfg.OpaqueAllowPlaintextIdentity {
			return nil, errors.New("config: OPAQUE_ALLOW_PLAINTEXT_IDENTITY must not be true when APP_ENV=production")
		}
		if cfg.SigningAllowInsecureKeys {
			return nil, errors.New("config: SIGNING_ALLOW_INSECURE_KEYS must not be true when APP_ENV=production")
		}
		if cfg.KEKSecret == "" {
			return nil, errors.New("config: KEK_SECRET must be set when APP_ENV=production")
		}
		if cfg.RefreshTokenPepper == "" {
			return nil, errors.New("config: REFRESH_TOKEN_PEPPER must be set when APP_ENV=production")
		}
		if !cfg.CookieSecure {
			return nil, errors.New("config: COOKIE_SECURE must be true when APP_ENV=production")
		}
	}

	for key, val := range map[string]string{
		"OPAQUE_SERVER_PRIVATE_KEY": cfg.OpaqueServerPrivateKey,
		"OPAQUE_SERVER_PUBLIC_KEY":  cfg.OpaqueServerPublicKey,
		"OPAQUE_OPRF_SEED":          cfg.OpaqueOPRFSeed,
	} {
		if val == "" {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(val); err != nil {
			return nil, errors.New("config: " + key + " must be base64")
		}
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(c.Env, "production")
}

// LoginTTL parses OpaqueLoginTTL. Returns 5m if unset or invalid.
func (c *Config) LoginTTL() time.Duration {
	return parseDuration(c.OpaqueLoginTTL, 5*time.Minute)
}

// ReauthTokenTTL parses ReauthTTL. Returns 5m if unset or invalid.
func (c *Config) ReauthTokenTTL() time.Duration {
	return parseDuration(c.ReauthTTL, 5*time.Minute)
}

// RotationInterval parses SigningRotationInterval. Zero means scheduled rotation is off.
func (c *Config) RotationInterval() time.Duration {
	return parseDuration(c.SigningRotationInterval, 0)
}

// KeyRetention parses SigningKeyRetention. Returns 720h if unset or invalid.
func (c *Config) KeyRetention() time.Duration {
	return parseDuration(c.SigningKeyRetention, 720*time.Hour)
}

// SettingsTTL parses SettingsCacheTTL. Returns 30s if unset or invalid.
func (c *Config) SettingsTTL() time.Duration {
	return parseDuration(c.SettingsCacheTTL, 30*time.Second)
}

// SweepEvery parses SweepInterval. Returns 5m if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	return parseDuration(c.SweepInterval, 5*time.Minute)
}

// OpaqueKeyMaterial decodes the configured AKE keypair and OPRF seed. ok is false when any part is missing.
func (c *Config) OpaqueKeyMaterial() (priv, pub, seed []byte, ok bool) {
	if c.OpaqueServerPrivateKey == "" || c.OpaqueServerPublicKey == "" || c.OpaqueOPRFSeed == "" {
		return nil, nil, nil, false
	}
	priv, _ = base64.StdEncoding.DecodeString(c.OpaqueServerPrivateKey)
	pub, _ = base64.StdEncoding.DecodeString(c.OpaqueServerPublicKey)
	seed, _ = base64.StdEncoding.DecodeString(c.OpaqueOPRFSeed)
	return priv, pub, seed, true
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event publishing is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
