// Package config centralises runtime configuration for conduit services.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where conduit operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// UpstreamSettings configures the exchange transports.
type UpstreamSettings struct {
	RESTBaseURL  string `yaml:"restBaseUrl"`
	PublicWSURL  string `yaml:"publicWsUrl"`
	PrivateWSURL string `yaml:"privateWsUrl"`
	// ProxyURL routes REST traffic through an HTTP proxy. It is ignored in
	// the production environment.
	ProxyURL    string        `yaml:"proxyUrl"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	RecvWindow  time.Duration `yaml:"recvWindow"`
}

// GovernorSettings tunes the access governor.
type GovernorSettings struct {
	Window       time.Duration `yaml:"window"`
	Threshold    int           `yaml:"threshold"`
	LocalPenalty time.Duration `yaml:"localPenalty"`
	PaceInterval time.Duration `yaml:"paceInterval"`
}

// CacheSettings tunes account snapshot freshness.
type CacheSettings struct {
	StreamingTTL    time.Duration `yaml:"streamingTtl"`
	RestTTL         time.Duration `yaml:"restTtl"`
	ExchangeInfoTTL time.Duration `yaml:"exchangeInfoTtl"`
}

// FanoutSettings tunes event delivery.
type FanoutSettings struct {
	BufferSize int `yaml:"bufferSize"`
}

// UserStreamSettings tunes user-data sessions.
type UserStreamSettings struct {
	RenewInterval time.Duration `yaml:"renewInterval"`
}

// RecoverySettings tunes startup session recovery.
type RecoverySettings struct {
	BatchSize  int           `yaml:"batchSize"`
	BatchDelay time.Duration `yaml:"batchDelay"`
}

// PostgresSettings configures the session store.
type PostgresSettings struct {
	DSN string `yaml:"dsn"`
}

// TelemetrySettings configures metrics export.
type TelemetrySettings struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Settings is the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment        `yaml:"environment"`
	Upstream    UpstreamSettings   `yaml:"upstream"`
	Governor    GovernorSettings   `yaml:"governor"`
	Cache       CacheSettings      `yaml:"cache"`
	Fanout      FanoutSettings     `yaml:"fanout"`
	UserStream  UserStreamSettings `yaml:"userStream"`
	Recovery    RecoverySettings   `yaml:"recovery"`
	Postgres    PostgresSettings   `yaml:"postgres"`
	Telemetry   TelemetrySettings  `yaml:"telemetry"`
}

// Default returns the default conduit configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Upstream: UpstreamSettings{
			RESTBaseURL:  "https://fapi.binance.com",
			PublicWSURL:  "wss://fstream.binance.com/ws",
			PrivateWSURL: "wss://fstream.binance.com/ws",
			HTTPTimeout:  10 * time.Second,
			RecvWindow:   5 * time.Second,
		},
		Governor: GovernorSettings{
			Window:       time.Minute,
			Threshold:    80,
			LocalPenalty: time.Minute,
			PaceInterval: 50 * time.Millisecond,
		},
		Cache: CacheSettings{
			StreamingTTL:    60 * time.Second,
			RestTTL:         20 * time.Second,
			ExchangeInfoTTL: 24 * time.Hour,
		},
		Fanout: FanoutSettings{
			BufferSize: 256,
		},
		UserStream: UserStreamSettings{
			RenewInterval: 30 * time.Minute,
		},
		Recovery: RecoverySettings{
			BatchSize:  2,
			BatchDelay: time.Second,
		},
		Postgres:  PostgresSettings{DSN: ""},
		Telemetry: TelemetrySettings{Enabled: false, Endpoint: ""},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("CONDUIT_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_REST_BASE_URL")); v != "" {
		cfg.Upstream.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_WS_PUBLIC_URL")); v != "" {
		cfg.Upstream.PublicWSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_WS_PRIVATE_URL")); v != "" {
		cfg.Upstream.PrivateWSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_PROXY_URL")); v != "" {
		cfg.Upstream.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
	return cfg
}

// EffectiveProxyURL returns the proxy to use, which is disabled in
// production.
func (s Settings) EffectiveProxyURL() string {
	if s.Environment == EnvProd {
		return ""
	}
	return s.Upstream.ProxyURL
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithUpstreamEndpoints overrides the transport endpoints.
func WithUpstreamEndpoints(rest, publicWS, privateWS string) Option {
	rest = strings.TrimSpace(rest)
	publicWS = strings.TrimSpace(publicWS)
	privateWS = strings.TrimSpace(privateWS)
	return func(s *Settings) {
		if rest != "" {
			s.Upstream.RESTBaseURL = rest
		}
		if publicWS != "" {
			s.Upstream.PublicWSURL = publicWS
		}
		if privateWS != "" {
			s.Upstream.PrivateWSURL = privateWS
		}
	}
}

// WithPostgresDSN configures the session store connection string.
func WithPostgresDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		if dsn != "" {
			s.Postgres.DSN = dsn
		}
	}
}

// WithGovernor overrides the governor thresholds.
func WithGovernor(window time.Duration, threshold int, penalty time.Duration) Option {
	return func(s *Settings) {
		if window > 0 {
			s.Governor.Window = window
		}
		if threshold > 0 {
			s.Governor.Threshold = threshold
		}
		if penalty > 0 {
			s.Governor.LocalPenalty = penalty
		}
	}
}
