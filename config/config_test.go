package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Environment != EnvProd {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Governor.Threshold != 80 || cfg.Governor.Window != time.Minute {
		t.Fatalf("governor defaults = %+v", cfg.Governor)
	}
	if cfg.Cache.StreamingTTL != 60*time.Second || cfg.Cache.RestTTL != 20*time.Second {
		t.Fatalf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Recovery.BatchSize != 2 || cfg.Recovery.BatchDelay != time.Second {
		t.Fatalf("recovery defaults = %+v", cfg.Recovery)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONDUIT_ENV", "dev")
	t.Setenv("CONDUIT_REST_BASE_URL", "https://testnet.example")
	t.Setenv("CONDUIT_HTTP_TIMEOUT", "3s")
	t.Setenv("CONDUIT_POSTGRES_DSN", "postgres://localhost/conduit")

	cfg := FromEnv()
	if cfg.Environment != EnvDev {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Upstream.RESTBaseURL != "https://testnet.example" {
		t.Fatalf("rest base = %q", cfg.Upstream.RESTBaseURL)
	}
	if cfg.Upstream.HTTPTimeout != 3*time.Second {
		t.Fatalf("timeout = %v", cfg.Upstream.HTTPTimeout)
	}
	if cfg.Postgres.DSN != "postgres://localhost/conduit" {
		t.Fatalf("dsn = %q", cfg.Postgres.DSN)
	}
}

func TestEffectiveProxyDisabledInProd(t *testing.T) {
	cfg := Default()
	cfg.Upstream.ProxyURL = "http://127.0.0.1:8888"

	if got := cfg.EffectiveProxyURL(); got != "" {
		t.Fatalf("prod proxy = %q", got)
	}
	cfg.Environment = EnvDev
	if got := cfg.EffectiveProxyURL(); got != "http://127.0.0.1:8888" {
		t.Fatalf("dev proxy = %q", got)
	}
}

func TestApplyOptionsDoesNotMutateBase(t *testing.T) {
	base := Default()
	derived := Apply(base,
		WithEnvironment(EnvStaging),
		WithUpstreamEndpoints("https://alt.example", "", ""),
		WithPostgresDSN("postgres://alt/conduit"),
		WithGovernor(30*time.Second, 40, 0),
	)
	if derived.Environment != EnvStaging || derived.Governor.Threshold != 40 {
		t.Fatalf("derived = %+v", derived)
	}
	if base.Environment != EnvProd || base.Upstream.RESTBaseURL == "https://alt.example" {
		t.Fatal("options mutated the base settings")
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	payload := []byte(`
environment: dev
upstream:
  restBaseUrl: https://file.example
governor:
  threshold: 50
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Upstream.RESTBaseURL != "https://file.example" {
		t.Fatalf("rest base = %q", cfg.Upstream.RESTBaseURL)
	}
	if cfg.Governor.Threshold != 50 {
		t.Fatalf("threshold = %d", cfg.Governor.Threshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Recovery.BatchSize != 2 {
		t.Fatalf("recovery batch size = %d", cfg.Recovery.BatchSize)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
