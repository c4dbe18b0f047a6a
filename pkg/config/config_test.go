package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	if len(cfg.Providers) != 6 {
		t.Errorf("expected 6 well-known providers, got %d", len(cfg.Providers))
	}
	if cfg.Engine.DefaultProvider != ProviderClaude {
		t.Errorf("expected default provider %s, got %s", ProviderClaude, cfg.Engine.DefaultProvider)
	}
	if cfg.Engine.SoftTokenBudget != DefaultSoftTokenBudget {
		t.Errorf("unexpected soft budget %d", cfg.Engine.SoftTokenBudget)
	}
	if cfg.Engine.HardTokenCeiling != DefaultHardTokenCeiling {
		t.Errorf("unexpected hard ceiling %d", cfg.Engine.HardTokenCeiling)
	}

	for _, p := range cfg.Providers {
		if p.Timeout != DefaultCallTimeout {
			t.Errorf("provider %s: expected default timeout, got %s", p.Name, p.Timeout)
		}
		if p.Concurrency != DefaultProviderConcurrency {
			t.Errorf("provider %s: expected default concurrency, got %d", p.Name, p.Concurrency)
		}
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if len(cfg.Providers) == 0 {
		t.Error("expected the default provider set")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ideaforge.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"providers": [
			{"name": "Claude", "kind": "anthropic", "api_key_env": "ANTHROPIC_API_KEY",
			 "model": "claude-sonnet-4-20250514", "timeout": "90s", "concurrency": 4},
			{"name": "Ollama", "kind": "ollama", "base_url": "http://localhost:11434",
			 "model": "llama3.1"}
		],
		"engine": {
			"listen_addr": ":9999",
			"pool_wait": "10s",
			"default_provider": "Ollama",
			"soft_token_budget": 50000,
			"prometheus_url": "http://localhost:9090"
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	claude := cfg.Providers[0]
	if claude.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", claude.Timeout)
	}
	if claude.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", claude.Concurrency)
	}

	// Unset fields pick up defaults
	if cfg.Providers[1].Timeout != DefaultCallTimeout {
		t.Errorf("expected default timeout, got %s", cfg.Providers[1].Timeout)
	}
	if cfg.Engine.ListenAddr != ":9999" {
		t.Errorf("unexpected listen addr %s", cfg.Engine.ListenAddr)
	}
	if cfg.Engine.PoolWait != 10*time.Second {
		t.Errorf("unexpected pool wait %s", cfg.Engine.PoolWait)
	}
	if cfg.Engine.DefaultProvider != "Ollama" {
		t.Errorf("unexpected default provider %s", cfg.Engine.DefaultProvider)
	}
	if cfg.Engine.SoftTokenBudget != 50000 {
		t.Errorf("unexpected soft budget %d", cfg.Engine.SoftTokenBudget)
	}
	if cfg.Engine.HardTokenCeiling != DefaultHardTokenCeiling {
		t.Errorf("unexpected hard ceiling %d", cfg.Engine.HardTokenCeiling)
	}
	if cfg.Engine.PrometheusURL != "http://localhost:9090" {
		t.Errorf("unexpected prometheus url %s", cfg.Engine.PrometheusURL)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `{
		"providers": [{"name": "Claude", "kind": "anthropic", "model": "m", "timeout": "soon"}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Providers: []Provider{
			{Name: "Claude", Kind: KindAnthropic, Model: "m"},
		}}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"empty name", func(c *Config) { c.Providers[0].Name = "" }, "name cannot be empty"},
		{"duplicate name", func(c *Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "configured twice"},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "carrier-pigeon" }, "unknown kind"},
		{"empty model", func(c *Config) { c.Providers[0].Model = "" }, "model cannot be empty"},
		{"openai-compat without base url", func(c *Config) {
			c.Providers[0].Kind = KindOpenAICompat
		}, "require a base URL"},
		{"negative concurrency", func(c *Config) {
			c.Providers[0].Concurrency = -1
		}, "concurrency cannot be negative"},
		{"unknown default provider", func(c *Config) {
			c.Engine.DefaultProvider = "Nobody"
		}, "is not configured"},
		{"soft budget above ceiling", func(c *Config) {
			c.Engine.SoftTokenBudget = 200
			c.Engine.HardTokenCeiling = 100
		}, "exceeds hard ceiling"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}

	good := base()
	if err := good.Validate(); err != nil {
		t.Errorf("base config must validate: %v", err)
	}
}

func TestAPIKeyResolvesFromEnv(t *testing.T) {
	p := Provider{APIKeyEnv: "IDEAFORGE_TEST_KEY"}
	t.Setenv("IDEAFORGE_TEST_KEY", "secret")
	if p.APIKey() != "secret" {
		t.Errorf("expected env credential, got %q", p.APIKey())
	}

	none := Provider{}
	if none.APIKey() != "" {
		t.Error("provider without an env handle must resolve to an empty key")
	}
}
