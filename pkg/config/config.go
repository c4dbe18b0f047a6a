// Package config provides configuration loading and validation for the
// ideaforge engine.
//
// The engine configuration is strictly read-only at runtime: Load parses
// it once at startup, validates it, and hands the result back BY VALUE.
// Anything mutable (artifact status, review decisions) belongs in the
// database, never in config.
package config

import (
	"fmt"
	"os"
	"time"
)

// Provider kind constants. Each kind selects a client adapter.
const (
	KindAnthropic    = "anthropic"
	KindOpenAICompat = "openai-compat"
	KindOllama       = "ollama"
	KindGemini       = "gemini"
)

// Well-known provider names. The registry is extensible; these are the
// names the default configuration wires up.
const (
	ProviderClaude     = "Claude"
	ProviderLMStudio   = "LMStudio"
	ProviderOpenRouter = "OpenRouter"
	ProviderNanoGpt    = "NanoGpt"
	ProviderOllama     = "Ollama"
	ProviderGemini     = "Gemini"
)

// Engine-wide defaults.
const (
	// DefaultSoftTokenBudget is the per-stage prompt budget. Exceeding it
	// produces a warning in the assembly metadata but does not fail.
	DefaultSoftTokenBudget = 100_000

	// DefaultHardTokenCeiling is the absolute prompt ceiling. Exceeding it
	// aborts assembly.
	DefaultHardTokenCeiling = 180_000

	// DefaultProviderConcurrency is the per-provider in-flight call cap.
	DefaultProviderConcurrency = 8

	// DefaultPoolWait bounds how long an excess call queues for a
	// provider slot before failing.
	DefaultPoolWait = 30 * time.Second

	// DefaultCallTimeout applies to provider calls whose context carries
	// no deadline.
	DefaultCallTimeout = 5 * time.Minute

	// DefaultReviewWait is the default deadline for blocking review waits.
	DefaultReviewWait = 10 * time.Minute

	// DefaultMaxRetries is the retry cap for classified-transient
	// provider errors.
	DefaultMaxRetries = 2
)

// Provider describes one configured LLM provider.
type Provider struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	BaseURL     string        `json:"base_url,omitempty"`
	APIKeyEnv   string        `json:"api_key_env,omitempty"` // env var holding the credential
	Model       string        `json:"model"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty"`
	Concurrency int           `json:"concurrency,omitempty"`
}

// APIKey resolves the provider credential from its env handle.
func (p *Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Engine holds engine-wide tunables.
type Engine struct {
	SoftTokenBudget  int           `json:"soft_token_budget,omitempty"`
	HardTokenCeiling int           `json:"hard_token_ceiling,omitempty"`
	PoolWait         time.Duration `json:"pool_wait,omitempty"`
	ReviewWait       time.Duration `json:"review_wait,omitempty"`
	ListenAddr       string        `json:"listen_addr,omitempty"`
	DBPath           string        `json:"db_path,omitempty"`
	TemplateDir      string        `json:"template_dir,omitempty"` // optional instruction override dir
	DefaultProvider  string        `json:"default_provider,omitempty"`
	// PrometheusURL enables usage queries against a Prometheus server
	// scraping /metrics. Empty disables the usage endpoint.
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	Providers []Provider `json:"providers"`
	Engine    Engine     `json:"engine"`
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name cannot be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindAnthropic, KindOpenAICompat, KindOllama, KindGemini:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q: model cannot be empty", p.Name)
		}
		if p.Kind == KindOpenAICompat && p.BaseURL == "" {
			return fmt.Errorf("provider %q: openai-compat providers require a base URL", p.Name)
		}
		if p.Concurrency < 0 {
			return fmt.Errorf("provider %q: concurrency cannot be negative", p.Name)
		}
	}
	if c.Engine.DefaultProvider != "" && !seen[c.Engine.DefaultProvider] {
		return fmt.Errorf("default provider %q is not configured", c.Engine.DefaultProvider)
	}
	if c.Engine.SoftTokenBudget > c.Engine.HardTokenCeiling && c.Engine.HardTokenCeiling != 0 {
		return fmt.Errorf("soft token budget %d exceeds hard ceiling %d",
			c.Engine.SoftTokenBudget, c.Engine.HardTokenCeiling)
	}
	return nil
}

// applyDefaults fills zero values with engine defaults.
func (c *Config) applyDefaults() {
	if c.Engine.SoftTokenBudget == 0 {
		c.Engine.SoftTokenBudget = DefaultSoftTokenBudget
	}
	if c.Engine.HardTokenCeiling == 0 {
		c.Engine.HardTokenCeiling = DefaultHardTokenCeiling
	}
	if c.Engine.PoolWait == 0 {
		c.Engine.PoolWait = DefaultPoolWait
	}
	if c.Engine.ReviewWait == 0 {
		c.Engine.ReviewWait = DefaultReviewWait
	}
	if c.Engine.ListenAddr == "" {
		c.Engine.ListenAddr = ":8180"
	}
	if c.Engine.DBPath == "" {
		c.Engine.DBPath = "ideaforge.db"
	}
	if c.Engine.DefaultProvider == "" && len(c.Providers) > 0 {
		c.Engine.DefaultProvider = c.Providers[0].Name
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = DefaultCallTimeout
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = DefaultMaxRetries
		}
		if p.Concurrency == 0 {
			p.Concurrency = DefaultProviderConcurrency
		}
	}
}

// Default returns the built-in configuration used when no config file is
// present: all well-known providers wired with their conventional
// endpoints, credentials resolved from the environment.
func Default() Config {
	cfg := Config{
		Providers: []Provider{
			{
				Name:      ProviderClaude,
				Kind:      KindAnthropic,
				APIKeyEnv: "ANTHROPIC_API_KEY",
				Model:     "claude-sonnet-4-20250514",
			},
			{
				Name:    ProviderLMStudio,
				Kind:    KindOpenAICompat,
				BaseURL: "http://localhost:1234/v1",
				Model:   "qwen2.5-coder-32b-instruct",
			},
			{
				Name:      ProviderOpenRouter,
				Kind:      KindOpenAICompat,
				BaseURL:   "https://openrouter.ai/api/v1",
				APIKeyEnv: "OPENROUTER_API_KEY",
				Model:     "anthropic/claude-sonnet-4",
			},
			{
				Name:      ProviderNanoGpt,
				Kind:      KindOpenAICompat,
				BaseURL:   "https://nano-gpt.com/api/v1",
				APIKeyEnv: "NANOGPT_API_KEY",
				Model:     "chatgpt-4o-latest",
			},
			{
				Name:    ProviderOllama,
				Kind:    KindOllama,
				BaseURL: "http://localhost:11434",
				Model:   "llama3.1",
			},
			{
				Name:      ProviderGemini,
				Kind:      KindGemini,
				APIKeyEnv: "GEMINI_API_KEY",
				Model:     "gemini-2.0-flash",
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
