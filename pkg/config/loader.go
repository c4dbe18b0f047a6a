package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// fileConfig mirrors Config with durations expressed as strings so the
// JSON file can say "30s" instead of nanosecond integers.
type fileConfig struct {
	Providers []fileProvider `json:"providers"`
	Engine    fileEngine     `json:"engine"`
}

type fileProvider struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	BaseURL     string `json:"base_url,omitempty"`
	APIKeyEnv   string `json:"api_key_env,omitempty"`
	Model       string `json:"model"`
	Timeout     string `json:"timeout,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

type fileEngine struct {
	SoftTokenBudget  int    `json:"soft_token_budget,omitempty"`
	HardTokenCeiling int    `json:"hard_token_ceiling,omitempty"`
	PoolWait         string `json:"pool_wait,omitempty"`
	ReviewWait       string `json:"review_wait,omitempty"`
	ListenAddr       string `json:"listen_addr,omitempty"`
	DBPath           string `json:"db_path,omitempty"`
	TemplateDir      string `json:"template_dir,omitempty"`
	DefaultProvider  string `json:"default_provider,omitempty"`
	PrometheusURL    string `json:"prometheus_url,omitempty"`
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q: %w", field, raw, err)
	}
	return d, nil
}

// Load reads and validates the configuration at path. A missing file is
// not an error: the built-in Default() configuration is returned so a
// fresh checkout runs without any setup.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg := Config{
		Engine: Engine{
			SoftTokenBudget:  fc.Engine.SoftTokenBudget,
			HardTokenCeiling: fc.Engine.HardTokenCeiling,
			ListenAddr:       fc.Engine.ListenAddr,
			DBPath:           fc.Engine.DBPath,
			TemplateDir:      fc.Engine.TemplateDir,
			DefaultProvider:  fc.Engine.DefaultProvider,
			PrometheusURL:    fc.Engine.PrometheusURL,
		},
	}
	if cfg.Engine.PoolWait, err = parseDuration("engine.pool_wait", fc.Engine.PoolWait); err != nil {
		return Config{}, err
	}
	if cfg.Engine.ReviewWait, err = parseDuration("engine.review_wait", fc.Engine.ReviewWait); err != nil {
		return Config{}, err
	}

	for i := range fc.Providers {
		fp := &fc.Providers[i]
		p := Provider{
			Name:        fp.Name,
			Kind:        fp.Kind,
			BaseURL:     fp.BaseURL,
			APIKeyEnv:   fp.APIKeyEnv,
			Model:       fp.Model,
			MaxRetries:  fp.MaxRetries,
			Concurrency: fp.Concurrency,
		}
		if p.Timeout, err = parseDuration(fmt.Sprintf("providers[%d].timeout", i), fp.Timeout); err != nil {
			return Config{}, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
