// Command ideaforge runs the software ideation pipeline engine: four
// LLM stages (requirements, planning, stories, prompt) gated by human
// review, exposed over an HTTP/JSON boundary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/assembler"
	"ideaforge/pkg/boundary"
	"ideaforge/pkg/config"
	"ideaforge/pkg/instruction"
	"ideaforge/pkg/logx"
	"ideaforge/pkg/metrics"
	"ideaforge/pkg/persistence"
	"ideaforge/pkg/pipeline"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/provider/anthropic"
	"ideaforge/pkg/provider/gemini"
	"ideaforge/pkg/provider/ollamaclient"
	"ideaforge/pkg/provider/openaicompat"
	"ideaforge/pkg/review"
	"ideaforge/pkg/stage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "ideaforge.json", "Path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ideaforge: %v\n", err)
		os.Exit(1)
	}
}

//nolint:funlen // Linear wiring sequence
func run(configPath string) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := persistence.Open(cfg.Engine.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	instructions, err := instruction.NewStore()
	if err != nil {
		return err
	}
	if cfg.Engine.TemplateDir != "" {
		if err := instructions.LoadOverrides(cfg.Engine.TemplateDir); err != nil {
			return err
		}
		go func() {
			if err := instructions.Watch(cfg.Engine.TemplateDir); err != nil {
				logger.Warn("template watcher stopped: %v", err)
			}
		}()
	}

	recorder := metrics.NewPrometheusRecorder()
	pool, err := buildPool(cfg, recorder)
	if err != nil {
		return err
	}

	artifacts := artifact.NewStore(db)
	reviews := review.NewRegistry(db)
	asm := assembler.New(artifacts, instructions,
		cfg.Engine.SoftTokenBudget, cfg.Engine.HardTokenCeiling)

	services := make(map[artifact.Stage]*stage.Service)
	for _, desc := range stage.Descriptors() {
		services[desc.Stage] = stage.NewService(desc, artifacts, reviews, asm, pool,
			cfg.Engine.DefaultProvider)
	}

	coordinator := pipeline.NewCoordinator(artifacts, reviews, services)
	// Pick up decisions made while the engine was down, then re-arm
	// subscriptions for reviews still pending
	if err := coordinator.Reconcile(); err != nil {
		return fmt.Errorf("failed to reconcile review decisions: %w", err)
	}
	if err := coordinator.Resubscribe(); err != nil {
		return fmt.Errorf("failed to resubscribe pending reviews: %w", err)
	}

	var usage *metrics.QueryService
	if cfg.Engine.PrometheusURL != "" {
		usage, err = metrics.NewQueryService(cfg.Engine.PrometheusURL)
		if err != nil {
			return fmt.Errorf("failed to build usage query service: %w", err)
		}
	}

	server := boundary.NewServer(cfg.Engine.ListenAddr, coordinator, artifacts, reviews, pool,
		usage, cfg.Engine.ReviewWait)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received signal %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildPool constructs the provider pool from configuration. Every
// client is wrapped with retry and per-provider timeout middleware
// before registration.
func buildPool(cfg config.Config, recorder provider.Recorder) (*provider.Pool, error) {
	pool := provider.NewPool(provider.PoolOptions{
		DefaultTimeout: config.DefaultCallTimeout,
		QueueWait:      cfg.Engine.PoolWait,
		Recorder:       recorder,
	})

	for i := range cfg.Providers {
		p := &cfg.Providers[i]

		var base provider.Client
		switch p.Kind {
		case config.KindAnthropic:
			base = anthropic.New(p.Name, p.APIKey(), p.Model)
		case config.KindOpenAICompat:
			base = openaicompat.New(p.Name, p.BaseURL, p.APIKey(), p.Model)
		case config.KindOllama:
			base = ollamaclient.New(p.Name, p.BaseURL, p.Model)
		case config.KindGemini:
			base = gemini.New(p.Name, p.APIKey(), p.Model)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}

		policy := provider.DefaultRetryPolicy()
		policy.MaxRetries = p.MaxRetries
		// Retry outermost so each attempt gets the provider's own deadline
		client := provider.Chain(base, provider.WithRetry(policy), provider.WithTimeout(p.Timeout))

		pool.Register(client, p.Concurrency)
	}
	return pool, nil
}
