package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ideaforge/pkg/logx"
	"ideaforge/pkg/tokens"
)

// Recorder receives an observation for every pooled provider call.
// The metrics package provides a Prometheus implementation; tests use a
// no-op.
type Recorder interface {
	ObserveCall(providerName, model string, tokensUsed int, err error, wait, duration time.Duration)
}

// nopRecorder drops all observations.
type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, string, int, error, time.Duration, time.Duration) {}

// NopRecorder returns a recorder that discards observations.
func NopRecorder() Recorder { return nopRecorder{} }

// PoolOptions configures pool-wide behavior.
type PoolOptions struct {
	// DefaultTimeout applies to calls whose context has no deadline.
	DefaultTimeout time.Duration
	// QueueWait bounds how long a call waits for a provider slot before
	// failing with KindBusy.
	QueueWait time.Duration
	// Recorder observes every call. Nil means no metrics.
	Recorder Recorder
}

// entry is one registered provider with its concurrency gate.
type entry struct {
	client Client
	slots  chan struct{}
}

// Pool is the provider registry: a uniform call surface over N named
// providers with per-provider concurrency caps and bounded queue waits.
//
// Selection is explicit: callers name a provider and get that provider
// or ProviderUnavailable. The pool never fails over between providers.
type Pool struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	opts     PoolOptions
	logger   *logx.Logger
	recorder Recorder
}

// NewPool creates an empty provider pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.QueueWait == 0 {
		opts.QueueWait = 30 * time.Second
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Pool{
		entries:  make(map[string]*entry),
		opts:     opts,
		logger:   logx.NewLogger("provider"),
		recorder: rec,
	}
}

// Register adds a client under its Name() with the given concurrency
// cap. Registering the same name twice replaces the previous client.
func (p *Pool) Register(client Client, concurrency int) {
	if concurrency <= 0 {
		concurrency = 8
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[client.Name()] = &entry{
		client: client,
		slots:  make(chan struct{}, concurrency),
	}
	p.logger.Info("registered provider %s (model=%s, concurrency=%d)",
		client.Name(), client.ModelName(), concurrency)
}

// Names returns the registered provider names, sorted.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the registered client for name.
func (p *Pool) Client(name string) (Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	if !ok {
		return nil, &Error{Kind: KindUnavailable, Provider: name,
			Message: fmt.Sprintf("provider %q is not registered", name)}
	}
	return e.client, nil
}

// Call dispatches a completion to the named provider. It acquires a
// provider slot (bounded wait), applies the default timeout when the
// context carries no deadline, and records the observation.
func (p *Pool) Call(ctx context.Context, name string, req Request) (Response, error) {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok {
		return Response{}, &Error{Kind: KindUnavailable, Provider: name,
			Message: fmt.Sprintf("provider %q is not registered", name)}
	}

	waitStart := time.Now()
	queueTimer := time.NewTimer(p.opts.QueueWait)
	defer queueTimer.Stop()

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return Response{}, classifyContextErr(ctx.Err(), name)
	case <-queueTimer.C:
		err := &Error{Kind: KindBusy, Provider: name,
			Message: fmt.Sprintf("provider %q at concurrency cap for %s", name, p.opts.QueueWait)}
		p.recorder.ObserveCall(name, e.client.ModelName(), 0, err, time.Since(waitStart), 0)
		return Response{}, err
	}
	defer func() { <-e.slots }()
	wait := time.Since(waitStart)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.client.Complete(ctx, req)
	latency := time.Since(start)

	if err != nil {
		p.logger.Warn("call to %s failed after %s: %v", name, latency, err)
		p.recorder.ObserveCall(name, e.client.ModelName(), 0, err, wait, latency)
		return Response{}, err
	}

	resp.Provider = name
	resp.Latency = latency
	if resp.Model == "" {
		resp.Model = e.client.ModelName()
	}
	if resp.TokensUsed == 0 {
		// Local endpoints often omit usage figures; count with the
		// tokenizer so llm_tokens_total stays meaningful.
		resp.TokensUsed = tokens.Count(req.Prompt) + tokens.Count(resp.Content)
	}
	p.logger.Debug("call to %s completed in %s (%d tokens)", name, latency, resp.TokensUsed)
	p.recorder.ObserveCall(name, resp.Model, resp.TokensUsed, nil, wait, latency)
	return resp, nil
}

// Healthy probes the named provider. Unregistered providers report
// unhealthy.
func (p *Pool) Healthy(ctx context.Context, name string) bool {
	client, err := p.Client(name)
	if err != nil {
		return false
	}
	return client.Healthy(ctx)
}
