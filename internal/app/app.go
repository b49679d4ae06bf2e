// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, NATS when configured)
//  2. initProviders — upstream adapters, capability catalog, health prober
//  3. initServices  — cache backend, metrics registry, audit emitter
//  4. initGateway   — pipeline orchestrator + HTTP front
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/audit"
	gwCache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb  *redis.Client
	natc *nats.Conn

	memCache *gwCache.MemoryCache

	prom    *metrics.Registry
	emitter *audit.Emitter

	adapters map[string]providers.Adapter
	health   *providers.HealthStore
	prober   *providers.Prober

	orch *pipeline.Orchestrator
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.log.Error("audit emitter close error", slog.String("error", err.Error()))
		}
		a.emitter = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.natc != nil {
		a.natc.Close()
		a.natc = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildAdapters creates the adapter map from non-empty API keys.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]providers.Adapter {
	adapters := make(map[string]providers.Adapter)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		g, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			log.Error("gemini adapter init failed", slog.String("error", err.Error()))
		} else {
			adapters["gemini"] = g
		}
	}

	return adapters
}

// buildCatalog trims the built-in catalog to configured adapters and applies
// operator weight overrides.
func buildCatalog(cfg *config.Config, adapters map[string]providers.Adapter) []providers.ProviderSpec {
	weights := map[string]float64{
		"openai":    cfg.OpenAI.Weight,
		"anthropic": cfg.Anthropic.Weight,
		"gemini":    cfg.Gemini.Weight,
	}

	specs := make([]providers.ProviderSpec, 0, len(adapters))
	for _, spec := range providers.DefaultCatalog {
		if _, ok := adapters[spec.Name]; !ok {
			continue
		}
		if w := weights[spec.Name]; w > 0 {
			spec.BaseWeight = w
		}
		specs = append(specs, spec)
	}
	return specs
}
