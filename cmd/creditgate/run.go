package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/admission"
	"github.com/creditgate/creditgate/internal/cache"
	"github.com/creditgate/creditgate/internal/catalog"
	"github.com/creditgate/creditgate/internal/circuitbreaker"
	"github.com/creditgate/creditgate/internal/cloudauth"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/failover"
	"github.com/creditgate/creditgate/internal/metering"
	"github.com/creditgate/creditgate/internal/provider"
	"github.com/creditgate/creditgate/internal/provider/anthropic"
	"github.com/creditgate/creditgate/internal/provider/gemini"
	"github.com/creditgate/creditgate/internal/provider/ollama"
	"github.com/creditgate/creditgate/internal/provider/openai"
	"github.com/creditgate/creditgate/internal/server"
	"github.com/creditgate/creditgate/internal/session"
	"github.com/creditgate/creditgate/internal/storage/sqlite"
	"github.com/creditgate/creditgate/internal/telemetry"
	"github.com/creditgate/creditgate/internal/tokencount"
	"github.com/creditgate/creditgate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

// minBalanceUSD is the minimum balance a principal must hold to be
// admitted. Not yet exposed in config; revisit if a plan wants per-tenant
// floors.
const minBalanceUSD = 5.0

// catalogTTLFresh and catalogTTLStale bound how long a provider's cached
// model list is served fresh, and how long a stale copy is served while a
// background refresh runs; past the stale bound a lookup refetches inline.
const (
	catalogTTLFresh = 15 * time.Minute
	catalogTTLStale = 2 * time.Hour
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting creditgate", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, core.CredentialPrefixLive) || strings.HasPrefix(k.Key, core.CredentialPrefixTest)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	reg := provider.NewRegistry()
	cat := catalog.New()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		client, err := buildProviderClient(ctx, p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}

		var prov core.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.Name, p.BaseURL, client)
		case "anthropic":
			if p.ResolvedHosting() == "vertex" {
				prov = anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = anthropic.New(p.Name, p.BaseURL, client)
			}
		case "gemini":
			if p.ResolvedHosting() == "vertex" {
				prov = gemini.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = gemini.New(p.Name, p.BaseURL, client)
			}
		case "ollama":
			prov = ollama.New(p.Name, p.BaseURL, client)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		reg.Register(p.Name, prov)
		cat.Register(p.Name, catalogFetcher{prov: prov}, nil, catalogTTLFresh, catalogTTLStale)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
		)
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.Provider + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	cat.WarmAll(warmCtx)
	warmCancel()

	admitter, err := admission.New(store, store, minBalanceUSD)
	if err != nil {
		return fmt.Errorf("build admitter: %w", err)
	}
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	router := catalog.NewRouter(store)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	usageRecorder := worker.NewUsageRecorder(store)
	meter := metering.New(store, store, store, usageRecorder)
	sessions := session.New(store)

	tokenCounter := tokencount.NewCounter()

	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	runner := worker.NewRunner(usageRecorder, sessions)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("creditgate/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	engine := failover.New(reg, router, tracer, breakers)

	handler := server.New(server.Deps{
		Admission: admitter,
		Engine:    engine,
		Catalog:   cat,
		Sessions:  sessions,
		Meter:     meter,

		TokenCounter: tokenCounter,
		Cache:        responseCache,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters and circuit breakers.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				cutoff := time.Now().Add(-1 * time.Hour)
				if n := admitter.EvictStale(cutoff); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
				if n := breakers.EvictStale(cutoff); n > 0 {
					slog.Info("circuit breaker eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/messages",
			"POST /v1/responses",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("creditgate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("creditgate stopped")
	return nil
}

// catalogFetcher adapts a core.Provider's ListModels into a catalog.Fetcher.
// Providers don't carry per-model pricing, so descriptors come back with
// zero-valued prices, and Catalog.Price reports 0/0 for these models.
type catalogFetcher struct {
	prov core.Provider
}

func (f catalogFetcher) FetchModels(ctx context.Context) ([]core.ModelDescriptor, error) {
	ids, err := f.prov.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.ModelDescriptor, len(ids))
	for i, id := range ids {
		out[i] = core.ModelDescriptor{
			ID:            f.prov.Name() + "/" + id,
			DisplayName:   id,
			Provider:      f.prov.Name(),
			Streaming:     true,
			SourceGateway: f.prov.Type(),
		}
	}
	return out, nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1).
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
