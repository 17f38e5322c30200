// Package catalog maintains a process-wide, per-provider cache of model
// descriptors and resolves a model id to the provider that should serve it.
// Grounded on the teacher gateway's internal/app/router.go (route resolution
// and caching) and internal/cache/memory.go (otter-backed TTL cache), with
// the fresh/stale/fallback tiering and single-flight refresh discipline from
// the catalog's own design requirements layered on top.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
)

// Fetcher retrieves the raw model list for one provider. Implemented by each
// provider adapter's ListModels, wrapped with normalization at the call site.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]core.ModelDescriptor, error)
}

// providerSlot is the immutable snapshot held per provider. A new slot is
// built on every successful or attempted refresh and swapped in atomically;
// readers never block behind a writer (the cache-with-background-refresh
// ownership discipline the base spec calls for).
type providerSlot struct {
	descriptors []core.ModelDescriptor
	lastSuccess time.Time
	lastAttempt time.Time
	neverFresh  bool
}

// providerEntry pairs a provider's live slot with its configured fallback
// list and TTLs.
type providerEntry struct {
	id       string
	fetcher  Fetcher
	fallback []core.ModelDescriptor
	ttlFresh time.Duration
	ttlStale time.Duration
	slot     atomic.Pointer[providerSlot]
}

// Catalog is the process-wide model catalog. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	order     []string // tie-break order, declared at startup
	group     singleflight.Group
}

// New returns an empty Catalog. Providers are registered via Register.
func New() *Catalog {
	return &Catalog{providers: make(map[string]*providerEntry)}
}

// defaultTTLFresh and defaultTTLStale are used when a provider doesn't
// configure explicit TTLs.
const (
	defaultTTLFresh = 30 * time.Minute
	defaultTTLStale = 60 * time.Minute
)

// Register adds a provider to the catalog with its fetcher and fallback
// descriptor list. ttlFresh/ttlStale of zero fall back to the defaults.
func (c *Catalog) Register(id string, fetcher Fetcher, fallback []core.ModelDescriptor, ttlFresh, ttlStale time.Duration) {
	if ttlFresh <= 0 {
		ttlFresh = defaultTTLFresh
	}
	if ttlStale <= 0 {
		ttlStale = defaultTTLStale
	}
	entry := &providerEntry{id: id, fetcher: fetcher, fallback: fallback, ttlFresh: ttlFresh, ttlStale: ttlStale}
	entry.slot.Store(&providerSlot{neverFresh: true})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[id] = entry
	c.order = append(c.order, id)
}

// WarmAll attempts an initial fetch for every registered provider. Failures
// are logged and do not abort startup.
func (c *Catalog) WarmAll(ctx context.Context) {
	c.mu.RLock()
	ids := slices.Clone(c.order)
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.refresh(ctx, id); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "catalog warm failed",
				slog.String("provider", id), slog.String("error", err.Error()))
		}
	}
}

// ListModels returns the union of descriptors across all providers, or a
// single provider's slice if provider is non-empty. filter, if non-nil, is
// applied to the result.
func (c *Catalog) ListModels(ctx context.Context, provider string, filter func(core.ModelDescriptor) bool) []core.ModelDescriptor {
	c.mu.RLock()
	var entries []*providerEntry
	if provider != "" {
		if e, ok := c.providers[provider]; ok {
			entries = []*providerEntry{e}
		}
	} else {
		entries = make([]*providerEntry, 0, len(c.providers))
		for _, id := range c.order {
			entries = append(entries, c.providers[id])
		}
	}
	c.mu.RUnlock()

	var out []core.ModelDescriptor
	for _, e := range entries {
		for _, d := range c.serve(ctx, e) {
			if filter == nil || filter(d) {
				out = append(out, d)
			}
		}
	}
	return out
}

// GetModel looks up a model by canonical id. If provider is empty, providers
// are scanned in the declared tie-break order and the first match wins.
func (c *Catalog) GetModel(ctx context.Context, modelID, provider string) (core.ModelDescriptor, error) {
	for _, d := range c.ListModels(ctx, provider, nil) {
		if d.ID == modelID {
			return d, nil
		}
	}
	return core.ModelDescriptor{}, fmt.Errorf("model %q: %w", modelID, core.ErrNotFound)
}

// ResolveProvider inspects a model id's prefix (e.g. "openai/gpt-4") and
// consults the cache to find which provider serves it; falls back to a
// catalog scan in tie-break order for bare (unprefixed) ids.
func (c *Catalog) ResolveProvider(ctx context.Context, modelID string) (string, error) {
	for i := 0; i < len(modelID); i++ {
		if modelID[i] == '/' {
			prefix := modelID[:i]
			c.mu.RLock()
			_, ok := c.providers[prefix]
			c.mu.RUnlock()
			if ok {
				return prefix, nil
			}
			break
		}
	}
	d, err := c.GetModel(ctx, modelID, "")
	if err != nil {
		return "", fmt.Errorf("resolve provider for %q: %w", modelID, core.ErrNotFound)
	}
	return d.Provider, nil
}

// Price returns the per-token prompt/completion price for a model. Returns
// 0/0 (never an error) if the model is unpriced or unknown, per the base
// spec's "price never fails" contract.
func (c *Catalog) Price(ctx context.Context, modelID, provider string) (promptPrice, outputPrice float64) {
	d, err := c.GetModel(ctx, modelID, provider)
	if err != nil {
		return 0, 0
	}
	return d.PromptPriceUSD, d.OutputPriceUSD
}

// serve implements the fresh / serve-stale-while-refresh / single-flight-or-
// fallback tiering described by the catalog's caching protocol.
func (c *Catalog) serve(ctx context.Context, e *providerEntry) []core.ModelDescriptor {
	slot := e.slot.Load()
	age := time.Since(slot.lastSuccess)

	switch {
	case !slot.lastSuccess.IsZero() && age < e.ttlFresh:
		return slot.descriptors
	case !slot.lastSuccess.IsZero() && age < e.ttlStale:
		// Serve stale immediately; enqueue a background refresh.
		go func() {
			bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := c.refresh(bgCtx, e.id); err != nil {
				slog.LogAttrs(bgCtx, slog.LevelWarn, "catalog background refresh failed",
					slog.String("provider", e.id), slog.String("error", err.Error()))
			}
		}()
		return slot.descriptors
	default:
		fresh, err := c.refresh(ctx, e.id)
		if err != nil {
			return e.fallback
		}
		return fresh
	}
}

// refresh performs a single-flight-coalesced fetch for provider id, swapping
// in a new immutable slot on success. On failure the slot's lastAttempt is
// updated but lastSuccess is left untouched, so staleness accounting survives
// a failed refresh.
func (c *Catalog) refresh(ctx context.Context, id string) ([]core.ModelDescriptor, error) {
	v, err, _ := c.group.Do(id, func() (any, error) {
		c.mu.RLock()
		e := c.providers[id]
		c.mu.RUnlock()
		if e == nil {
			return nil, fmt.Errorf("catalog: unknown provider %q", id)
		}

		prev := e.slot.Load()
		descriptors, fetchErr := e.fetcher.FetchModels(ctx)
		now := time.Now()
		if fetchErr != nil {
			e.slot.Store(&providerSlot{
				descriptors: prev.descriptors,
				lastSuccess: prev.lastSuccess,
				lastAttempt: now,
				neverFresh:  prev.neverFresh,
			})
			return nil, fetchErr
		}

		e.slot.Store(&providerSlot{
			descriptors: descriptors,
			lastSuccess: now,
			lastAttempt: now,
			neverFresh:  false,
		})
		return descriptors, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.ModelDescriptor), nil
}

// --- model routing (alias -> provider targets, with failover neighbours) ---

// ResolvedTarget is a provider/model pair with a priority for failover ordering.
type ResolvedTarget struct {
	ProviderID string
	Model      string
	Priority   int
}

// Router resolves model aliases to concrete provider/model pairs using the
// route store, caching resolved targets to avoid repeated JSON unmarshalling
// on the hot path. Grounded on the teacher's RouterService.
type Router struct {
	routeStore storage.RouteStore
	cache      sync.Map // model -> []ResolvedTarget
}

// NewRouter returns a Router backed by the given route store.
func NewRouter(routes storage.RouteStore) *Router {
	return &Router{routeStore: routes}
}

// ResolveModel maps a model alias to an ordered list of targets sorted by
// priority (ascending). If no route is found for the alias, or the route has
// no targets, an error is returned.
func (r *Router) ResolveModel(ctx context.Context, model string) ([]ResolvedTarget, error) {
	if cached, ok := r.cache.Load(model); ok {
		return cached.([]ResolvedTarget), nil
	}

	route, err := r.routeStore.GetRouteByAlias(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", model, err)
	}

	var targets []core.RouteTarget
	if err := json.Unmarshal(route.Targets, &targets); err != nil {
		return nil, fmt.Errorf("parse route targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("route %q has no targets", model)
	}

	resolved := make([]ResolvedTarget, len(targets))
	for i, t := range targets {
		resolved[i] = ResolvedTarget{ProviderID: t.ProviderID, Model: t.Model, Priority: t.Priority}
	}
	slices.SortStableFunc(resolved, func(a, b ResolvedTarget) int { return a.Priority - b.Priority })

	r.cache.Store(model, resolved)
	return resolved, nil
}
