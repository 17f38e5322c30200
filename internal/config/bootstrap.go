package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
)

// defaultSeedBalanceUSD is the starter credit given to a principal created
// from a config-seeded key. Seed keys are a bootstrap/dev convenience, not
// the production top-up path, so a generous default avoids every fresh
// deployment tripping ErrInsufficientCredits before an operator has wired
// real billing.
const defaultSeedBalanceUSD = 100.0

// Bootstrap seeds provider bindings, routes, and API keys from the config
// file into store on first run. Existing rows are left untouched, so
// Bootstrap is safe to call on every startup.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := bootstrapProviders(ctx, cfg, store); err != nil {
		return err
	}
	if err := bootstrapRoutes(ctx, cfg, store); err != nil {
		return err
	}
	return bootstrapKeys(ctx, cfg, store)
}

func bootstrapProviders(ctx context.Context, cfg *Config, store storage.Store) error {
	existing, err := store.ListProviderBindings(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.ID] = true
	}

	for _, p := range cfg.Providers {
		if seen[p.Name] {
			continue
		}
		binding := &core.ProviderBinding{
			ID:          p.Name,
			BaseURL:     p.BaseURL,
			AdapterKind: p.ResolvedType(),
			Priority:    p.Priority,
			Weight:      max(1, p.Weight),
			Enabled:     p.IsEnabled(),
			MaxRPS:      p.MaxRPS,
			TimeoutMs:   max(5000, p.TimeoutMs),
		}
		if err := store.CreateProviderBinding(ctx, binding); err != nil {
			return err
		}
		slog.Info("bootstrapped provider binding", slog.String("id", binding.ID), slog.String("adapter", binding.AdapterKind))
	}
	return nil
}

func bootstrapRoutes(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, r := range cfg.Routes {
		if existing, err := store.GetRouteByAlias(ctx, r.ModelAlias); err == nil && existing != nil {
			continue
		}
		targets, err := json.Marshal(r.Targets)
		if err != nil {
			return err
		}
		route := &core.Route{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ModelAlias: r.ModelAlias,
			Targets:    targets,
			Strategy:   r.Strategy,
			CacheTTLs:  r.CacheTTLs,
		}
		if err := store.CreateRoute(ctx, route); err != nil {
			return err
		}
		slog.Info("bootstrapped route", slog.String("alias", r.ModelAlias))
	}
	return nil
}

// bootstrapKeys seeds one Principal and one primary Credential per
// config-file key entry, keyed by OrgID so multiple KeyEntry rows sharing
// an org_id land on the same Principal. Plaintext keys not already tagged
// with a credential prefix are tagged as test keys, since a config-seeded
// key is a development convenience rather than the production issuance
// path (which always mints cg_live_/cg_test_ keys directly).
func bootstrapKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	principals := make(map[string]*core.Principal)

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		raw := k.Key
		if !hasCredentialPrefix(raw) {
			raw = core.CredentialPrefixTest + raw
		}
		hash := core.HashCredential(raw)

		if existing, err := store.GetCredentialByHash(ctx, hash); err == nil && existing != nil {
			continue
		}

		orgID := k.OrgID
		if orgID == "" {
			orgID = uuid.Must(uuid.NewV7()).String()
		}
		principal, ok := principals[orgID]
		if !ok {
			if p, err := store.GetPrincipal(ctx, orgID); err == nil && p != nil {
				principal = p
			} else {
				principal = &core.Principal{
					ID:         orgID,
					BalanceUSD: defaultSeedBalanceUSD,
					TrialState: core.TrialNotStarted,
					IsActive:   true,
					CreatedAt:  time.Now().UTC(),
				}
				if err := store.CreatePrincipal(ctx, principal); err != nil {
					return err
				}
				slog.Info("bootstrapped principal", slog.String("id", principal.ID))
			}
			principals[orgID] = principal
		}

		role := k.Role
		if role == "" {
			role = "member"
		}
		scope, ok := core.RolePermissions[role]
		if !ok {
			scope = core.RolePermissions["member"]
		}

		prefix := raw
		if len(prefix) > 16 {
			prefix = prefix[:16]
		}

		cred := &core.Credential{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			PrincipalID:   principal.ID,
			Scope:         scope,
			AllowedModels: k.AllowedModels,
			IsPrimary:     true,
			IsActive:      true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateCredential(ctx, cred); err != nil {
			return err
		}
		slog.Info("bootstrapped credential", slog.String("name", k.Name), slog.String("prefix", prefix), slog.String("principal_id", principal.ID))
	}
	return nil
}

func hasCredentialPrefix(raw string) bool {
	return len(raw) >= len(core.CredentialPrefixLive) &&
		(raw[:len(core.CredentialPrefixLive)] == core.CredentialPrefixLive ||
			raw[:len(core.CredentialPrefixTest)] == core.CredentialPrefixTest)
}
