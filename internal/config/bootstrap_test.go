package config

import (
	"context"
	"testing"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Providers: []ProviderEntry{
			{
				Name:      "openai",
				BaseURL:   "https://api.openai.com/v1",
				APIKey:    "sk-test",
				Models:    []string{"gpt-4o"},
				Priority:  1,
				Weight:    1,
				TimeoutMs: 30000,
			},
		},
		Routes: []RouteEntry{
			{
				ModelAlias: "gpt-4o",
				Targets:    []TargetEntry{{Provider: "openai", Model: "gpt-4o", Priority: 1}},
				Strategy:   "priority",
			},
		},
		Keys: []KeyEntry{
			{
				Name:  "test-key",
				Key:   "gnd_testkey123456",
				OrgID: "default",
				Role:  "admin",
			},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	binding, err := store.GetProviderBinding(ctx, "openai")
	if err != nil {
		t.Fatal("get provider binding:", err)
	}
	if binding.AdapterKind != "openai" {
		t.Errorf("adapter kind = %q, want %q", binding.AdapterKind, "openai")
	}

	route, err := store.GetRouteByAlias(ctx, "gpt-4o")
	if err != nil {
		t.Fatal("get route:", err)
	}
	if route.Strategy != "priority" {
		t.Errorf("route strategy = %q, want %q", route.Strategy, "priority")
	}

	hash := core.HashCredential(core.CredentialPrefixTest + "gnd_testkey123456")
	cred, err := store.GetCredentialByHash(ctx, hash)
	if err != nil {
		t.Fatal("get credential:", err)
	}
	if cred.Scope != core.RolePermissions["admin"] {
		t.Errorf("credential scope = %v, want admin scope %v", cred.Scope, core.RolePermissions["admin"])
	}

	principal, err := store.GetPrincipal(ctx, cred.PrincipalID)
	if err != nil {
		t.Fatal("get principal:", err)
	}
	if principal.ID != "default" {
		t.Errorf("principal id = %q, want %q", principal.ID, "default")
	}
	if principal.BalanceUSD != defaultSeedBalanceUSD {
		t.Errorf("principal balance = %v, want %v", principal.BalanceUSD, defaultSeedBalanceUSD)
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}

	bindings, err := store.ListProviderBindings(ctx)
	if err != nil {
		t.Fatal("list provider bindings:", err)
	}
	if len(bindings) != 1 {
		t.Errorf("provider binding count after second bootstrap = %d, want 1", len(bindings))
	}

	routes, err := store.ListRoutes(ctx)
	if err != nil {
		t.Fatal("list routes:", err)
	}
	if len(routes) != 1 {
		t.Errorf("route count after second bootstrap = %d, want 1", len(routes))
	}

	creds, err := store.ListCredentials(ctx, "default")
	if err != nil {
		t.Fatal("list credentials:", err)
	}
	if len(creds) != 1 {
		t.Errorf("credential count after second bootstrap = %d, want 1", len(creds))
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{Name: "empty", Key: "", OrgID: "default"},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	creds, err := store.ListCredentials(ctx, "default")
	if err != nil {
		t.Fatal("list credentials:", err)
	}
	if len(creds) != 0 {
		t.Errorf("credential count = %d, want 0 (empty key should be skipped)", len(creds))
	}
}
