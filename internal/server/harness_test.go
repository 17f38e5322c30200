package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/admission"
	"github.com/creditgate/creditgate/internal/catalog"
	"github.com/creditgate/creditgate/internal/circuitbreaker"
	"github.com/creditgate/creditgate/internal/failover"
	"github.com/creditgate/creditgate/internal/metering"
	"github.com/creditgate/creditgate/internal/provider"
	"github.com/creditgate/creditgate/internal/session"
	"github.com/creditgate/creditgate/internal/telemetry"
	"github.com/creditgate/creditgate/internal/testutil"
	"github.com/creditgate/creditgate/internal/tokencount"
	"github.com/creditgate/creditgate/internal/worker"
)

// fetcherFunc adapts a plain function into a catalog.Fetcher.
type fetcherFunc func(ctx context.Context) ([]core.ModelDescriptor, error)

func (f fetcherFunc) FetchModels(ctx context.Context) ([]core.ModelDescriptor, error) { return f(ctx) }

// testHarness bundles the pieces needed to build a server.Deps against an
// in-memory store, and the bearer token for a seeded admin principal.
// t is testing.TB so the same harness serves both *testing.T tests and
// *testing.B benchmarks.
type testHarness struct {
	t     testing.TB
	store *testutil.FakeStore
	reg   *provider.Registry
	cat   *catalog.Catalog

	Token string
}

// newTestHarness returns a harness with an empty provider registry and a
// single seeded principal (large balance, admin scope, no plan limits).
// testHarnessToken is the bearer token seeded for the harness's admin
// principal; shared with server_bench_test.go's newTestHandler.
const testHarnessToken = "cg_test_harness_token"

func newTestHarness(t testing.TB) *testHarness {
	t.Helper()
	store := testutil.NewFakeStore()

	const rawToken = testHarnessToken
	principal := &core.Principal{
		ID:         "principal-1",
		BalanceUSD: 1000,
		IsActive:   true,
		TrialState: core.TrialConverted,
	}
	if err := store.CreatePrincipal(context.Background(), principal); err != nil {
		t.Fatalf("seed principal: %v", err)
	}
	cred := &core.Credential{
		ID:          "cred-1",
		KeyHash:     core.HashCredential(rawToken),
		PrincipalID: principal.ID,
		Scope:       core.RolePermissions["admin"],
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	return &testHarness{
		t:     t,
		store: store,
		reg:   provider.NewRegistry(),
		cat:   catalog.New(),
		Token: rawToken,
	}
}

// registerProvider registers p under name, backing both the failover registry
// and the model catalog, and seeds a route mapping modelAlias to it.
func (h *testHarness) registerProvider(name, modelAlias string, p core.Provider) {
	h.t.Helper()
	h.reg.Register(name, p)
	h.cat.Register(name, fetcherFunc(func(ctx context.Context) ([]core.ModelDescriptor, error) {
		ids, err := p.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]core.ModelDescriptor, len(ids))
		for i, id := range ids {
			out[i] = core.ModelDescriptor{ID: id, Provider: name, Streaming: true}
		}
		return out, nil
	}), nil, time.Minute, time.Minute)
	h.store.AddRoute(&core.Route{
		ID:         "route-" + modelAlias,
		ModelAlias: modelAlias,
		Targets:    []byte(`[{"provider_id":"` + name + `","model":"` + modelAlias + `","priority":1}]`),
		Strategy:   "priority",
	})
}

// setBalance overwrites the seeded principal's balance.
func (h *testHarness) setBalance(usd float64) {
	p, err := h.store.GetPrincipal(context.Background(), "principal-1")
	if err != nil {
		h.t.Fatalf("get principal: %v", err)
	}
	p.BalanceUSD = usd
}

// setPlan overwrites the seeded principal's plan.
func (h *testHarness) setPlan(plan *core.Plan) {
	p, err := h.store.GetPrincipal(context.Background(), "principal-1")
	if err != nil {
		h.t.Fatalf("get principal: %v", err)
	}
	p.Plan = plan
}

// build constructs an http.Handler wired against the harness's store,
// providers, and catalog, optionally customizing Deps via fn.
func (h *testHarness) build(fn func(*Deps)) http.Handler {
	h.t.Helper()

	admitter, err := admission.New(h.store, h.store, 0)
	if err != nil {
		h.t.Fatalf("build admitter: %v", err)
	}
	router := catalog.NewRouter(h.store)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	engine := failover.New(h.reg, router, nil, breakers)

	usageRecorder := worker.NewUsageRecorder(h.store)
	meter := metering.New(h.store, h.store, h.store, usageRecorder)
	sessions := session.New(h.store)

	deps := Deps{
		Admission:    admitter,
		Engine:       engine,
		Catalog:      h.cat,
		Sessions:     sessions,
		Meter:        meter,
		TokenCounter: tokencount.NewCounter(),
	}
	if fn != nil {
		fn(&deps)
	}
	return New(deps)
}

func newTestMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}
