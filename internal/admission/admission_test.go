package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/testutil"
)

func newTestAdmitter(t *testing.T) (*Admitter, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	a, err := New(store, store, 5.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, store
}

func seedPrincipal(store *testutil.FakeStore, id string, balance float64) *core.Principal {
	p := &core.Principal{
		ID:         id,
		BalanceUSD: balance,
		IsActive:   true,
		TrialState: core.TrialNotStarted,
		CreatedAt:  time.Now(),
	}
	store.AddPrincipal(p)
	return p
}

func seedCredential(store *testutil.FakeStore, raw, principalID string) *core.Credential {
	c := &core.Credential{
		ID:          "cred-" + principalID,
		KeyHash:     core.HashCredential(raw),
		KeyPrefix:   raw[:len(core.CredentialPrefixLive)+4],
		PrincipalID: principalID,
		Scope:       core.RolePermissions["member"],
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	store.AddCredential(c)
	return c
}

func reqWithAuth(raw string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if raw != "" {
		r.Header.Set("Authorization", "Bearer "+raw)
	}
	return r
}

func TestAdmit_MissingAuthHeader(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdmitter(t)
	_, err := a.Admit(t.Context(), reqWithAuth(""))
	if err != core.ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAdmit_BadPrefix(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdmitter(t)
	_, err := a.Admit(t.Context(), reqWithAuth("not_a_valid_prefix_token"))
	if err != core.ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAdmit_UnknownCredential(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdmitter(t)
	_, err := a.Admit(t.Context(), reqWithAuth(core.CredentialPrefixLive+"nope"))
	if err != core.ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAdmit_HappyPath(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "abc123"
	seedPrincipal(store, "p1", 10.0)
	seedCredential(store, raw, "p1")

	token, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if token.Principal.ID != "p1" {
		t.Fatalf("principal = %q, want p1", token.Principal.ID)
	}
	if !token.Can(core.PermUseModels) {
		t.Fatalf("token should carry PermUseModels")
	}
}

func TestAdmit_CredentialBlocked(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "blocked"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.IsActive = false

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrCredentialBlocked {
		t.Fatalf("err = %v, want ErrCredentialBlocked", err)
	}
}

func TestAdmit_CredentialExpired(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "expired"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	past := time.Now().Add(-time.Hour)
	c.ExpiresAt = &past

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrCredentialExpired {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestAdmit_MaxRequestsExceeded(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "capped"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.MaxRequests = 5
	c.RequestCount = 5

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrCredentialBlocked {
		t.Fatalf("err = %v, want ErrCredentialBlocked", err)
	}
}

func TestAdmit_IPNotAllowed(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "ipcheck"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.IPAllowlist = []string{"10.0.0.1"}

	r := reqWithAuth(raw)
	r.RemoteAddr = "203.0.113.9:1234"
	_, err := a.Admit(t.Context(), r)
	if err != core.ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestAdmit_IPAllowed(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "ipcheck2"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.IPAllowlist = []string{"203.0.113.9"}

	r := reqWithAuth(raw)
	r.RemoteAddr = "203.0.113.9:1234"
	if _, err := a.Admit(t.Context(), r); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmit_ReferrerNotAllowed(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "refcheck"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.ReferrerAllow = []string{"*.example.com"}

	r := reqWithAuth(raw)
	r.Header.Set("Referer", "https://evil.com/page")
	_, err := a.Admit(t.Context(), r)
	if err != core.ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestAdmit_ReferrerWildcardAllowed(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "refcheck2"
	seedPrincipal(store, "p1", 10.0)
	c := seedCredential(store, raw, "p1")
	c.ReferrerAllow = []string{"*.example.com"}

	r := reqWithAuth(raw)
	r.Header.Set("Referer", "https://app.example.com/page")
	if _, err := a.Admit(t.Context(), r); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmit_TrialExpired(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "trialexp"
	p := seedPrincipal(store, "p1", 10.0)
	p.TrialState = core.TrialExpired
	seedCredential(store, raw, "p1")

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrTrialExhausted {
		t.Fatalf("err = %v, want ErrTrialExhausted", err)
	}
}

func TestAdmit_TrialTokenCapExceeded(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "trialcap"
	p := seedPrincipal(store, "p1", 10.0)
	p.TrialState = core.TrialActive
	deadline := time.Now().Add(time.Hour)
	p.TrialDeadline = &deadline
	p.TrialTokenCap = 100
	p.TrialTokensUsed = 100
	seedCredential(store, raw, "p1")

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrTrialExhausted {
		t.Fatalf("err = %v, want ErrTrialExhausted", err)
	}
}

func TestAdmit_PrincipalInactive(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "inactive"
	p := seedPrincipal(store, "p1", 10.0)
	p.IsActive = false
	seedCredential(store, raw, "p1")

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestAdmit_InsufficientCredits(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "poor"
	// minBalance floor is 5.0; a principal below the floor is refused.
	seedPrincipal(store, "p1", 4.0)
	seedCredential(store, raw, "p1")

	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrInsufficientCredits {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestAdmit_AtBalanceFloorAdmitted(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "floor"
	// Exactly at the floor should still be admitted (boundary per §8).
	seedPrincipal(store, "p1", 5.0)
	seedCredential(store, raw, "p1")

	if _, err := a.Admit(t.Context(), reqWithAuth(raw)); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmit_RateLimitedShortWindow(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "rl"
	p := seedPrincipal(store, "p1", 10.0)
	p.Plan = &core.Plan{ID: "pl1", RequestsPerMin: 1}
	seedCredential(store, raw, "p1")

	if _, err := a.Admit(t.Context(), reqWithAuth(raw)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestAdmit_PlanLimitExceededDailyWindow(t *testing.T) {
	t.Parallel()
	a, store := newTestAdmitter(t)
	raw := core.CredentialPrefixLive + "planlimit"
	p := seedPrincipal(store, "p1", 10.0)
	p.Plan = &core.Plan{ID: "pl1", RequestsPerDay: 1}
	seedCredential(store, raw, "p1")

	if _, err := a.Admit(t.Context(), reqWithAuth(raw)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := a.Admit(t.Context(), reqWithAuth(raw))
	if err != core.ErrPlanLimitExceeded {
		t.Fatalf("err = %v, want ErrPlanLimitExceeded", err)
	}
}
