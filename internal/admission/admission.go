// Package admission authenticates inbound requests, resolves the caller's
// Principal and Credential, and enforces trial, plan, and rate-limit gates
// before a request is allowed to reach the Transformer. Grounded on the
// teacher gateway's internal/auth/apikey.go (credential caching, constant-
// time hash comparison) and internal/ratelimit (bucket-based limiting),
// generalized to the multi-tenant credit model.
package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// cachedCredential pairs a Credential with its owning Principal so a cache
// hit never needs a second store round trip.
type cachedCredential struct {
	cred      *core.Credential
	principal *core.Principal
}

// Admitter authenticates requests and runs the admission pipeline: hash
// lookup, credential validity, principal load, trial validity, plan caps,
// rate limits, and minimum balance, in that order, short-circuiting at the
// first failure per the base spec's precedence rule.
type Admitter struct {
	credentials storage.CredentialStore
	principals  storage.PrincipalStore
	cache       *otter.Cache[string, *cachedCredential]
	limits      *Registry
	minBalance  float64 // principals with BalanceUSD below this floor are denied
}

// New returns an Admitter backed by the given stores. minBalanceUSD is the
// minimum balance floor a principal must hold to be admitted (e.g. enough
// for one max-token request at the model's output price); pass 0 to allow
// any non-negative balance.
func New(credentials storage.CredentialStore, principals storage.PrincipalStore, minBalanceUSD float64) (*Admitter, error) {
	c, err := otter.New(&otter.Options[string, *cachedCredential]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *cachedCredential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create admission cache: %w", err)
	}
	return &Admitter{
		credentials: credentials,
		principals:  principals,
		cache:       c,
		limits:      NewRegistry(),
		minBalance:  minBalanceUSD,
	}, nil
}

// Admit runs the full admission pipeline for r and returns the resulting
// AdmissionToken, or a sentinel error from internal/errors.go describing
// which gate failed.
func (a *Admitter) Admit(ctx context.Context, r *http.Request) (*core.AdmissionToken, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, core.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, core.CredentialPrefixLive) && !strings.HasPrefix(raw, core.CredentialPrefixTest) {
		return nil, core.ErrUnauthorized
	}

	cc, err := a.lookup(ctx, raw)
	if err != nil {
		return nil, err
	}

	if !cc.cred.IsActive {
		return nil, core.ErrCredentialBlocked
	}
	if cc.cred.ExpiresAt != nil && cc.cred.ExpiresAt.Before(time.Now()) {
		a.invalidate(raw)
		return nil, core.ErrCredentialExpired
	}
	if cc.cred.MaxRequests > 0 && cc.cred.RequestCount >= cc.cred.MaxRequests {
		return nil, core.ErrCredentialBlocked
	}
	if len(cc.cred.IPAllowlist) > 0 && !ipAllowed(cc.cred.IPAllowlist, clientIP(r)) {
		return nil, core.ErrForbidden
	}
	if len(cc.cred.ReferrerAllow) > 0 && !referrerAllowed(cc.cred.ReferrerAllow, r.Header.Get("Referer")) {
		return nil, core.ErrForbidden
	}

	p := cc.principal
	if !p.IsActive {
		return nil, core.ErrForbidden
	}

	if p.TrialState == core.TrialActive && p.TrialDeadline != nil && p.TrialDeadline.Before(time.Now()) {
		return nil, core.ErrTrialExhausted
	}
	if p.TrialState == core.TrialExpired {
		return nil, core.ErrTrialExhausted
	}
	if p.TrialTokenCap > 0 && p.TrialTokensUsed >= p.TrialTokenCap {
		return nil, core.ErrTrialExhausted
	}

	var limits Limits
	if p.Plan != nil {
		limits = Limits{
			RequestsPerMin:  p.Plan.RequestsPerMin,
			RequestsPerHour: p.Plan.RequestsPerHour,
			RequestsPerDay:  p.Plan.RequestsPerDay,
			TokensPerMin:    p.Plan.TokensPerMin,
			TokensPerHour:   p.Plan.TokensPerHour,
			TokensPerDay:    p.Plan.TokensPerDay,
		}
	}
	lim := a.limits.GetOrCreate(cc.cred.ID, limits)
	if res := lim.AllowRequest(); !res.Allowed {
		// The daily window models the plan's longer-horizon cap; the 1m/1h
		// windows model burst rate limiting. Same bucket math, distinct
		// sentinel so callers and the wire error taxonomy can tell them apart.
		if res.Window == "24h" {
			return nil, core.ErrPlanLimitExceeded
		}
		return nil, core.ErrRateLimited
	}

	if p.BalanceUSD < a.minBalance {
		return nil, core.ErrInsufficientCredits
	}

	token := &core.AdmissionToken{
		Principal:  p,
		Credential: cc.cred,
		Scope:      cc.cred.Scope,
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.credentials.TouchCredentialUsed(touchCtx, cc.cred.ID)
	}()

	return token, nil
}

// ReserveTokens consumes an estimated token count from the caller's rate
// limiter ahead of dispatch; call AdjustTokens once actual usage is known.
func (a *Admitter) ReserveTokens(credentialID string, estimated int64, limits Limits) Result {
	return a.limits.GetOrCreate(credentialID, limits).ConsumeTokens(estimated)
}

// AdjustTokens corrects a credential's token buckets for the gap between
// estimated and actual usage.
func (a *Admitter) AdjustTokens(credentialID string, limits Limits, delta int64) {
	a.limits.GetOrCreate(credentialID, limits).AdjustTokens(delta)
}

// EvictStale removes per-credential rate limiters untouched since cutoff,
// bounding the limiter registry's memory for credentials that have gone
// quiet or been revoked.
func (a *Admitter) EvictStale(cutoff time.Time) int {
	return a.limits.EvictStale(cutoff)
}

func (a *Admitter) lookup(ctx context.Context, raw string) (*cachedCredential, error) {
	hash := core.HashCredential(raw)

	if cc, ok := a.cache.GetIfPresent(hash); ok {
		return cc, nil
	}

	cred, err := a.credentials.GetCredentialByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrUnauthorized
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(cred.KeyHash), []byte(hash)) != 1 {
		return nil, core.ErrUnauthorized
	}

	principal, err := a.principals.GetPrincipal(ctx, cred.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("load principal %s: %w", cred.PrincipalID, err)
	}

	cc := &cachedCredential{cred: cred, principal: principal}
	a.cache.Set(hash, cc)
	return cc, nil
}

func (a *Admitter) invalidate(raw string) {
	a.cache.Invalidate(core.HashCredential(raw))
}

// clientIP extracts the caller's address, preferring the leftmost
// X-Forwarded-For hop (the original client, when the gateway sits behind a
// trusted proxy) and falling back to the raw RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// ipAllowed reports whether ip matches one of the allowlist entries.
func ipAllowed(allowlist []string, ip string) bool {
	for _, a := range allowlist {
		if a == ip {
			return true
		}
	}
	return false
}

// referrerAllowed reports whether referrer matches one of the allowlist
// entries. An entry may be an exact match or a "*.example.com"-style suffix
// wildcard.
func referrerAllowed(allowlist []string, referrer string) bool {
	if referrer == "" {
		return false
	}
	for _, a := range allowlist {
		if a == referrer {
			return true
		}
		if suffix, ok := strings.CutPrefix(a, "*."); ok && strings.HasSuffix(referrer, suffix) {
			return true
		}
	}
	return false
}
