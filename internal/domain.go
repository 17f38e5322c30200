// Package core defines domain types and interfaces for the creditgate LLM
// core. This package has no project imports -- it is the dependency root.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// Type returns the adapter family ("openai", "anthropic", "gemini", "ollama").
	Type() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *NormalizedRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *NormalizedRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// Dialect identifies the wire format a request or response is expressed in.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectUnified   Dialect = "unified"
)

// NormalizedRequest is the dialect-neutral chat completion request that
// flows from the Transformer into the Failover Engine and Provider Adapters.
// Constructed once per request and discarded after the request completes.
type NormalizedRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	System           string          `json:"-"` // hoisted system prompt (Anthropic shape)
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	MaxTokensDefault bool            `json:"-"` // true if Transformer substituted a default
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`

	// Dialect, SessionID, ProviderHint and RequestID are set by
	// Admission/Transformer and consumed by the Failover Engine; they never
	// reach an upstream provider.
	Dialect      Dialect `json:"-"`
	SessionID    string  `json:"-"`
	ProviderHint string  `json:"-"`
	RequestID    string  `json:"-"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a single chat turn in the OpenAI wire shape. Content is
// kept as raw JSON because it may be a plain string or a typed block array.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics. ReasoningTokens is non-zero only
// for models that surface a separate reasoning/thinking token count.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, OpenAI chunk shape regardless of upstream dialect
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Multi-tenant identity ---

// TrialState enumerates where a Principal sits in its trial lifecycle.
type TrialState string

const (
	TrialNotStarted TrialState = "not_started"
	TrialActive     TrialState = "active"
	TrialExpired    TrialState = "expired"
	TrialConverted  TrialState = "converted"
)

// Plan describes the rate ceilings and model allowlist attached to a
// Principal. A zero value for any *PerMin/*PerHour/*PerDay field means that
// window is unlimited.
type Plan struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	RequestsPerMin        int64    `json:"requests_per_min"`
	RequestsPerHour       int64    `json:"requests_per_hour"`
	RequestsPerDay        int64    `json:"requests_per_day"`
	TokensPerMin          int64    `json:"tokens_per_min"`
	TokensPerHour         int64    `json:"tokens_per_hour"`
	TokensPerDay          int64    `json:"tokens_per_day"`
	AllowedModels         []string `json:"allowed_models,omitempty"` // nil = all models
	MaxConcurrentSessions int      `json:"max_concurrent_sessions"`  // 0 = unlimited
}

// Principal is an authenticated tenant with a credit balance. Balance is the
// only field core mutates, and only via Metering's conditional debit.
type Principal struct {
	ID                 string     `json:"id"`
	BalanceUSD         float64    `json:"balance_usd"`
	Plan               *Plan      `json:"plan,omitempty"`
	TrialState         TrialState `json:"trial_state"`
	TrialDeadline      *time.Time `json:"trial_deadline,omitempty"`
	TrialTokenCap      int64      `json:"trial_token_cap,omitempty"`
	TrialTokensUsed    int64      `json:"trial_tokens_used,omitempty"`
	IsActive           bool       `json:"is_active"`
	HasMadeFirstPurchase bool     `json:"has_made_first_purchase"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Credential is an opaque bearer token bound to exactly one Principal.
// The plaintext is never persisted; only KeyHash is used for lookup.
type Credential struct {
	ID              string     `json:"id"`
	KeyHash         string     `json:"-"`
	KeyPrefix       string     `json:"key_prefix"` // first chars for display, encodes env tag
	PrincipalID     string     `json:"principal_id"`
	Scope           Permission `json:"-"`
	AllowedModels   []string   `json:"allowed_models,omitempty"` // nil = defer to Plan.AllowedModels
	IPAllowlist     []string   `json:"ip_allowlist,omitempty"`
	ReferrerAllow   []string   `json:"referrer_allowlist,omitempty"`
	MaxRequests     int64      `json:"max_requests,omitempty"` // lifetime cap, 0 = unlimited
	RequestCount    int64      `json:"request_count"`
	IsPrimary       bool       `json:"is_primary"`
	IsActive        bool       `json:"is_active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AdmissionToken is the authenticated caller context attached to the request
// context once Admission succeeds. It bundles the resolved Principal, the
// Credential used, the allowed scope, and the request id for this call.
type AdmissionToken struct {
	RequestID   string      `json:"request_id"`
	Principal   *Principal  `json:"-"`
	Credential  *Credential `json:"-"`
	Scope       Permission  `json:"-"`
	PriceSnapshot PriceSnapshot `json:"-"` // catalog price captured at admission time
}

// Can reports whether the token's scope includes the given permission.
func (t *AdmissionToken) Can(p Permission) bool { return t.Scope&p == p }

// IsModelAllowed reports whether the bound credential may use the given
// model. A credential-level allowlist takes precedence; absent that, the
// principal's plan allowlist applies; absent both, every model is allowed.
func (t *AdmissionToken) IsModelAllowed(model string) bool {
	allowed := t.Credential.AllowedModels
	if allowed == nil && t.Principal != nil && t.Principal.Plan != nil {
		allowed = t.Principal.Plan.AllowedModels
	}
	if allowed == nil {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// PriceSnapshot freezes a model's per-token pricing at admission time so that
// mid-flight catalog price changes cannot affect an in-progress request.
type PriceSnapshot struct {
	Model           string
	Provider        string
	PromptPriceUSD  float64 // per token
	OutputPriceUSD  float64 // per token
}

// --- RBAC ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermUseModels       Permission = 1 << iota // call /v1/chat/completions, /v1/messages, /v1/responses
	PermManageOwnKeys                          // create/delete own credentials
	PermViewOwnUsage                           // view own usage stats
	PermViewAllUsage                           // view org-wide usage
	PermManageAllKeys                          // manage any credential
	PermManageProviders                        // configure upstream providers
	PermManageRoutes                           // configure model routing
	PermManageOrgs                              // manage principals
)

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin":           PermUseModels | PermManageOwnKeys | PermViewOwnUsage | PermViewAllUsage | PermManageAllKeys | PermManageProviders | PermManageRoutes | PermManageOrgs,
	"member":          PermUseModels | PermManageOwnKeys | PermViewOwnUsage,
	"viewer":          PermViewOwnUsage | PermViewAllUsage,
	"service_account": PermUseModels,
}

// --- Catalog / routing ---

// ModelDescriptor is the normalized projection of one upstream model,
// exclusively owned and refreshed by the Catalog.
type ModelDescriptor struct {
	ID              string   `json:"id"` // canonical slug, e.g. "openai/gpt-4"
	DisplayName     string   `json:"display_name"`
	Provider        string   `json:"provider"`
	Streaming       bool     `json:"streaming"`
	Images          bool     `json:"images"`
	Tools           bool     `json:"tools"`
	ContextWindow   int      `json:"context_window"`
	PromptPriceUSD  float64  `json:"prompt_price_usd"`  // per token
	OutputPriceUSD  float64  `json:"output_price_usd"`  // per token
	Tags            []string `json:"tags,omitempty"`
	SourceGateway   string   `json:"source_gateway,omitempty"`
}

// ProviderBinding is the process-lifetime configuration for one upstream
// provider: where it lives, how it authenticates, and its health counters.
type ProviderBinding struct {
	ID          string `json:"id"`
	BaseURL     string `json:"base_url"`
	AdapterKind string `json:"adapter_kind"` // "openai", "anthropic", "gemini", "ollama"
	Priority    int    `json:"priority"`
	Weight      int    `json:"weight"`
	Enabled     bool   `json:"enabled"`
	MaxRPS      int    `json:"max_rps"`
	TimeoutMs   int    `json:"timeout_ms"`
	// VirtualKeyOverrides maps a sub_provider hint to a downstream provider id,
	// for upstream gateways that themselves proxy to many providers.
	VirtualKeyOverrides map[string]string `json:"virtual_key_overrides,omitempty"`
}

// Route maps a model alias to an ordered set of provider targets (the
// "neighbour set" the Failover Engine falls back across).
type Route struct {
	ID         string          `json:"id"`
	ModelAlias string          `json:"model_alias"`
	Targets    json.RawMessage `json:"targets"` // []RouteTarget as JSON
	Strategy   string          `json:"strategy"`
	CacheTTLs  int             `json:"cache_ttl_s"`
}

// RouteTarget is a single target within a route.
type RouteTarget struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
	Priority   int    `json:"priority"`
	Weight     int    `json:"weight"`
}

// --- Failover bookkeeping ---

// AttemptOutcome classifies how a single provider attempt concluded.
type AttemptOutcome string

const (
	OutcomeOK               AttemptOutcome = "ok"
	OutcomeAuth             AttemptOutcome = "auth"
	OutcomeNotFound         AttemptOutcome = "not_found"
	OutcomeRateLimited      AttemptOutcome = "rate_limited"
	OutcomeTransient        AttemptOutcome = "transient"
	OutcomeTransientPostCommit AttemptOutcome = "transient-post-commit"
	OutcomePermanent        AttemptOutcome = "permanent"
	OutcomeTimeout          AttemptOutcome = "timeout"
	OutcomeUnknown          AttemptOutcome = "unknown"
)

// ProviderAttempt records one provider dispatch within a request's failover
// chain. The Failover Engine owns this list exclusively.
type ProviderAttempt struct {
	RequestID  string         `json:"request_id"`
	ProviderID string         `json:"provider_id"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Outcome    AttemptOutcome `json:"outcome"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// --- Metering / ledger ---

// UsageRecord represents a single priced API usage event, produced once per
// successful request by Metering.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	PrincipalID      string    `json:"principal_id"`
	CredentialID     string    `json:"credential_id"`
	Model            string    `json:"model"`
	ProviderID       string    `json:"provider_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ReasoningTokens  int       `json:"reasoning_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	PostDebt         bool      `json:"post_debt"` // true if balance was clamped to 0
	Cached           bool      `json:"cached"`
	LatencyFirstMs   int       `json:"latency_first_ms"`
	LatencyTotalMs   int       `json:"latency_total_ms"`
	StatusCode       int       `json:"status_code"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreditTransactionType enumerates ledger entry kinds.
type CreditTransactionType string

const (
	TxnUsage    CreditTransactionType = "usage"
	TxnPurchase CreditTransactionType = "purchase"
	TxnRefund   CreditTransactionType = "refund"
	TxnBonus    CreditTransactionType = "bonus"
	TxnPromo    CreditTransactionType = "promo"
)

// CreditTransaction is an append-only ledger entry for a Principal. Metering
// is the only component permitted to append entries of type usage.
type CreditTransaction struct {
	ID          string                `json:"id"`
	PrincipalID string                `json:"principal_id"`
	AmountUSD   float64               `json:"amount_usd"` // signed: negative for debits
	Type        CreditTransactionType `json:"type"`
	Reference   string                `json:"reference,omitempty"` // request id, payment id, referral id
	PostDebt    bool                  `json:"post_debt"`
	CreatedAt   time.Time             `json:"created_at"`
}

// --- Sessions ---

// ChatSession is a persisted ordered message log tied to a Principal.
type ChatSession struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Title       string    `json:"title,omitempty"`
	Model       string    `json:"model"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionMessage is one turn in a ChatSession. Named distinctly from Message
// (the wire-level chat turn) because it additionally carries session
// linkage, a token count, and an append-time timestamp.
type SessionMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"` // for idempotent append dedupe
	Role      string          `json:"role"`        // system | user | assistant | tool
	Content   json.RawMessage `json:"content"`
	Tokens    int             `json:"tokens"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The AdmissionToken field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue +
// Request.WithContext.
type requestMeta struct {
	RequestID string
	Token     *AdmissionToken
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// TokenFromContext extracts the authenticated admission token from context.
func TokenFromContext(ctx context.Context) *AdmissionToken {
	if m := metaFromContext(ctx); m != nil {
		return m.Token
	}
	return nil
}

// ContextWithToken stores the token in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithToken(ctx context.Context, t *AdmissionToken) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Token = t
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Token: t})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// CredentialPrefixLive and CredentialPrefixTest encode the environment tag
// advisorily; Admission always consults the Credential store regardless.
const (
	CredentialPrefixLive = "cg_live_"
	CredentialPrefixTest = "cg_test_"
)

// HashCredential returns the hex-encoded SHA-256 hash of a raw bearer token.
func HashCredential(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the admission token.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*AdmissionToken, error)
}
