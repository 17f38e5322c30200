// Package storage defines persistence interfaces for the gateway core.
package storage

import (
	"context"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// CredentialStore manages credential persistence.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *core.Credential) error
	GetCredentialByHash(ctx context.Context, hash string) (*core.Credential, error)
	ListCredentials(ctx context.Context, principalID string) ([]*core.Credential, error)
	UpdateCredential(ctx context.Context, cred *core.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	TouchCredentialUsed(ctx context.Context, id string) error
}

// PrincipalStore manages principal (tenant) persistence.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *core.Principal) error
	GetPrincipal(ctx context.Context, id string) (*core.Principal, error)
	ListPrincipals(ctx context.Context, offset, limit int) ([]*core.Principal, error)
	UpdatePrincipal(ctx context.Context, p *core.Principal) error
	DeletePrincipal(ctx context.Context, id string) error

	// ConditionalDebit atomically decrements the principal's balance by
	// amountUSD iff the resulting balance would not fall below
	// -maxNegativeUSD (the post-debt ceiling). Returns the balance after the
	// debit and whether the debit was applied.
	ConditionalDebit(ctx context.Context, principalID string, amountUSD, maxNegativeUSD float64) (newBalance float64, applied bool, err error)
	// Credit adds amountUSD to the principal's balance (top-ups, refunds).
	Credit(ctx context.Context, principalID string, amountUSD float64, txType core.CreditTransactionType, reference string) error
}

// ProviderStore manages provider binding configuration persistence.
type ProviderStore interface {
	CreateProviderBinding(ctx context.Context, p *core.ProviderBinding) error
	GetProviderBinding(ctx context.Context, id string) (*core.ProviderBinding, error)
	ListProviderBindings(ctx context.Context) ([]*core.ProviderBinding, error)
	UpdateProviderBinding(ctx context.Context, p *core.ProviderBinding) error
	DeleteProviderBinding(ctx context.Context, id string) error
}

// RouteStore manages route persistence.
type RouteStore interface {
	CreateRoute(ctx context.Context, r *core.Route) error
	GetRouteByAlias(ctx context.Context, alias string) (*core.Route, error)
	ListRoutes(ctx context.Context) ([]*core.Route, error)
	UpdateRoute(ctx context.Context, r *core.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// UsageStore manages usage record and provider attempt persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []core.UsageRecord) error
	InsertAttempts(ctx context.Context, attempts []core.ProviderAttempt) error
	SumUsageCost(ctx context.Context, principalID string, since time.Time) (float64, error)
}

// CreditLedgerStore manages the append-only credit transaction ledger.
type CreditLedgerStore interface {
	InsertTransaction(ctx context.Context, tx *core.CreditTransaction) error
	ListTransactions(ctx context.Context, principalID string, offset, limit int) ([]*core.CreditTransaction, error)
}

// SessionStore manages chat session and message persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *core.ChatSession) error
	GetSession(ctx context.Context, id string) (*core.ChatSession, error)
	ListSessions(ctx context.Context, principalID string, offset, limit int) ([]*core.ChatSession, error)
	DeleteSession(ctx context.Context, id string) error

	// AppendMessages idempotently appends messages keyed by (session_id,
	// request_id); a retried append with the same request_id is a no-op.
	AppendMessages(ctx context.Context, sessionID, requestID string, msgs []core.SessionMessage) error
	ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]core.SessionMessage, error)
}

// Store combines all storage interfaces backing the gateway.
type Store interface {
	CredentialStore
	PrincipalStore
	ProviderStore
	RouteStore
	UsageStore
	CreditLedgerStore
	SessionStore
	Close() error
}
