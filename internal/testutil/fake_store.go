package testutil

import (
	"context"
	"sync"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu           sync.RWMutex
	principals   map[string]*core.Principal
	credentials  map[string]*core.Credential // keyed by hash
	bindings     map[string]*core.ProviderBinding
	routes       map[string]*core.Route
	usage        []core.UsageRecord
	attempts     []core.ProviderAttempt
	transactions []*core.CreditTransaction
	sessions     map[string]*core.ChatSession
	messages     map[string][]core.SessionMessage
	seenAppends  map[string]bool
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		principals:  make(map[string]*core.Principal),
		credentials: make(map[string]*core.Credential),
		bindings:    make(map[string]*core.ProviderBinding),
		routes:      make(map[string]*core.Route),
		sessions:    make(map[string]*core.ChatSession),
		messages:    make(map[string][]core.SessionMessage),
		seenAppends: make(map[string]bool),
	}
}

// AddRoute inserts a route into the fake store.
func (s *FakeStore) AddRoute(r *core.Route) {
	s.mu.Lock()
	s.routes[r.ModelAlias] = r
	s.mu.Unlock()
}

// AddPrincipal seeds a principal directly, bypassing CreatePrincipal.
func (s *FakeStore) AddPrincipal(p *core.Principal) {
	s.mu.Lock()
	s.principals[p.ID] = p
	s.mu.Unlock()
}

// AddCredential seeds a credential directly, keyed by its hash.
func (s *FakeStore) AddCredential(c *core.Credential) {
	s.mu.Lock()
	s.credentials[c.KeyHash] = c
	s.mu.Unlock()
}

// AddSessionMessages seeds a session's transcript directly, bypassing the
// idempotent AppendMessages path.
func (s *FakeStore) AddSessionMessages(sessionID string, msgs []core.SessionMessage) {
	s.mu.Lock()
	s.messages[sessionID] = append(s.messages[sessionID], msgs...)
	s.mu.Unlock()
}

// --- RouteStore ---

func (s *FakeStore) CreateRoute(_ context.Context, r *core.Route) error {
	s.AddRoute(r)
	return nil
}

func (s *FakeStore) GetRouteByAlias(_ context.Context, alias string) (*core.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[alias]
	if !ok {
		return nil, core.ErrNotFound
	}
	return r, nil
}

func (s *FakeStore) ListRoutes(context.Context) ([]*core.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) UpdateRoute(_ context.Context, r *core.Route) error {
	s.mu.Lock()
	s.routes[r.ModelAlias] = r
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteRoute(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, r := range s.routes {
		if r.ID == id {
			delete(s.routes, alias)
			return nil
		}
	}
	return core.ErrNotFound
}

// --- CredentialStore ---

func (s *FakeStore) CreateCredential(_ context.Context, c *core.Credential) error {
	s.mu.Lock()
	s.credentials[c.KeyHash] = c
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetCredentialByHash(_ context.Context, hash string) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[hash]
	if !ok {
		return nil, core.ErrNotFound
	}
	return c, nil
}

func (s *FakeStore) ListCredentials(_ context.Context, principalID string) ([]*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Credential
	for _, c := range s.credentials {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *core.Credential) error {
	s.mu.Lock()
	s.credentials[c.KeyHash] = c
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, c := range s.credentials {
		if c.ID == id {
			delete(s.credentials, hash)
			return nil
		}
	}
	return core.ErrNotFound
}

func (s *FakeStore) TouchCredentialUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.ID == id {
			now := time.Now()
			c.LastUsedAt = &now
			c.RequestCount++
			return nil
		}
	}
	return core.ErrNotFound
}

// --- PrincipalStore ---

func (s *FakeStore) CreatePrincipal(_ context.Context, p *core.Principal) error {
	s.AddPrincipal(p)
	return nil
}

func (s *FakeStore) GetPrincipal(_ context.Context, id string) (*core.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListPrincipals(_ context.Context, offset, limit int) ([]*core.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, p)
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := min(len(out), offset+limit)
	return out[offset:end], nil
}

func (s *FakeStore) UpdatePrincipal(_ context.Context, p *core.Principal) error {
	s.mu.Lock()
	s.principals[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeletePrincipal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.principals, id)
	return nil
}

func (s *FakeStore) ConditionalDebit(_ context.Context, principalID string, amountUSD, maxNegativeUSD float64) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return 0, false, core.ErrNotFound
	}
	if p.BalanceUSD-amountUSD < -maxNegativeUSD {
		return p.BalanceUSD, false, nil
	}
	p.BalanceUSD -= amountUSD
	return p.BalanceUSD, true, nil
}

func (s *FakeStore) Credit(_ context.Context, principalID string, amountUSD float64, txType core.CreditTransactionType, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return core.ErrNotFound
	}
	p.BalanceUSD += amountUSD
	s.transactions = append(s.transactions, &core.CreditTransaction{
		PrincipalID: principalID, AmountUSD: amountUSD, Type: txType,
		Reference: reference, CreatedAt: time.Now(),
	})
	return nil
}

// --- ProviderStore ---

func (s *FakeStore) CreateProviderBinding(_ context.Context, p *core.ProviderBinding) error {
	s.mu.Lock()
	s.bindings[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetProviderBinding(_ context.Context, id string) (*core.ProviderBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.bindings[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListProviderBindings(context.Context) ([]*core.ProviderBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.ProviderBinding, 0, len(s.bindings))
	for _, p := range s.bindings {
		out = append(out, p)
	}
	return out, nil
}

func (s *FakeStore) UpdateProviderBinding(_ context.Context, p *core.ProviderBinding) error {
	s.mu.Lock()
	s.bindings[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) DeleteProviderBinding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.bindings, id)
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []core.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) InsertAttempts(_ context.Context, attempts []core.ProviderAttempt) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, attempts...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, principalID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.usage {
		if r.PrincipalID == principalID && !r.CreatedAt.Before(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

// --- CreditLedgerStore ---

func (s *FakeStore) InsertTransaction(_ context.Context, tx *core.CreditTransaction) error {
	s.mu.Lock()
	s.transactions = append(s.transactions, tx)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListTransactions(_ context.Context, principalID string, offset, limit int) ([]*core.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.CreditTransaction
	for _, t := range s.transactions {
		if t.PrincipalID == principalID {
			out = append(out, t)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := min(len(out), offset+limit)
	return out[offset:end], nil
}

// --- SessionStore ---

func (s *FakeStore) CreateSession(_ context.Context, sess *core.ChatSession) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetSession(_ context.Context, id string) (*core.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return sess, nil
}

func (s *FakeStore) ListSessions(_ context.Context, principalID string, offset, limit int) ([]*core.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ChatSession
	for _, sess := range s.sessions {
		if sess.PrincipalID == principalID {
			out = append(out, sess)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := min(len(out), offset+limit)
	return out[offset:end], nil
}

func (s *FakeStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *FakeStore) AppendMessages(_ context.Context, sessionID, requestID string, msgs []core.SessionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionID + "/" + requestID
	if s.seenAppends[key] {
		return nil
	}
	s.seenAppends[key] = true
	s.messages[sessionID] = append(s.messages[sessionID], msgs...)
	return nil
}

func (s *FakeStore) ListMessages(_ context.Context, sessionID string, offset, limit int) ([]core.SessionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(len(all), offset+limit)
	return all[offset:end], nil
}

func (s *FakeStore) Close() error { return nil }
