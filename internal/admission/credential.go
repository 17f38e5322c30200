package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
	"github.com/google/uuid"
)

// CredentialManager handles credential lifecycle (create, delete). Grounded
// on the teacher gateway's internal/app/keymanager.go, generalized to the
// Principal/Credential model and with role/scope actually threaded through
// (the teacher's CreateKey accepted name/role parameters but never applied
// them to the stored record).
type CredentialManager struct {
	store storage.CredentialStore
}

// NewCredentialManager returns a CredentialManager backed by store.
func NewCredentialManager(store storage.CredentialStore) *CredentialManager {
	return &CredentialManager{store: store}
}

// CreateCredential generates a new bearer token for the given principal,
// stores its hash, and returns the plaintext (shown once) along with the
// persisted Credential record.
func (cm *CredentialManager) CreateCredential(ctx context.Context, principalID, role string, env string) (string, *core.Credential, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	prefix := core.CredentialPrefixLive
	if env == "test" {
		prefix = core.CredentialPrefixTest
	}
	plaintext := prefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := core.HashCredential(plaintext)

	scope, ok := core.RolePermissions[role]
	if !ok {
		scope = core.RolePermissions["member"]
	}

	cred := &core.Credential{
		ID:          uuid.Must(uuid.NewV7()).String(),
		KeyHash:     hash,
		KeyPrefix:   plaintext[:len(prefix)+4],
		PrincipalID: principalID,
		Scope:       scope,
		IsPrimary:   false,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}

	if err := cm.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, err
	}
	return plaintext, cred, nil
}

// DeleteCredential removes the credential with the given ID.
func (cm *CredentialManager) DeleteCredential(ctx context.Context, id string) error {
	return cm.store.DeleteCredential(ctx, id)
}
