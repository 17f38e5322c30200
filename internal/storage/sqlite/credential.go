package sqlite

import (
	"context"
	"database/sql"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// CreateCredential inserts a new credential.
func (s *Store) CreateCredential(ctx context.Context, cred *core.Credential) error {
	models, err := marshalJSON(cred.AllowedModels)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(cred.IPAllowlist)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(cred.ReferrerAllow)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO credentials (id, key_hash, key_prefix, principal_id, scope,
		 allowed_models, ip_allowlist, referrer_allowlist, max_requests, request_count,
		 is_primary, is_active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.KeyHash, cred.KeyPrefix, cred.PrincipalID, int64(cred.Scope),
		models, ips, refs, cred.MaxRequests, cred.RequestCount,
		boolToInt(cred.IsPrimary), boolToInt(cred.IsActive),
		timeToStr(cred.ExpiresAt), cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetCredentialByHash retrieves a credential by its hash.
func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*core.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, principal_id, scope, allowed_models,
		 ip_allowlist, referrer_allowlist, max_requests, request_count,
		 is_primary, is_active, expires_at, last_used_at, created_at
		 FROM credentials WHERE key_hash = ?`, hash)
	return scanCredential(row)
}

// ListCredentials returns every credential bound to a principal.
func (s *Store) ListCredentials(ctx context.Context, principalID string) ([]*core.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, principal_id, scope, allowed_models,
		 ip_allowlist, referrer_allowlist, max_requests, request_count,
		 is_primary, is_active, expires_at, last_used_at, created_at
		 FROM credentials WHERE principal_id = ? ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredential updates a credential's mutable fields.
func (s *Store) UpdateCredential(ctx context.Context, cred *core.Credential) error {
	models, err := marshalJSON(cred.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET scope=?, allowed_models=?, max_requests=?,
		 is_active=?, expires_at=? WHERE id=?`,
		int64(cred.Scope), models, cred.MaxRequests,
		boolToInt(cred.IsActive), timeToStr(cred.ExpiresAt), cred.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// TouchCredentialUsed updates the last_used_at timestamp and bumps request_count.
func (s *Store) TouchCredentialUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET last_used_at=?, request_count=request_count+1 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanCredential(sc scanner) (*core.Credential, error) {
	var c core.Credential
	var modelsJSON, ipsJSON, refsJSON sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var scope int64
	var isPrimary, isActive int

	err := sc.Scan(
		&c.ID, &c.KeyHash, &c.KeyPrefix, &c.PrincipalID, &scope, &modelsJSON,
		&ipsJSON, &refsJSON, &c.MaxRequests, &c.RequestCount,
		&isPrimary, &isActive, &expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Scope = core.Permission(scope)
	c.IsPrimary = isPrimary != 0
	c.IsActive = isActive != 0

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	c.AllowedModels = models
	if c.IPAllowlist, err = unmarshalStringSlice(ipsJSON); err != nil {
		return nil, err
	}
	if c.ReferrerAllow, err = unmarshalStringSlice(refsJSON); err != nil {
		return nil, err
	}
	c.ExpiresAt = parseTime(expiresAt)
	c.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	return &c, nil
}
