package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	core "github.com/creditgate/creditgate/internal"
)

// CreateProviderBinding inserts a new provider binding.
func (s *Store) CreateProviderBinding(ctx context.Context, p *core.ProviderBinding) error {
	overrides, err := marshalMap(p.VirtualKeyOverrides)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_bindings (id, base_url, adapter_kind, priority, weight,
		 enabled, max_rps, timeout_ms, virtual_key_overrides)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BaseURL, p.AdapterKind, p.Priority, p.Weight,
		boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs, overrides,
	)
	return err
}

// GetProviderBinding retrieves a provider binding by id.
func (s *Store) GetProviderBinding(ctx context.Context, id string) (*core.ProviderBinding, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, base_url, adapter_kind, priority, weight, enabled, max_rps,
		 timeout_ms, virtual_key_overrides FROM provider_bindings WHERE id=?`, id,
	)
	return scanProviderBinding(row)
}

// ListProviderBindings returns every provider binding, ordered by priority.
func (s *Store) ListProviderBindings(ctx context.Context) ([]*core.ProviderBinding, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, base_url, adapter_kind, priority, weight, enabled, max_rps,
		 timeout_ms, virtual_key_overrides FROM provider_bindings ORDER BY priority ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ProviderBinding
	for rows.Next() {
		p, err := scanProviderBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProviderBinding updates a provider binding.
func (s *Store) UpdateProviderBinding(ctx context.Context, p *core.ProviderBinding) error {
	overrides, err := marshalMap(p.VirtualKeyOverrides)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_bindings SET base_url=?, adapter_kind=?, priority=?, weight=?,
		 enabled=?, max_rps=?, timeout_ms=?, virtual_key_overrides=? WHERE id=?`,
		p.BaseURL, p.AdapterKind, p.Priority, p.Weight,
		boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs, overrides, p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider binding")
}

// DeleteProviderBinding removes a provider binding.
func (s *Store) DeleteProviderBinding(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_bindings WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider binding")
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal map: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	return m, nil
}

func scanProviderBinding(sc scanner) (*core.ProviderBinding, error) {
	var p core.ProviderBinding
	var overridesJSON sql.NullString
	var enabled int

	err := sc.Scan(
		&p.ID, &p.BaseURL, &p.AdapterKind, &p.Priority, &p.Weight,
		&enabled, &p.MaxRPS, &p.TimeoutMs, &overridesJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Enabled = enabled != 0
	if p.VirtualKeyOverrides, err = unmarshalMap(overridesJSON); err != nil {
		return nil, err
	}
	return &p, nil
}
