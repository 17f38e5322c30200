package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/google/uuid"
)

// CreatePrincipal inserts a new principal.
func (s *Store) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	plan, err := marshalPlan(p.Plan)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO principals (id, balance_usd, plan, trial_state, trial_deadline,
		 trial_token_cap, trial_tokens_used, is_active, has_made_first_purchase, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BalanceUSD, plan, string(p.TrialState), timeToStr(p.TrialDeadline),
		p.TrialTokenCap, p.TrialTokensUsed, boolToInt(p.IsActive),
		boolToInt(p.HasMadeFirstPurchase), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPrincipal retrieves a principal by id.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, balance_usd, plan, trial_state, trial_deadline, trial_token_cap,
		 trial_tokens_used, is_active, has_made_first_purchase, created_at
		 FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// ListPrincipals returns a page of principals ordered by creation time.
func (s *Store) ListPrincipals(ctx context.Context, offset, limit int) ([]*core.Principal, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, balance_usd, plan, trial_state, trial_deadline, trial_token_cap,
		 trial_tokens_used, is_active, has_made_first_purchase, created_at
		 FROM principals ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePrincipal updates a principal's mutable fields (not balance; use
// ConditionalDebit/Credit for that).
func (s *Store) UpdatePrincipal(ctx context.Context, p *core.Principal) error {
	plan, err := marshalPlan(p.Plan)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE principals SET plan=?, trial_state=?, trial_deadline=?, trial_token_cap=?,
		 trial_tokens_used=?, is_active=?, has_made_first_purchase=? WHERE id=?`,
		plan, string(p.TrialState), timeToStr(p.TrialDeadline), p.TrialTokenCap,
		p.TrialTokensUsed, boolToInt(p.IsActive), boolToInt(p.HasMadeFirstPurchase), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

// DeletePrincipal removes a principal.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM principals WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

// ConditionalDebit atomically decrements balance_usd by amountUSD iff the
// resulting balance would not fall below -maxNegativeUSD. The UPDATE's WHERE
// clause performs the check and the write in a single statement so two
// concurrent requests against the same principal cannot both succeed past
// the ceiling (SQLite's single-writer connection serializes the statement).
func (s *Store) ConditionalDebit(ctx context.Context, principalID string, amountUSD, maxNegativeUSD float64) (float64, bool, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE principals SET balance_usd = balance_usd - ?
		 WHERE id = ? AND balance_usd - ? >= -?`,
		amountUSD, principalID, amountUSD, maxNegativeUSD,
	)
	if err != nil {
		return 0, false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	var balance float64
	if err := s.read.QueryRowContext(ctx,
		`SELECT balance_usd FROM principals WHERE id = ?`, principalID,
	).Scan(&balance); err != nil {
		return 0, false, notFoundErr(err)
	}
	return balance, n > 0, nil
}

// Credit appends a positive ledger entry and increments balance_usd.
func (s *Store) Credit(ctx context.Context, principalID string, amountUSD float64, txType core.CreditTransactionType, reference string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE principals SET balance_usd = balance_usd + ? WHERE id = ?`,
		amountUSD, principalID,
	); err != nil {
		return err
	}

	entry := &core.CreditTransaction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		PrincipalID: principalID,
		AmountUSD:   amountUSD,
		Type:        txType,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, principal_id, amount_usd, type, reference, post_debt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PrincipalID, entry.AmountUSD, string(entry.Type),
		nullStr(entry.Reference), boolToInt(entry.PostDebt), entry.CreatedAt.Format(time.RFC3339),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func marshalPlan(p *core.Plan) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal plan: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalPlan(ns sql.NullString) (*core.Plan, error) {
	if !ns.Valid {
		return nil, nil
	}
	var p core.Plan
	if err := json.Unmarshal([]byte(ns.String), &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

func scanPrincipal(sc scanner) (*core.Principal, error) {
	var p core.Principal
	var planJSON sql.NullString
	var trialState string
	var trialDeadline, createdAt sql.NullString
	var isActive, firstPurchase int

	err := sc.Scan(
		&p.ID, &p.BalanceUSD, &planJSON, &trialState, &trialDeadline, &p.TrialTokenCap,
		&p.TrialTokensUsed, &isActive, &firstPurchase, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.TrialState = core.TrialState(trialState)
	p.IsActive = isActive != 0
	p.HasMadeFirstPurchase = firstPurchase != 0
	p.TrialDeadline = parseTime(trialDeadline)
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	if p.Plan, err = unmarshalPlan(planJSON); err != nil {
		return nil, err
	}
	return &p, nil
}
