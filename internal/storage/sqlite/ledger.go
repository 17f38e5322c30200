package sqlite

import (
	"context"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// InsertTransaction appends a ledger entry without touching balance_usd;
// used by Metering, which performs the balance mutation itself via
// ConditionalDebit and only needs the ledger row recorded alongside.
func (s *Store) InsertTransaction(ctx context.Context, tx *core.CreditTransaction) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, principal_id, amount_usd, type, reference, post_debt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PrincipalID, tx.AmountUSD, string(tx.Type),
		nullStr(tx.Reference), boolToInt(tx.PostDebt), tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListTransactions returns a principal's ledger entries, most recent first.
func (s *Store) ListTransactions(ctx context.Context, principalID string, offset, limit int) ([]*core.CreditTransaction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, principal_id, amount_usd, type, reference, post_debt, created_at
		 FROM credit_transactions WHERE principal_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		principalID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.CreditTransaction
	for rows.Next() {
		var t core.CreditTransaction
		var txType, reference, createdAt string
		var postDebt int
		if err := rows.Scan(&t.ID, &t.PrincipalID, &t.AmountUSD, &txType, &reference, &postDebt, &createdAt); err != nil {
			return nil, err
		}
		t.Type = core.CreditTransactionType(txType)
		t.Reference = reference
		t.PostDebt = postDebt != 0
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
