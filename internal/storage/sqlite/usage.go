package sqlite

import (
	"context"
	"strings"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// InsertUsage batch-inserts usage records. Single multi-row INSERT avoids N
// round-trips for large batches, consistent with the teacher's async-flush
// usage recorder.
func (s *Store) InsertUsage(ctx context.Context, records []core.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 17
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.PrincipalID, r.CredentialID,
			r.Model, r.ProviderID,
			r.PromptTokens, r.CompletionTokens, r.ReasoningTokens, r.TotalTokens,
			r.CostUSD, boolToInt(r.PostDebt), boolToInt(r.Cached),
			r.LatencyFirstMs, r.LatencyTotalMs, r.StatusCode,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, principal_id, credential_id, model, provider_id,
		 prompt_tokens, completion_tokens, reasoning_tokens, total_tokens,
		 cost_usd, post_debt, cached, latency_first_ms, latency_total_ms,
		 status_code, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// InsertAttempts batch-inserts provider attempt records for failover audit trails.
func (s *Store) InsertAttempts(ctx context.Context, attempts []core.ProviderAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	placeholders := make([]string, len(attempts))
	args := make([]any, 0, len(attempts)*6)
	for i, a := range attempts {
		placeholders[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args, a.RequestID, a.ProviderID, a.StartedAt.UTC().Format(time.RFC3339),
			a.EndedAt.UTC().Format(time.RFC3339), string(a.Outcome), nullStr(a.Err))
	}

	query := `INSERT INTO provider_attempts
		(request_id, provider_id, started_at, ended_at, outcome, error)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the total accumulated cost for a principal since the
// given time.
func (s *Store) SumUsageCost(ctx context.Context, principalID string, since time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE principal_id = ? AND created_at >= ?`,
		principalID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}
