// Package metering prices a completed request against its admission-time
// catalog snapshot, debits the principal's balance, appends a ledger entry,
// and records a usage row -- all off the client-facing hot path. Grounded
// on the teacher's internal/worker/usage_recorder.go batch-flush discipline
// (reused directly here) and internal/server/proxy.go's estimateCost,
// which this package replaces with real catalog-sourced pricing.
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
	"github.com/creditgate/creditgate/internal/worker"
)

// Outcome captures what a completed (or failed) request needs metered:
// token usage, timing, and the terminal status, keyed to the admission
// token that priced and authorized it.
type Outcome struct {
	Token          *core.AdmissionToken
	ProviderID     string
	Usage          *core.Usage // nil if the request failed before usage was known
	Attempts       []core.ProviderAttempt
	Cached         bool
	LatencyFirstMs int
	LatencyTotalMs int
	StatusCode     int
}

// Meter prices, debits, and records a single request's Outcome. It is
// designed to be called from a detached goroutine after the response (or
// the terminal stream chunk) has already reached the client; failures are
// logged, never surfaced, since by this point the client has already been
// served.
type Meter struct {
	principals storage.PrincipalStore
	ledger     storage.CreditLedgerStore
	attempts   storage.UsageStore
	usage      *worker.UsageRecorder
}

// New creates a Meter. usage is the shared UsageRecorder the caller also
// passes to worker.Runner so its batch flush loop runs on the worker
// lifecycle; Meter only enqueues into it.
func New(principals storage.PrincipalStore, ledger storage.CreditLedgerStore, attempts storage.UsageStore, usage *worker.UsageRecorder) *Meter {
	return &Meter{principals: principals, ledger: ledger, attempts: attempts, usage: usage}
}

// Cost computes the USD cost of an Outcome from its admission-time price
// snapshot: prompt tokens priced at the input rate, completion and
// reasoning tokens priced at the output rate. Reasoning tokens are billed
// at the output rate since providers that emit them (extended thinking /
// reasoning models) charge for them as generated output.
func Cost(snapshot core.PriceSnapshot, usage *core.Usage) float64 {
	if usage == nil {
		return 0
	}
	in := float64(usage.PromptTokens) * snapshot.PromptPriceUSD
	out := float64(usage.CompletionTokens+usage.ReasoningTokens) * snapshot.OutputPriceUSD
	return in + out
}

// Meter debits the principal for o, clamping the debit to the principal's
// admission-time balance snapshot so the stored balance never goes
// negative (the base spec's Open Question decision); any shortfall between
// the priced cost and what could be collected is recorded as post_debt on
// both the ledger entry and the usage row.
func (m *Meter) Meter(ctx context.Context, o Outcome) {
	cost := Cost(o.Token.PriceSnapshot, o.Usage)
	principalID := o.Token.Principal.ID

	debit := cost
	postDebt := false
	if debit > o.Token.Principal.BalanceUSD {
		debit = o.Token.Principal.BalanceUSD
		if debit < 0 {
			debit = 0
		}
		postDebt = cost > debit
	}

	var newBalance float64
	if debit > 0 {
		var applied bool
		var err error
		newBalance, applied, err = m.principals.ConditionalDebit(ctx, principalID, debit, 0)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "metering: debit failed",
				slog.String("principal_id", principalID),
				slog.String("request_id", o.Token.RequestID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !applied {
			// Balance moved between admission and completion (concurrent
			// requests); treat as fully undercollected rather than retry --
			// the ledger entry still records the true cost and post_debt.
			postDebt = true
			debit = 0
		}
	}

	txn := &core.CreditTransaction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		PrincipalID: principalID,
		AmountUSD:   -debit,
		Type:        core.TxnUsage,
		Reference:   o.Token.RequestID,
		PostDebt:    postDebt,
		CreatedAt:   time.Now(),
	}
	if err := m.ledger.InsertTransaction(ctx, txn); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metering: ledger append failed",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()),
		)
	}

	if len(o.Attempts) > 0 {
		if err := m.attempts.InsertAttempts(ctx, o.Attempts); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "metering: attempt log failed",
				slog.String("request_id", o.Token.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}

	rec := core.UsageRecord{
		RequestID:      o.Token.RequestID,
		PrincipalID:    principalID,
		CredentialID:   o.Token.Credential.ID,
		Model:          o.Token.PriceSnapshot.Model,
		ProviderID:     o.ProviderID,
		CostUSD:        cost,
		PostDebt:       postDebt,
		Cached:         o.Cached,
		LatencyFirstMs: o.LatencyFirstMs,
		LatencyTotalMs: o.LatencyTotalMs,
		StatusCode:     o.StatusCode,
		CreatedAt:      time.Now(),
	}
	if o.Usage != nil {
		rec.PromptTokens = o.Usage.PromptTokens
		rec.CompletionTokens = o.Usage.CompletionTokens
		rec.ReasoningTokens = o.Usage.ReasoningTokens
		rec.TotalTokens = o.Usage.TotalTokens
	}
	m.usage.Record(rec)

	slog.LogAttrs(ctx, slog.LevelInfo, "request metered",
		slog.String("principal_id", principalID),
		slog.String("model", rec.Model),
		slog.String("provider", o.ProviderID),
		slog.String("cost", humanize.FormatFloat("#,###.######", cost)),
		slog.String("balance", humanize.FormatFloat("#,###.##", newBalance)),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Bool("post_debt", postDebt),
	)
}
