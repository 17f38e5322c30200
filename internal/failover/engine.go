// Package failover drives a normalized request through a prioritized chain
// of providers until one succeeds or the chain is exhausted, classifying
// each failure precisely and recording a ProviderAttempt per hop. Grounded
// on the teacher gateway's internal/app/proxy.go failover loop and
// internal/circuitbreaker for breaker-gating and error classification, with
// explicit attempt bookkeeping and jittered backoff added.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/catalog"
	"github.com/creditgate/creditgate/internal/circuitbreaker"
	"github.com/creditgate/creditgate/internal/provider"
)

// Engine forwards normalized requests to the appropriate LLM provider based
// on model routing configuration, with priority failover: on provider/
// network errors it tries the next target; on client errors it returns
// immediately, and once a stream has committed its first byte it never
// fails over again.
type Engine struct {
	providers *provider.Registry
	router    *catalog.Router
	tracer    trace.Tracer             // nil disables tracing
	breakers  *circuitbreaker.Registry // nil disables circuit breaking
}

// New returns an Engine wired to the given provider registry and router.
func New(providers *provider.Registry, router *catalog.Router, tracer trace.Tracer, breakers *circuitbreaker.Registry) *Engine {
	return &Engine{providers: providers, router: router, tracer: tracer, breakers: breakers}
}

// Result bundles a successful response (buffered or streaming) with the
// attempt history the caller surfaces to Metering for the activity log.
type Result struct {
	Response  *core.ChatResponse
	Stream    <-chan core.StreamChunk
	Attempts  []core.ProviderAttempt
	ProviderID string
}

// maxRetries bounds how many transient failures across the whole chain are
// followed by a backoff delay. It does not cap the number of attempts: every
// target in the chain is still tried, later ones without a delay.
const maxRetries = 2

// ChatCompletion resolves the requested model to providers via routing rules
// and forwards the chat completion request with priority failover.
func (e *Engine) ChatCompletion(ctx context.Context, req *core.NormalizedRequest) (*Result, error) {
	targets, err := e.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	var attempts []core.ProviderAttempt
	var lastErr error
	retries := 0

	for _, target := range targets {
		if e.breakers != nil {
			if cb := e.breakers.Get(target.ProviderID); cb != nil && !cb.Allow() {
				lastErr = fmt.Errorf("%w: circuit breaker open for %s", core.ErrProviderUnavailable, target.ProviderID)
				continue
			}
		}

		p, err := e.providers.Get(target.ProviderID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderUnavailable, err)
			continue
		}

		attempt := core.ProviderAttempt{ProviderID: target.ProviderID, StartedAt: time.Now()}
		origModel := req.Model
		req.Model = target.Model

		callCtx := ctx
		var span trace.Span
		if e.tracer != nil {
			callCtx, span = e.tracer.Start(ctx, "provider.ChatCompletion",
				trace.WithAttributes(
					attribute.String("provider", target.ProviderID),
					attribute.String("model", target.Model),
				),
			)
		}
		resp, callErr := p.ChatCompletion(callCtx, req)
		if span != nil {
			span.End()
		}
		req.Model = origModel
		attempt.EndedAt = time.Now()

		if callErr != nil {
			attempt.Outcome = classify(callErr)
			attempt.Err = callErr.Error()
			attempts = append(attempts, attempt)
			e.recordBreakerError(target.ProviderID, callErr)

			if attempt.Outcome == core.OutcomePermanent {
				return &Result{Attempts: attempts}, callErr
			}
			// §4.4's table allows retrying the same provider once on a
			// transient error; this loop always advances to the next
			// target instead and only applies the backoff delay before
			// that next attempt. Acceptable under the "≤2 retries across
			// the chain" cap, but it means the same-provider-retry path
			// is never exercised -- every transient retry is effectively
			// a failover, not a retry.
			if attempt.Outcome == core.OutcomeTransient && retries < maxRetries {
				retries++
				if d, ok := backoffDelay(retries, deadlineRemaining(ctx)); ok {
					select {
					case <-time.After(d):
					case <-ctx.Done():
						return &Result{Attempts: attempts}, ctx.Err()
					}
				}
			}
			logFailoverWarn(ctx, callErr, target.ProviderID)
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderError, callErr)
			continue
		}

		attempt.Outcome = core.OutcomeOK
		attempts = append(attempts, attempt)
		e.recordBreakerSuccess(target.ProviderID)
		return &Result{Response: resp, Attempts: attempts, ProviderID: target.ProviderID}, nil
	}
	return &Result{Attempts: attempts}, finalError(attempts, lastErr)
}

// ChatCompletionStream resolves the model and forwards a streaming request
// with priority failover. The first chunk off each target's channel is
// peeked here, before the channel is handed back to the caller: an error
// arriving as that first chunk is a pre-commit failure (no content byte has
// reached the client yet) and is still failover-eligible, same as a dispatch
// error. Once a non-error first chunk has been observed the stream is
// committed and handed to the Streaming Proxy, which owns all failure
// handling from that point on -- no further failover is attempted.
func (e *Engine) ChatCompletionStream(ctx context.Context, req *core.NormalizedRequest) (*Result, error) {
	targets, err := e.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	var attempts []core.ProviderAttempt
	var lastErr error

	for _, target := range targets {
		if e.breakers != nil {
			if cb := e.breakers.Get(target.ProviderID); cb != nil && !cb.Allow() {
				lastErr = fmt.Errorf("%w: circuit breaker open for %s", core.ErrProviderUnavailable, target.ProviderID)
				continue
			}
		}

		p, err := e.providers.Get(target.ProviderID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderUnavailable, err)
			continue
		}

		attempt := core.ProviderAttempt{ProviderID: target.ProviderID, StartedAt: time.Now()}
		origModel := req.Model
		req.Model = target.Model
		ch, callErr := p.ChatCompletionStream(ctx, req)
		req.Model = origModel

		if callErr != nil {
			attempt.EndedAt = time.Now()
			attempt.Outcome = classify(callErr)
			attempt.Err = callErr.Error()
			attempts = append(attempts, attempt)
			e.recordBreakerError(target.ProviderID, callErr)
			if attempt.Outcome == core.OutcomePermanent {
				return &Result{Attempts: attempts}, callErr
			}
			logFailoverWarn(ctx, callErr, target.ProviderID, "stream")
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderError, callErr)
			continue
		}

		first, open := <-ch
		if !open {
			attempt.EndedAt = time.Now()
			attempt.Outcome = core.OutcomeTransient
			attempt.Err = "stream closed before first chunk"
			attempts = append(attempts, attempt)
			e.recordBreakerError(target.ProviderID, core.ErrProviderError)
			logFailoverWarn(ctx, core.ErrProviderError, target.ProviderID, "stream")
			lastErr = fmt.Errorf("%w: stream closed before first chunk", core.ErrProviderError)
			continue
		}
		if first.Err != nil {
			attempt.EndedAt = time.Now()
			attempt.Outcome = classify(first.Err)
			attempt.Err = first.Err.Error()
			attempts = append(attempts, attempt)
			e.recordBreakerError(target.ProviderID, first.Err)
			if attempt.Outcome == core.OutcomePermanent {
				return &Result{Attempts: attempts}, first.Err
			}
			logFailoverWarn(ctx, first.Err, target.ProviderID, "stream")
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderError, first.Err)
			continue
		}

		attempts = append(attempts, attempt) // outcome/EndedAt are left unset for the committed streaming attempt
		return &Result{Stream: prependChunk(first, ch), Attempts: attempts, ProviderID: target.ProviderID}, nil
	}
	return &Result{Attempts: attempts}, finalError(attempts, lastErr)
}

// prependChunk returns a channel that yields first, then relays every
// remaining chunk from ch. Used to hand the stream to the caller after the
// engine has already peeked (and consumed) its first element to check for a
// pre-commit error.
func prependChunk(first core.StreamChunk, ch <-chan core.StreamChunk) <-chan core.StreamChunk {
	out := make(chan core.StreamChunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			out <- c
		}
	}()
	return out
}

// Embeddings resolves the model and forwards an embedding request with
// priority failover.
func (e *Engine) Embeddings(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, []core.ProviderAttempt, error) {
	targets, err := e.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, nil, err
	}

	var attempts []core.ProviderAttempt
	var lastErr error
	for _, target := range targets {
		if e.breakers != nil {
			if cb := e.breakers.Get(target.ProviderID); cb != nil && !cb.Allow() {
				lastErr = fmt.Errorf("%w: circuit breaker open for %s", core.ErrProviderUnavailable, target.ProviderID)
				continue
			}
		}
		p, err := e.providers.Get(target.ProviderID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderUnavailable, err)
			continue
		}

		attempt := core.ProviderAttempt{ProviderID: target.ProviderID, StartedAt: time.Now()}
		origModel := req.Model
		req.Model = target.Model
		resp, callErr := p.Embeddings(ctx, req)
		req.Model = origModel
		attempt.EndedAt = time.Now()

		if callErr != nil {
			attempt.Outcome = classify(callErr)
			attempt.Err = callErr.Error()
			attempts = append(attempts, attempt)
			e.recordBreakerError(target.ProviderID, callErr)
			if attempt.Outcome == core.OutcomePermanent {
				return nil, attempts, callErr
			}
			lastErr = fmt.Errorf("%w: %w", core.ErrProviderError, callErr)
			continue
		}
		attempt.Outcome = core.OutcomeOK
		attempts = append(attempts, attempt)
		e.recordBreakerSuccess(target.ProviderID)
		return resp, attempts, nil
	}
	return nil, attempts, finalError(attempts, lastErr)
}

// ListModels aggregates model lists from all registered providers.
func (e *Engine) ListModels(ctx context.Context) ([]string, error) {
	var all []string
	for _, name := range e.providers.List() {
		p, err := e.providers.Get(name)
		if err != nil {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		all = append(all, models...)
	}
	return all, nil
}

func (e *Engine) recordBreakerSuccess(providerID string) {
	if e.breakers != nil {
		e.breakers.GetOrCreate(providerID).RecordSuccess()
	}
}

func (e *Engine) recordBreakerError(providerID string, err error) {
	if e.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			e.breakers.GetOrCreate(providerID).RecordError(weight)
		}
	}
}

func logFailoverWarn(ctx context.Context, err error, providerID string, kind ...string) {
	msg := "provider failed, trying next"
	if len(kind) > 0 {
		msg = "provider stream failed, trying next"
	}
	slog.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("provider", providerID),
		slog.String("error", err.Error()),
	)
}

// httpStatusError is an interface for errors that carry an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// classify maps an adapter error to one of the failover eligibility classes
// from the base spec's §4.4 table.
func classify(err error) core.AttemptOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.OutcomeTimeout
	}
	if errors.Is(err, core.ErrBadRequest) || errors.Is(err, core.ErrModelNotAllowed) {
		return core.OutcomePermanent
	}
	if errors.Is(err, core.ErrUnauthorized) || errors.Is(err, core.ErrForbidden) ||
		errors.Is(err, core.ErrCredentialExpired) || errors.Is(err, core.ErrCredentialBlocked) {
		return core.OutcomeAuth
	}
	if errors.Is(err, core.ErrNotFound) {
		return core.OutcomeNotFound
	}
	if errors.Is(err, core.ErrRateLimited) {
		return core.OutcomeRateLimited
	}

	var he httpStatusError
	if errors.As(err, &he) {
		switch code := he.HTTPStatus(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return core.OutcomeAuth
		case code == http.StatusNotFound:
			return core.OutcomeNotFound
		case code == http.StatusTooManyRequests:
			return core.OutcomeRateLimited
		case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
			return core.OutcomePermanent
		case code >= 500 && code <= 504:
			return core.OutcomeTransient
		case code >= 400 && code < 500:
			return core.OutcomePermanent
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.OutcomeTimeout
	}
	return core.OutcomeTransient
}

// finalError surfaces the last permanent-classified attempt (a client bug)
// if one exists, otherwise a composite provider_unavailable/timeout error.
func finalError(attempts []core.ProviderAttempt, lastErr error) error {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome == core.OutcomePermanent {
			return fmt.Errorf("%w: %s", core.ErrUpstreamPermanent, attempts[i].Err)
		}
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome == core.OutcomeTimeout {
			return fmt.Errorf("%w: %s", core.ErrTimeout, attempts[i].Err)
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", core.ErrProviderUnavailable, lastErr)
	}
	return core.ErrProviderUnavailable
}

// backoffDelay computes a jittered exponential backoff for the given retry
// attempt, capped by the remaining overall deadline.
func backoffDelay(attempt int, remaining time.Duration) (time.Duration, bool) {
	if remaining <= 0 {
		return 0, false
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d <= 0 {
		return 0, false
	}
	if d > remaining {
		d = remaining
	}
	return d, true
}

// deadlineRemaining returns how long is left before ctx's deadline, or a
// generous default if ctx carries no deadline.
func deadlineRemaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 10 * time.Second
}
