package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/admission"
	"github.com/creditgate/creditgate/internal/metering"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
//
// Uses concrete any parameter instead of generics: Go's generic shape
// dictionary adds +1 alloc/op from interface boxing on every call.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	bodyPool.Put(buf)
	return true
}

// readRequestBody reads the raw request body via bodyPool without
// unmarshaling, for dialects (Anthropic, unified) whose Transformer parses
// fields via gjson directly off the wire bytes.
func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	data := append([]byte(nil), buf.Bytes()...)
	bodyPool.Put(buf)
	return data, true
}

// dialectCodec renders a ChatResponse into a dialect's wire shape and, for
// streaming, reframes an OpenAI-shaped SSE data payload into that dialect's
// event framing. streamEvent may be nil, meaning the OpenAI chunk is passed
// through unchanged (the wire format already matches).
type dialectCodec struct {
	render      func(*core.ChatResponse) ([]byte, error)
	streamEvent func(data []byte) (event string, payload []byte, ok bool)
}

// planLimits builds the admission.Limits the token's plan allows. A nil
// plan yields a zero Limits, which ReserveTokens/AdjustTokens treat as
// unlimited.
func planLimits(token *core.AdmissionToken) admission.Limits {
	if token == nil || token.Principal == nil || token.Principal.Plan == nil {
		return admission.Limits{}
	}
	p := token.Principal.Plan
	return admission.Limits{
		TokensPerMin:   p.TokensPerMin,
		TokensPerHour:  p.TokensPerHour,
		TokensPerDay:   p.TokensPerDay,
		RequestsPerMin: p.RequestsPerMin,
	}
}

// attachPriceSnapshot resolves the model's serving provider via the catalog
// and freezes its current price onto the token, so that a mid-flight
// catalog price change cannot affect this already-admitted request.
func (s *server) attachPriceSnapshot(ctx context.Context, token *core.AdmissionToken, model string) {
	providerID, err := s.deps.Catalog.ResolveProvider(ctx, model)
	if err != nil {
		token.PriceSnapshot = core.PriceSnapshot{Model: model}
		return
	}
	promptPrice, outputPrice := s.deps.Catalog.Price(ctx, model, providerID)
	token.PriceSnapshot = core.PriceSnapshot{
		Model:          model,
		Provider:       providerID,
		PromptPriceUSD: promptPrice,
		OutputPriceUSD: outputPrice,
	}
}

// dispatchChat runs a normalized chat request through session history
// injection, TPM reservation, response caching, failover dispatch, and
// post-flight metering + session append. It is shared by every dialect's
// entry handler; only the request/response encoding differs (codec).
func (s *server) dispatchChat(w http.ResponseWriter, r *http.Request, req *core.NormalizedRequest, codec dialectCodec) {
	ctx := r.Context()
	token := core.TokenFromContext(ctx)
	req.RequestID = core.RequestIDFromContext(ctx)

	if token != nil && !token.IsModelAllowed(req.Model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}

	if req.SessionID != "" && s.deps.Sessions != nil {
		history, err := s.deps.Sessions.History(ctx, req.SessionID, 0)
		if err == nil && len(history) > 0 {
			req.Messages = append(history, req.Messages...)
		}
	}

	if token != nil {
		s.attachPriceSnapshot(ctx, token, req.Model)
	}

	estimated := int64(100)
	if s.deps.TokenCounter != nil {
		estimated = int64(s.deps.TokenCounter.EstimateRequest(req.Model, req.Messages))
	}

	var limits admission.Limits
	if token != nil {
		limits = planLimits(token)
		result := s.deps.Admission.ReserveTokens(token.Credential.ID, estimated, limits)
		if !result.Allowed {
			writeRateLimitError(w, result)
			return
		}
	}

	var cacheKeyStr string
	if !req.Stream && s.deps.Cache != nil && token != nil && isCacheable(req) {
		cacheKeyStr = cacheKey(token.Credential.ID, req)
		if data, ok := s.deps.Cache.Get(ctx, cacheKeyStr); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			s.meterAsync(token, "", nil, nil, true, 0, 0, http.StatusOK)
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	if req.Stream {
		s.dispatchChatStream(w, r, req, token, limits, estimated, codec)
		return
	}

	start := time.Now()
	result, err := s.deps.Engine.ChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.finishChatError(token, limits, estimated, elapsed, nil, err)
		writeUpstreamError(w, ctx, err)
		return
	}

	if token != nil {
		s.deps.Admission.AdjustTokens(token.Credential.ID, limits, estimated-int64(usageTotal(result.Response.Usage)))
	}

	body, err := codec.render(result.Response)
	if err != nil {
		writeUpstreamError(w, ctx, err)
		return
	}

	if cacheKeyStr != "" {
		s.deps.Cache.Set(ctx, cacheKeyStr, body, s.cacheTTL())
	}

	s.meterAsync(token, result.ProviderID, result.Response.Usage, result.Attempts, false, int(elapsed.Milliseconds()), int(elapsed.Milliseconds()), http.StatusOK)
	s.appendSession(req, result.Response)

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// dispatchChatStream handles SSE streaming chat completion requests,
// reframing each OpenAI-shaped chunk into the caller's dialect via codec.
func (s *server) dispatchChatStream(w http.ResponseWriter, r *http.Request, req *core.NormalizedRequest, token *core.AdmissionToken, limits admission.Limits, estimated int64, codec dialectCodec) {
	ctx := r.Context()
	start := time.Now()

	result, err := s.deps.Engine.ChatCompletionStream(ctx, req)
	if err != nil {
		s.finishChatError(token, limits, estimated, time.Since(start), nil, err)
		writeUpstreamError(w, ctx, err)
		return
	}

	w.Header()["Trailer"] = []string{"X-First-Token-Ms, X-Total-Ms, X-Backend-Ms"}
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	var usage *core.Usage
	var firstTokenAt time.Time
	ch := result.Stream
	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				var cont bool
				usage, firstTokenAt, cont = s.processStreamChunk(w, flusher, ctx, chunk, chOpen, req, token, result.ProviderID, limits, estimated, usage, start, firstTokenAt, codec)
				if !cont {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			var cont bool
			usage, firstTokenAt, cont = s.processStreamChunk(w, flusher, ctx, chunk, chOpen, req, token, result.ProviderID, limits, estimated, usage, start, firstTokenAt, codec)
			if !cont {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// processStreamChunk handles a single chunk from the stream channel.
// Returns updated usage, the first-token timestamp, and true to continue
// or false if the stream ended (headers/trailers already written).
func (s *server) processStreamChunk(
	w http.ResponseWriter, flusher http.Flusher, ctx context.Context,
	chunk core.StreamChunk, chOpen bool,
	req *core.NormalizedRequest, token *core.AdmissionToken, providerID string, limits admission.Limits, estimated int64,
	usage *core.Usage, start, firstTokenAt time.Time, codec dialectCodec,
) (*core.Usage, time.Time, bool) {
	if !chOpen {
		s.finishStream(w, req, token, providerID, limits, estimated, usage, start, firstTokenAt)
		return usage, firstTokenAt, false
	}
	if chunk.Err != nil {
		// The Failover Engine peeks and discards a stream's first chunk
		// before returning it here, failing over on a pre-commit error;
		// any chunk.Err reaching this point is necessarily post-commit, so
		// it is terminal rather than failover-eligible.
		slog.LogAttrs(ctx, slog.LevelError, "stream error", slog.String("error", chunk.Err.Error()))
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		s.finishStream(w, req, token, providerID, limits, estimated, usage, start, firstTokenAt)
		return usage, firstTokenAt, false
	}
	if chunk.Usage != nil {
		usage = chunk.Usage
	}
	if chunk.Done {
		s.finishStream(w, req, token, providerID, limits, estimated, usage, start, firstTokenAt)
		return usage, firstTokenAt, false
	}
	if firstTokenAt.IsZero() {
		firstTokenAt = time.Now()
	}
	if codec.streamEvent != nil {
		if event, payload, ok := codec.streamEvent(chunk.Data); ok {
			writeSSEEvent(w, event, payload)
		}
	} else {
		writeSSEData(w, chunk.Data)
	}
	flusher.Flush()
	return usage, firstTokenAt, true
}

// finishStream writes the SSE termination sentinel and timing trailers,
// then adjusts TPM and meters the request.
func (s *server) finishStream(w http.ResponseWriter, req *core.NormalizedRequest, token *core.AdmissionToken, providerID string, limits admission.Limits, estimated int64, usage *core.Usage, start, firstTokenAt time.Time) {
	writeSSEDone(w)
	total := time.Since(start)
	firstMs := 0
	if !firstTokenAt.IsZero() {
		firstMs = int(firstTokenAt.Sub(start).Milliseconds())
	}
	h := w.Header()
	h.Set("X-First-Token-Ms", itoa(firstMs))
	h.Set("X-Total-Ms", itoa(int(total.Milliseconds())))
	h.Set("X-Backend-Ms", itoa(int(total.Milliseconds())))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if token != nil {
		s.deps.Admission.AdjustTokens(token.Credential.ID, limits, estimated-int64(usageTotal(usage)))
	}
	s.meterAsync(token, providerID, usage, nil, false, firstMs, int(total.Milliseconds()), http.StatusOK)
}

// finishChatError meters a request that failed before a response was
// produced, so that partial attempt history is still recorded.
func (s *server) finishChatError(token *core.AdmissionToken, limits admission.Limits, estimated int64, elapsed time.Duration, attempts []core.ProviderAttempt, err error) {
	if token != nil {
		s.deps.Admission.AdjustTokens(token.Credential.ID, limits, estimated)
	}
	s.meterAsync(token, "", nil, attempts, false, 0, int(elapsed.Milliseconds()), errorStatus(err))
}

// meterAsync hands an Outcome to Metering on a detached goroutine so
// billing never sits on the client-facing response path.
func (s *server) meterAsync(token *core.AdmissionToken, providerID string, usage *core.Usage, attempts []core.ProviderAttempt, cached bool, firstMs, totalMs, status int) {
	if s.deps.Meter == nil || token == nil {
		return
	}
	o := metering.Outcome{
		Token:          token,
		ProviderID:     providerID,
		Usage:          usage,
		Attempts:       attempts,
		Cached:         cached,
		LatencyFirstMs: firstMs,
		LatencyTotalMs: totalMs,
		StatusCode:     status,
	}
	go s.deps.Meter.Meter(context.WithoutCancel(context.Background()), o)
}

// appendSession persists the completed turn to session history, if the
// request named one.
func (s *server) appendSession(req *core.NormalizedRequest, resp *core.ChatResponse) {
	if s.deps.Sessions == nil || req.SessionID == "" || len(resp.Choices) == 0 {
		return
	}
	userContent := lastUserContent(req.Messages)
	assistantContent := textOfContent(resp.Choices[0].Message.Content)
	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.CompletionTokens
	}
	s.deps.Sessions.Append(req.SessionID, req.RequestID, userContent, assistantContent, tokens)
}

func lastUserContent(msgs []core.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return textOfContent(msgs[i].Content)
		}
	}
	return ""
}

func textOfContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func usageTotal(u *core.Usage) int {
	if u == nil {
		return 0
	}
	return u.TotalTokens
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// cacheTTL returns the cache TTL for a cacheable response.
func (s *server) cacheTTL() time.Duration {
	return 5 * time.Minute
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeUpstreamError logs the full error server-side and returns a sanitized
// message to the client. Both 4xx and 5xx responses use generic status text
// to avoid leaking upstream provider internals (URLs, org IDs, quota details).
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "upstream error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(http.StatusText(status)))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, core.ErrCredentialExpired):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden), errors.Is(err, core.ErrModelNotAllowed), errors.Is(err, core.ErrCredentialBlocked):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRateLimited), errors.Is(err, core.ErrPlanLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrInsufficientCredits), errors.Is(err, core.ErrTrialExhausted):
		return http.StatusPaymentRequired
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrBadRequest), errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrProviderUnavailable), errors.Is(err, core.ErrUpstreamPermanent), errors.Is(err, core.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeRateLimitError writes a 429 response with Retry-After header, derived
// from admission.Result's RetryAfter duration.
func writeRateLimitError(w http.ResponseWriter, r admission.Result) {
	if r.RetryAfter > 0 {
		w.Header()["Retry-After"] = []string{itoa(int(r.RetryAfter.Seconds()) + 1)}
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
}
