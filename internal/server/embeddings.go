package server

import (
	"net/http"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/admission"
)

// handleEmbeddings decodes an embedding request and forwards it through the
// Failover Engine.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req core.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	token := core.TokenFromContext(ctx)
	if token != nil && !token.IsModelAllowed(req.Model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}
	if token != nil {
		s.attachPriceSnapshot(ctx, token, req.Model)
	}

	estimated := int64(100)
	var limits admission.Limits
	if token != nil {
		limits = planLimits(token)
		result := s.deps.Admission.ReserveTokens(token.Credential.ID, estimated, limits)
		if !result.Allowed {
			writeRateLimitError(w, result)
			return
		}
	}

	start := time.Now()
	resp, attempts, err := s.deps.Engine.Embeddings(ctx, &req)
	elapsed := time.Since(start)
	if err != nil {
		if token != nil {
			s.deps.Admission.AdjustTokens(token.Credential.ID, limits, estimated)
		}
		s.meterAsync(token, "", nil, attempts, false, 0, int(elapsed.Milliseconds()), errorStatus(err))
		writeUpstreamError(w, ctx, err)
		return
	}

	if token != nil {
		s.deps.Admission.AdjustTokens(token.Credential.ID, limits, estimated-int64(usageTotal(resp.Usage)))
	}

	providerID := ""
	if token != nil {
		providerID = token.PriceSnapshot.Provider
	}
	s.meterAsync(token, providerID, resp.Usage, attempts, false, int(elapsed.Milliseconds()), int(elapsed.Milliseconds()), http.StatusOK)

	writeJSON(w, http.StatusOK, resp)
}
