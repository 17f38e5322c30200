package server

import (
	"net/http"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/transform"
)

// unifiedCodec renders to the unified response shape; no streamEvent, so
// streaming chunks pass through in the OpenAI wire shape they already carry
// (the unified dialect has no distinct SSE framing of its own).
var unifiedCodec = dialectCodec{render: transform.FromNormalizedToUnified}

// handleResponses serves the unified /v1/responses endpoint.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	req, err := transform.ToNormalizedFromUnified(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	req.Dialect = core.DialectUnified

	s.dispatchChat(w, r, req, unifiedCodec)
}
