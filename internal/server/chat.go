package server

import (
	"net/http"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/transform"
)

var openaiCodec = dialectCodec{render: transform.FromNormalizedToOpenAI}

// handleChatCompletion serves the OpenAI-compatible /v1/chat/completions endpoint.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	req, err := transform.ToNormalizedFromOpenAI(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	req.Dialect = core.DialectOpenAI

	s.dispatchChat(w, r, req, openaiCodec)
}
