package server

import (
	"log/slog"
	"net/http"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/transform"
)

var anthropicCodec = dialectCodec{
	render:      transform.FromNormalizedToAnthropic,
	streamEvent: transform.AnthropicStreamEvent,
}

// handleMessages serves the Anthropic-compatible /v1/messages endpoint.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	req, warnings, err := transform.ToNormalizedFromAnthropic(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	for _, warn := range warnings {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "anthropic request warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
		)
	}
	req.Dialect = core.DialectAnthropic

	s.dispatchChat(w, r, req, anthropicCodec)
}
