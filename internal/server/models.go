package server

import (
	"net/http"
	"time"
)

// handleListModels aggregates model descriptors from the catalog and
// returns an OpenAI-compatible model list response.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	descriptors := s.deps.Catalog.ListModels(r.Context(), "", nil)

	now := time.Now().Unix()
	data := make([]modelEntry, len(descriptors))
	for i, d := range descriptors {
		data[i] = modelEntry{
			ID:      d.ID,
			Object:  "model",
			Created: now,
			OwnedBy: d.Provider,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
