package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/atinyakov/PluginRepo/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// AccessRequest is the JSON payload of POST /plugins/{id}/access.
type AccessRequest struct {
	Public  bool    `json:"public"`
	RoleIDs []int64 `json:"role_ids"`
}

// VoteRequest is the JSON payload of POST /plugins/{id}/vote.
type VoteRequest struct {
	Vote int `json:"vote"`
}

func pluginID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// Delete handles DELETE /plugins/{id}.
func (h *CatalogHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pluginID(r)
	if !ok {
		http.Error(w, "invalid plugin id", http.StatusBadRequest)
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	if err := h.Service.Delete(r.Context(), p, id); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAccess handles POST /plugins/{id}/access.
func (h *CatalogHandler) SetAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := pluginID(r)
	if !ok {
		http.Error(w, "invalid plugin id", http.StatusBadRequest)
		return
	}
	var req AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	if err := h.Service.SetAccess(r.Context(), p, id, req.Public, req.RoleIDs); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Vote handles POST /plugins/{id}/vote.
func (h *CatalogHandler) Vote(w http.ResponseWriter, r *http.Request) {
	id, ok := pluginID(r)
	if !ok {
		http.Error(w, "invalid plugin id", http.StatusBadRequest)
		return
	}
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	if err := h.Service.Vote(r.Context(), p, id, req.Vote); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
