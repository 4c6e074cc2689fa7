package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/shipyard/internal/api/request"
	"github.com/edvin/shipyard/internal/api/response"
	"github.com/edvin/shipyard/internal/core"
)

// PrivateKey handles SSH private key management. Key material is accepted
// on upload and never returned.
type PrivateKey struct {
	svc *core.PrivateKeyService
}

func NewPrivateKey(svc *core.PrivateKeyService) *PrivateKey {
	return &PrivateKey{svc: svc}
}

// List returns all keys for a team, without material.
func (h *PrivateKey) List(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		response.WriteError(w, http.StatusBadRequest, "team_id parameter is required")
		return
	}

	keys, err := h.svc.ListByTeam(r.Context(), teamID)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, keys)
}

// Create validates and stores an uploaded private key.
func (h *PrivateKey) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreatePrivateKey
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.svc.Create(r.Context(), req.TeamID, req.Name, req.PrivateKey)
	if err != nil {
		if strings.Contains(err.Error(), "parse private key") {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusCreated, key)
}

// Get returns a single key, without material.
func (h *PrivateKey) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.WriteError(w, http.StatusNotFound, "private key not found")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, key)
}

// Delete removes a key. Keys referenced by servers are protected by a
// foreign key and come back as a conflict.
func (h *PrivateKey) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "violates foreign key") {
			response.WriteError(w, http.StatusConflict, "private key is still used by a server")
			return
		}
		if strings.Contains(err.Error(), "not found") {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
