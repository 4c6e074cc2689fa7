package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/shipyard/internal/api/request"
	"github.com/edvin/shipyard/internal/api/response"
	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/platform"
	"github.com/edvin/shipyard/internal/workflow"
)

const taskQueue = "shipyard-tasks"

// Server handles server registration and lifecycle endpoints.
type Server struct {
	svc *core.ServerService
	ops *core.ExecutionLogService
	tc  temporalclient.Client
}

func NewServer(svc *core.ServerService, ops *core.ExecutionLogService, tc temporalclient.Client) *Server {
	return &Server{svc: svc, ops: ops, tc: tc}
}

// List returns all servers for a team.
func (h *Server) List(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		response.WriteError(w, http.StatusBadRequest, "team_id parameter is required")
		return
	}

	servers, err := h.svc.List(r.Context(), teamID)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, servers)
}

// Create registers a server. The server starts unvalidated; a validation
// workflow is kicked off immediately so capability flags settle without
// operator action.
func (h *Server) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateServer
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	port := req.Port
	if port == 0 {
		port = 22
	}

	now := time.Now()
	server := &model.Server{
		ID:               platform.NewID(),
		TeamID:           req.TeamID,
		Name:             req.Name,
		IP:               req.IP,
		Port:             port,
		User:             req.User,
		PrivateKeyID:     req.PrivateKeyID,
		IsBuildServer:    req.IsBuildServer,
		IsSwarmManager:   req.IsSwarmManager,
		IsSwarmWorker:    req.IsSwarmWorker,
		IsLocalhost:      req.IsLocalhost,
		NonRoot:          req.NonRoot,
		CloudflareTunnel: req.CloudflareTunnel,
		ValidationState:  model.ValidationUnvalidated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.svc.Create(r.Context(), server); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.startValidation(r, server.ID); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusAccepted, server)
}

// Get returns a single server with its proxy settings.
func (h *Server) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, server)
}

// Update edits connection settings and re-runs validation, since a changed
// address or key invalidates previous results.
func (h *Server) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.UpdateServer
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}

	applyServerUpdate(server, &req)

	if err := h.svc.Update(r.Context(), server); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.startValidation(r, server.ID); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusAccepted, server)
}

// Delete soft-deletes a server.
func (h *Server) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SoftDelete(r.Context(), id); err != nil {
		response.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate re-runs the validation pipeline on demand.
func (h *Server) Validate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}

	if err := h.startValidation(r, server.ID); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"server_id":   server.ID,
		"workflow_id": validateWorkflowID(server.ID),
	})
}

// Execute opens an operation and runs an ad-hoc command batch on the server.
func (h *Server) Execute(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.ExecuteCommands
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}

	op, err := h.ops.CreateOperation(r.Context(), server.ID, "command")
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err = h.tc.ExecuteWorkflow(r.Context(), temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("execute-%s", op.ID),
		TaskQueue: taskQueue,
	}, "ExecuteCommandsWorkflow", workflow.ExecuteCommandsParams{
		ServerID:    server.ID,
		OperationID: op.ID,
		Commands:    req.Commands,
	})
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("start ExecuteCommandsWorkflow: %s", err))
		return
	}

	response.WriteJSON(w, http.StatusAccepted, op)
}

func (h *Server) startValidation(r *http.Request, serverID string) error {
	_, err := h.tc.ExecuteWorkflow(r.Context(), temporalclient.StartWorkflowOptions{
		ID:        validateWorkflowID(serverID),
		TaskQueue: taskQueue,
	}, "ValidateServerWorkflow", serverID)
	if err != nil {
		return fmt.Errorf("start ValidateServerWorkflow: %w", err)
	}
	return nil
}

func validateWorkflowID(serverID string) string {
	return fmt.Sprintf("validate-server-%s", serverID)
}

func applyServerUpdate(server *model.Server, req *request.UpdateServer) {
	if req.Name != nil {
		server.Name = *req.Name
	}
	if req.IP != nil {
		server.IP = *req.IP
	}
	if req.Port != nil {
		server.Port = *req.Port
	}
	if req.User != nil {
		server.User = *req.User
	}
	if req.PrivateKeyID != nil {
		server.PrivateKeyID = *req.PrivateKeyID
	}
	if req.IsBuildServer != nil {
		server.IsBuildServer = *req.IsBuildServer
	}
	if req.IsSwarmManager != nil {
		server.IsSwarmManager = *req.IsSwarmManager
	}
	if req.IsSwarmWorker != nil {
		server.IsSwarmWorker = *req.IsSwarmWorker
	}
	if req.NonRoot != nil {
		server.NonRoot = *req.NonRoot
	}
	if req.CloudflareTunnel != nil {
		server.CloudflareTunnel = *req.CloudflareTunnel
	}
}

// writeServerError maps a lookup failure to 404 for missing rows and 500
// otherwise.
func writeServerError(w http.ResponseWriter, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		response.WriteError(w, http.StatusNotFound, "server not found")
		return
	}
	response.WriteError(w, http.StatusInternalServerError, err.Error())
}
