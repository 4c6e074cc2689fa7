package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/shipyard/internal/api/request"
	"github.com/edvin/shipyard/internal/api/response"
	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/proxy"
	"github.com/edvin/shipyard/internal/workflow"
)

// Proxy handles per-server proxy settings, checks, and lifecycle actions.
// Check and configuration endpoints talk to the server synchronously over
// SSH; start/stop/restart run as workflows and return an operation to poll.
type Proxy struct {
	servers    *core.ServerService
	ops        *core.ExecutionLogService
	reconciler *proxy.Reconciler
	configs    *proxy.ConfigStore
	tc         temporalclient.Client
}

func NewProxy(servers *core.ServerService, ops *core.ExecutionLogService, reconciler *proxy.Reconciler, configs *proxy.ConfigStore, tc temporalclient.Client) *Proxy {
	return &Proxy{servers: servers, ops: ops, reconciler: reconciler, configs: configs, tc: tc}
}

// Get returns the proxy settings for a server.
func (h *Proxy) Get(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}
	if server.Proxy == nil {
		response.WriteError(w, http.StatusNotFound, "server has no proxy settings")
		return
	}
	response.WriteJSON(w, http.StatusOK, server.Proxy)
}

// Update edits the proxy assignment. Switching the proxy type clears the
// stored fingerprints so the next start regenerates the configuration.
func (h *Proxy) Update(w http.ResponseWriter, r *http.Request) {
	var req request.UpdateProxySettings
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}
	settings := server.Proxy
	if settings == nil {
		settings = &model.ProxySettings{ServerID: server.ID, Type: model.ProxyTypeNone, Status: model.ProxyStatusCreated}
	}

	if req.Type != nil && *req.Type != settings.Type {
		settings.Type = *req.Type
		settings.LastSavedSettings = ""
		settings.LastAppliedSettings = ""
	}
	if req.ForceStop != nil {
		settings.ForceStop = *req.ForceStop
	}
	if req.RedirectEnabled != nil {
		settings.RedirectEnabled = *req.RedirectEnabled
	}
	if req.RedirectURL != nil {
		settings.RedirectURL = req.RedirectURL
	}

	if err := h.servers.SaveProxySettings(r.Context(), settings); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, settings)
}

// CheckResult is the verdict of a synchronous proxy evaluation.
type CheckResult struct {
	ShouldStart bool   `json:"should_start"`
	Reason      string `json:"reason,omitempty"`
}

// Check evaluates whether the proxy should be started, without starting it.
// Conditions an operator must fix (port conflicts, misconfiguration) come
// back as the reason rather than an error.
func (h *Proxy) Check(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	shouldStart, err := h.reconciler.Evaluate(r.Context(), server, true)
	if err != nil {
		var userErr *proxy.UserActionError
		if errors.As(err, &userErr) {
			response.WriteJSON(w, http.StatusOK, CheckResult{Reason: userErr.Message})
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, CheckResult{ShouldStart: shouldStart})
}

// Start triggers a proxy start operation.
func (h *Proxy) Start(w http.ResponseWriter, r *http.Request) {
	var req request.StartProxy
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	h.runProxyAction(w, r, server, "proxy_start", "StartProxyWorkflow", func(operationID string) any {
		return workflow.StartProxyParams{ServerID: server.ID, OperationID: operationID, Force: req.Force}
	})
}

// Stop triggers a proxy stop operation.
func (h *Proxy) Stop(w http.ResponseWriter, r *http.Request) {
	var req request.StopProxy
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	h.runProxyAction(w, r, server, "proxy_stop", "StopProxyWorkflow", func(operationID string) any {
		return workflow.StopProxyParams{
			ServerID:       server.ID,
			OperationID:    operationID,
			ForceStop:      req.ForceStop,
			TimeoutSeconds: req.TimeoutSeconds,
		}
	})
}

// Restart triggers a stop-then-start with a regenerated configuration.
func (h *Proxy) Restart(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	h.runProxyAction(w, r, server, "proxy_restart", "RestartProxyWorkflow", func(operationID string) any {
		return workflow.RestartProxyParams{ServerID: server.ID, OperationID: operationID}
	})
}

// ProxyConfig is a proxy configuration document with its fingerprint.
type ProxyConfig struct {
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint"`
}

// GetConfig reads the configuration document from the server, generating
// the default one when none exists. force_regenerate=true discards the
// remote document and returns a fresh default.
func (h *Proxy) GetConfig(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	force := r.URL.Query().Get("force_regenerate") == "true"
	content, err := h.configs.Load(r.Context(), server, force)
	if err != nil {
		var cfgErr *proxy.ConfigurationError
		if errors.As(err, &cfgErr) {
			response.WriteError(w, http.StatusConflict, cfgErr.Message)
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, ProxyConfig{Content: content, Fingerprint: proxy.Fingerprint(content)})
}

// PutConfig writes an edited configuration document to the server. The
// change takes effect on the next restart.
func (h *Proxy) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req request.SaveProxyConfig
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}

	if err := h.configs.Save(r.Context(), server, req.Content); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, ProxyConfig{Content: req.Content, Fingerprint: proxy.Fingerprint(req.Content)})
}

func (h *Proxy) runProxyAction(w http.ResponseWriter, r *http.Request, server *model.Server, kind, workflowName string, params func(operationID string) any) {
	op, err := h.ops.CreateOperation(r.Context(), server.ID, kind)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err = h.tc.ExecuteWorkflow(r.Context(), temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-%s", kind, op.ID),
		TaskQueue: taskQueue,
	}, workflowName, params(op.ID))
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("start %s: %s", workflowName, err))
		return
	}

	response.WriteJSON(w, http.StatusAccepted, op)
}

func (h *Proxy) loadServer(w http.ResponseWriter, r *http.Request) (*model.Server, bool) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	server, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return nil, false
	}
	return server, true
}
