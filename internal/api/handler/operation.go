package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/shipyard/internal/api/request"
	"github.com/edvin/shipyard/internal/api/response"
	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/model"
)

// streamPollInterval is how often the log stream polls for new entries.
const streamPollInterval = time.Second

// Operation exposes execution operations: status, logs, live streaming,
// and cancellation.
type Operation struct {
	logger zerolog.Logger
	ops    *core.ExecutionLogService
	tc     temporalclient.Client
}

func NewOperation(logger zerolog.Logger, ops *core.ExecutionLogService, tc temporalclient.Client) *Operation {
	return &Operation{logger: logger, ops: ops, tc: tc}
}

// Get returns the operation record.
func (h *Operation) Get(w http.ResponseWriter, r *http.Request) {
	op, ok := h.loadOperation(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, op)
}

// Logs returns the operation's log entries after the given order, oldest
// first. Hidden entries are redacted by the service.
func (h *Operation) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	after := 0
	if a := r.URL.Query().Get("after"); a != "" {
		after, err = strconv.Atoi(a)
		if err != nil || after < 0 {
			response.WriteError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
	}

	entries, err := h.ops.ListEntries(r.Context(), id, after)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

// streamMessage is one WebSocket frame of the live log stream.
type streamMessage struct {
	Entries []model.LogEntry `json:"entries,omitempty"`
	Status  string           `json:"status"`
	Done    bool             `json:"done"`
}

// StreamLogs upgrades to WebSocket and pushes log entries as they are
// appended. The stream closes once the operation reaches a terminal status
// and all entries have been delivered.
func (h *Operation) StreamLogs(w http.ResponseWriter, r *http.Request) {
	op, ok := h.loadOperation(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("operation", op.ID).Msg("websocket accept failed")
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	after := 0

	for {
		entries, err := h.ops.ListEntries(ctx, op.ID, after)
		if err != nil {
			ws.Close(websocket.StatusInternalError, "log read failed")
			return
		}
		if len(entries) > 0 {
			after = entries[len(entries)-1].Order
		}

		current, err := h.ops.GetOperation(ctx, op.ID)
		if err != nil {
			ws.Close(websocket.StatusInternalError, "operation read failed")
			return
		}

		done := isTerminal(current.Status)
		if len(entries) > 0 || done {
			msg := streamMessage{Entries: entries, Status: current.Status, Done: done}
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				return
			}
		}
		if done {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamPollInterval):
		}
	}
}

// Cancel requests cancellation of a running operation. The cancel flag is
// set first so the executor stops even if the kill workflow lags.
func (h *Operation) Cancel(w http.ResponseWriter, r *http.Request) {
	op, ok := h.loadOperation(w, r)
	if !ok {
		return
	}

	if isTerminal(op.Status) {
		response.WriteError(w, http.StatusConflict, fmt.Sprintf("operation is already %s", op.Status))
		return
	}

	if err := h.ops.RequestCancel(r.Context(), op.ID); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err := h.tc.ExecuteWorkflow(r.Context(), temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("cancel-operation-%s", op.ID),
		TaskQueue: taskQueue,
	}, "CancelOperationWorkflow", op.ID)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("start CancelOperationWorkflow: %s", err))
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{"operation_id": op.ID, "status": "cancel_requested"})
}

func (h *Operation) loadOperation(w http.ResponseWriter, r *http.Request) (*model.Operation, bool) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	op, err := h.ops.GetOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.WriteError(w, http.StatusNotFound, "operation not found")
			return nil, false
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return op, true
}

func isTerminal(status string) bool {
	switch status {
	case model.OperationFinished, model.OperationFailed, model.OperationCancelled:
		return true
	}
	return false
}
