package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/remote"
)

// Server contains server lifecycle and ad-hoc execution activities.
type Server struct {
	logger    zerolog.Logger
	servers   *core.ServerService
	ops       *core.ExecutionLogService
	validator *core.Validator
	exec      *remote.Executor
}

// NewServer creates the Server activity struct.
func NewServer(logger zerolog.Logger, servers *core.ServerService, ops *core.ExecutionLogService, validator *core.Validator, exec *remote.Executor) *Server {
	return &Server{logger: logger, servers: servers, ops: ops, validator: validator, exec: exec}
}

// ValidateServer runs the validation pipeline. The pipeline persists its own
// state; the activity error mirrors the failing step.
func (a *Server) ValidateServer(ctx context.Context, serverID string) error {
	server, err := a.servers.GetByID(ctx, serverID)
	if err != nil {
		return err
	}
	return a.validator.Validate(ctx, server)
}

type RunCommandBatchParams struct {
	ServerID    string           `json:"server_id"`
	OperationID string           `json:"operation_id"`
	Commands    []remote.Command `json:"commands"`
}

// RunCommandBatch executes an ad-hoc command batch against a server,
// streaming output into the operation's execution log.
func (a *Server) RunCommandBatch(ctx context.Context, p RunCommandBatchParams) (map[string]string, error) {
	server, err := a.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return nil, err
	}

	run := remote.NewRun(p.OperationID, a.ops)
	batch := remote.Batch{ID: run.NextBatch(), Commands: p.Commands}
	outputs, err := a.exec.Execute(ctx, server, batch, run)
	if err != nil {
		// The executor already settled the operation status.
		return nil, err
	}
	if err := a.ops.SetStatus(ctx, p.OperationID, model.OperationFinished); err != nil {
		a.logger.Error().Err(err).Str("operation", p.OperationID).Msg("failed to finish operation")
	}
	return outputs, nil
}

// KillOperationProcess kills the remote process recorded for an operation.
// A missing pid is not an error: the run may not have reached its first
// command yet, or it already finished.
func (a *Server) KillOperationProcess(ctx context.Context, operationID string) error {
	op, err := a.ops.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.CurrentPID == nil {
		a.logger.Info().Str("operation", operationID).Msg("no remote pid recorded, nothing to kill")
		return nil
	}

	server, err := a.servers.GetByID(ctx, op.ServerID)
	if err != nil {
		return err
	}

	// Kill the whole process group so pipelines die with their parent.
	cmd := fmt.Sprintf("kill -9 -%d 2>/dev/null || kill -9 %d", *op.CurrentPID, *op.CurrentPID)
	if _, err := a.exec.RunInstant(ctx, server, cmd, 20*time.Second); err != nil {
		return fmt.Errorf("kill remote process %d: %w", *op.CurrentPID, err)
	}
	return nil
}
