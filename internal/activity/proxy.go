package activity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/proxy"
	"github.com/edvin/shipyard/internal/remote"
)

// userActionErrorType marks activity failures that need an operator, not a
// retry.
const userActionErrorType = "UserActionError"

// Proxy contains the proxy reconciliation activities. Each activity is a
// thin serialization boundary around the reconciler; the decision logic
// lives in the proxy package.
type Proxy struct {
	logger     zerolog.Logger
	servers    *core.ServerService
	ops        *core.ExecutionLogService
	reconciler *proxy.Reconciler
}

// NewProxy creates the Proxy activity struct.
func NewProxy(logger zerolog.Logger, servers *core.ServerService, ops *core.ExecutionLogService, reconciler *proxy.Reconciler) *Proxy {
	return &Proxy{logger: logger, servers: servers, ops: ops, reconciler: reconciler}
}

type EvaluateProxyParams struct {
	ServerID string `json:"server_id"`
	FromUI   bool   `json:"from_ui"`
}

// EvaluateProxyResult carries the reconciler's verdict. UserError is set
// instead of failing the activity so callers can relay the message without
// Temporal retrying a decision that needs an operator.
type EvaluateProxyResult struct {
	ShouldStart bool   `json:"should_start"`
	UserError   string `json:"user_error,omitempty"`
}

// EvaluateProxy decides whether the server's proxy should be started.
func (a *Proxy) EvaluateProxy(ctx context.Context, p EvaluateProxyParams) (EvaluateProxyResult, error) {
	server, err := a.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return EvaluateProxyResult{}, err
	}

	start, err := a.reconciler.Evaluate(ctx, server, p.FromUI)
	var userErr *proxy.UserActionError
	if errors.As(err, &userErr) {
		return EvaluateProxyResult{UserError: userErr.Message}, nil
	}
	if err != nil {
		return EvaluateProxyResult{}, err
	}
	return EvaluateProxyResult{ShouldStart: start}, nil
}

type CreateOperationParams struct {
	ServerID string `json:"server_id"`
	Kind     string `json:"kind"`
}

// CreateOperation opens an operation record and returns its ID. Used by
// workflows triggered without an API request, e.g. the reconciliation cron.
func (a *Proxy) CreateOperation(ctx context.Context, p CreateOperationParams) (string, error) {
	op, err := a.ops.CreateOperation(ctx, p.ServerID, p.Kind)
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

type StartProxyParams struct {
	ServerID    string `json:"server_id"`
	OperationID string `json:"operation_id"`
	Force       bool   `json:"force"`
}

// StartProxy brings the proxy up and settles the operation record.
func (a *Proxy) StartProxy(ctx context.Context, p StartProxyParams) error {
	server, err := a.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return err
	}

	run := remote.NewRun(p.OperationID, a.ops)
	err = a.reconciler.Start(ctx, server, p.Force, run)
	return a.settle(ctx, p.OperationID, err)
}

type StopProxyParams struct {
	ServerID       string `json:"server_id"`
	OperationID    string `json:"operation_id"`
	ForceStop      bool   `json:"force_stop"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StopProxy brings the proxy down.
func (a *Proxy) StopProxy(ctx context.Context, p StopProxyParams) error {
	server, err := a.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return err
	}

	run := remote.NewRun(p.OperationID, a.ops)
	err = a.reconciler.Stop(ctx, server, p.ForceStop, p.TimeoutSeconds, run)
	return a.settle(ctx, p.OperationID, err)
}

type RestartProxyParams struct {
	ServerID    string `json:"server_id"`
	OperationID string `json:"operation_id"`
}

// RestartProxy stops then starts the proxy with a regenerated configuration.
func (a *Proxy) RestartProxy(ctx context.Context, p RestartProxyParams) error {
	server, err := a.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return err
	}

	run := remote.NewRun(p.OperationID, a.ops)
	err = a.reconciler.Restart(ctx, server, run)
	return a.settle(ctx, p.OperationID, err)
}

// ListProxyCheckTargets returns the servers the reconciliation cron should
// look at.
func (a *Proxy) ListProxyCheckTargets(ctx context.Context) ([]string, error) {
	return a.servers.ListProxyCandidates(ctx)
}

// settle records the terminal operation status matching err. A cancelled
// run keeps the status the executor already wrote.
func (a *Proxy) settle(ctx context.Context, operationID string, err error) error {
	if err == nil {
		if statusErr := a.ops.SetStatus(ctx, operationID, model.OperationFinished); statusErr != nil {
			a.logger.Error().Err(statusErr).Str("operation", operationID).Msg("failed to finish operation")
		}
		return nil
	}

	var cancelled *remote.CancelledError
	if errors.As(err, &cancelled) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "CancelledError", err)
	}

	if statusErr := a.ops.SetStatus(ctx, operationID, model.OperationFailed); statusErr != nil {
		a.logger.Error().Err(statusErr).Str("operation", operationID).Msg("failed to fail operation")
	}

	var userErr *proxy.UserActionError
	if errors.As(err, &userErr) {
		return temporal.NewNonRetryableApplicationError(userErr.Message, userActionErrorType, err)
	}
	return err
}
