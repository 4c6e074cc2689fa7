package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/shipyard/internal/activity"
)

// proxyActivityCtx configures activity options for proxy transitions. The
// remote executor runs its own transient-failure retries per command, so
// Temporal must not re-run a half-applied docker transition.
func proxyActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
}

// dbActivityCtx configures activity options for short database reads and
// writes, which are safe to retry.
func dbActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
}

type StartProxyParams struct {
	ServerID    string `json:"server_id"`
	OperationID string `json:"operation_id"`
	Force       bool   `json:"force"`
}

// StartProxyWorkflow brings a server's proxy up. OperationID may be empty,
// in which case the workflow opens its own operation record.
func StartProxyWorkflow(ctx workflow.Context, p StartProxyParams) error {
	operationID, err := ensureOperation(ctx, p.ServerID, p.OperationID, "proxy_start")
	if err != nil {
		return err
	}

	return workflow.ExecuteActivity(proxyActivityCtx(ctx), "StartProxy", activity.StartProxyParams{
		ServerID:    p.ServerID,
		OperationID: operationID,
		Force:       p.Force,
	}).Get(ctx, nil)
}

type StopProxyParams struct {
	ServerID       string `json:"server_id"`
	OperationID    string `json:"operation_id"`
	ForceStop      bool   `json:"force_stop"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StopProxyWorkflow brings a server's proxy down.
func StopProxyWorkflow(ctx workflow.Context, p StopProxyParams) error {
	operationID, err := ensureOperation(ctx, p.ServerID, p.OperationID, "proxy_stop")
	if err != nil {
		return err
	}

	return workflow.ExecuteActivity(proxyActivityCtx(ctx), "StopProxy", activity.StopProxyParams{
		ServerID:       p.ServerID,
		OperationID:    operationID,
		ForceStop:      p.ForceStop,
		TimeoutSeconds: p.TimeoutSeconds,
	}).Get(ctx, nil)
}

type RestartProxyParams struct {
	ServerID    string `json:"server_id"`
	OperationID string `json:"operation_id"`
}

// RestartProxyWorkflow stops then starts the proxy with a regenerated
// configuration.
func RestartProxyWorkflow(ctx workflow.Context, p RestartProxyParams) error {
	operationID, err := ensureOperation(ctx, p.ServerID, p.OperationID, "proxy_restart")
	if err != nil {
		return err
	}

	return workflow.ExecuteActivity(proxyActivityCtx(ctx), "RestartProxy", activity.RestartProxyParams{
		ServerID:    p.ServerID,
		OperationID: operationID,
	}).Get(ctx, nil)
}

// CheckProxyCronWorkflow runs on a schedule and starts any managed proxy
// that should be running but is not. Per-server failures are logged and do
// not stop the sweep.
func CheckProxyCronWorkflow(ctx workflow.Context) error {
	var serverIDs []string
	err := workflow.ExecuteActivity(dbActivityCtx(ctx), "ListProxyCheckTargets").Get(ctx, &serverIDs)
	if err != nil {
		return err
	}

	logger := workflow.GetLogger(ctx)
	for _, serverID := range serverIDs {
		var verdict activity.EvaluateProxyResult
		err := workflow.ExecuteActivity(dbActivityCtx(ctx), "EvaluateProxy", activity.EvaluateProxyParams{
			ServerID: serverID,
		}).Get(ctx, &verdict)
		if err != nil {
			logger.Warn("proxy evaluation failed", "server", serverID, "error", err)
			continue
		}
		if !verdict.ShouldStart {
			continue
		}

		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: "start-proxy-" + serverID,
		})
		if err := workflow.ExecuteChildWorkflow(childCtx, StartProxyWorkflow, StartProxyParams{
			ServerID: serverID,
		}).Get(ctx, nil); err != nil {
			logger.Warn("background proxy start failed", "server", serverID, "error", err)
		}
	}
	return nil
}

// ensureOperation returns the given operation ID or opens a fresh record.
func ensureOperation(ctx workflow.Context, serverID, operationID, kind string) (string, error) {
	if operationID != "" {
		return operationID, nil
	}
	err := workflow.ExecuteActivity(dbActivityCtx(ctx), "CreateOperation", activity.CreateOperationParams{
		ServerID: serverID,
		Kind:     kind,
	}).Get(ctx, &operationID)
	if err != nil {
		return "", err
	}
	return operationID, nil
}
