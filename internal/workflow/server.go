package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/shipyard/internal/activity"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/remote"
)

// ValidateServerWorkflow runs the validation pipeline and, when the server
// comes out ready, reconciles its proxy in the background.
func ValidateServerWorkflow(ctx workflow.Context, serverID string) error {
	validateCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// Engine installation may run inside the pipeline.
		StartToCloseTimeout: 45 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	if err := workflow.ExecuteActivity(validateCtx, "ValidateServer", serverID).Get(ctx, nil); err != nil {
		return err
	}

	// Post-validation hook: a ready server with a managed proxy assigned
	// gets its proxy brought up without waiting for the next cron sweep.
	var verdict activity.EvaluateProxyResult
	err := workflow.ExecuteActivity(dbActivityCtx(ctx), "EvaluateProxy", activity.EvaluateProxyParams{
		ServerID: serverID,
	}).Get(ctx, &verdict)
	if err != nil {
		workflow.GetLogger(ctx).Warn("post-validation proxy evaluation failed", "server", serverID, "error", err)
		return nil
	}
	if !verdict.ShouldStart {
		return nil
	}

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID: "start-proxy-" + serverID,
	})
	if err := workflow.ExecuteChildWorkflow(childCtx, StartProxyWorkflow, StartProxyParams{
		ServerID: serverID,
	}).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("post-validation proxy start failed", "server", serverID, "error", err)
	}
	return nil
}

type ExecuteCommandsParams struct {
	ServerID    string   `json:"server_id"`
	OperationID string   `json:"operation_id"`
	Commands    []string `json:"commands"`
}

// ExecuteCommandsWorkflow runs an ad-hoc command batch against a server.
func ExecuteCommandsWorkflow(ctx workflow.Context, p ExecuteCommandsParams) error {
	commands := make([]remote.Command, 0, len(p.Commands))
	for _, c := range p.Commands {
		commands = append(commands, remote.Command{Command: c, Kind: model.LogKindStdout})
	}

	return workflow.ExecuteActivity(proxyActivityCtx(ctx), "RunCommandBatch", activity.RunCommandBatchParams{
		ServerID:    p.ServerID,
		OperationID: p.OperationID,
		Commands:    commands,
	}).Get(ctx, nil)
}

// CancelOperationWorkflow kills the remote process behind a running
// operation. The executor notices the cancel flag when the killed command
// fails and marks the run cancelled.
func CancelOperationWorkflow(ctx workflow.Context, operationID string) error {
	killCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    2 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	return workflow.ExecuteActivity(killCtx, "KillOperationProcess", operationID).Get(ctx, nil)
}
