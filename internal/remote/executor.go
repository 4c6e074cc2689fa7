package remote

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/model"
)

var (
	commandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipyard_remote_command_retries_total",
		Help: "Remote commands re-issued after a transient network failure",
	})
	commandFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipyard_remote_command_failures_total",
		Help: "Remote commands that failed terminally",
	})
)

// pidMarker prefixes the line the wrapped remote shell prints with its own
// pid. The executor strips it from the stderr stream and records the pid so
// an external actor can kill the process.
const pidMarker = "__shipyard_pid:"

// Executor runs command batches on remote servers. Commands within a batch
// run sequentially and fail fast; each command individually gets the retry
// treatment for transient network errors.
type Executor struct {
	logger    zerolog.Logger
	transport Transport
	policy    RetryPolicy
	ops       OperationStore
	redactor  *Redactor

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewExecutor creates an executor. ops may be nil when no operation
// bookkeeping is wanted (one-shot commands).
func NewExecutor(logger zerolog.Logger, transport Transport, policy RetryPolicy, ops OperationStore, redactor *Redactor) *Executor {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Executor{
		logger:    logger.With().Str("component", "remote-executor").Logger(),
		transport: transport,
		policy:    policy,
		ops:       ops,
		redactor:  redactor,
		sleep:     time.Sleep,
	}
}

// Execute runs the batch against the server, appending log entries to the
// run as output arrives. Named output slots are returned (also kept on the
// run). A non-zero exit with IgnoreErrors unset aborts the batch, marks the
// owning operation failed and returns an *ExecutionError — unless
// cancellation was requested beforehand, in which case the operation is
// marked cancelled and a *CancelledError is returned instead.
func (e *Executor) Execute(ctx context.Context, server *model.Server, batch Batch, run *Run) (map[string]string, error) {
	for _, cmd := range batch.Commands {
		if err := e.runCommand(ctx, server, batch.ID, cmd, run); err != nil {
			commandFailures.Inc()
			if e.ops != nil {
				if cancelled, cerr := e.ops.CancelRequested(ctx, run.OperationID); cerr == nil && cancelled {
					_ = e.ops.SetStatus(ctx, run.OperationID, model.OperationCancelled)
					return run.Outputs(), &CancelledError{OperationID: run.OperationID}
				}
				_ = e.ops.SetStatus(ctx, run.OperationID, model.OperationFailed)
			}
			return run.Outputs(), err
		}
	}
	return run.Outputs(), nil
}

// RunInstant executes a single command with a timeout and returns its
// trimmed stdout. Transient failures are retried per the policy. Used for
// short diagnostic commands that do not belong to a logged operation.
func (e *Executor) RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error) {
	if server.NonRoot {
		command = RewriteForSudo(command)
	}

	runOnce := func() (string, string, error) {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var stdout, stderr bytes.Buffer
		err := e.transport.Run(runCtx, server, command, &stdout, &stderr)
		return stdout.String(), stderr.String(), err
	}

	var lastErr error
	for attempt := 0; attempt < e.policy.MaxRetries; attempt++ {
		stdout, stderr, err := runOnce()
		if err == nil {
			return strings.TrimSpace(e.redactor.Sanitize(stdout)), nil
		}

		lastErr = &ExecutionError{Command: command, Stderr: strings.TrimSpace(stderr), Err: err}
		if ctx.Err() != nil || !e.policy.IsTransient(err.Error()) || attempt == e.policy.MaxRetries-1 {
			break
		}
		delay := e.policy.BackoffSeconds(attempt)
		commandRetries.Inc()
		e.logger.Warn().Err(err).Int("attempt", attempt).Int("delay_s", delay).Msg("transient failure, retrying command")
		e.sleep(time.Duration(delay) * time.Second)
	}
	return "", lastErr
}

func (e *Executor) runCommand(ctx context.Context, server *model.Server, batchID int, cmd Command, run *Run) error {
	display := strings.TrimSpace(cmd.Command)
	final := display
	if server.NonRoot {
		final = RewriteForSudo(final)
	}
	final = wrapWithPID(final)

	kind := cmd.Kind
	if kind == "" {
		kind = model.LogKindStdout
	}

	var captured strings.Builder

	for attempt := 0; ; attempt++ {
		var stderrTail strings.Builder

		stdout := newLineWriter(func(line string) {
			line = e.redactor.Sanitize(line)
			if cmd.AppendToKey != "" {
				captured.WriteString(line + "\n")
			}
			_ = run.append(ctx, model.LogEntry{
				Command: display,
				Output:  line,
				Kind:    kind,
				Hidden:  cmd.Hidden,
				Batch:   batchID,
			})
		})
		stderr := newLineWriter(func(line string) {
			if pid, ok := strings.CutPrefix(line, pidMarker); ok {
				e.recordPID(ctx, run.OperationID, pid)
				return
			}
			line = e.redactor.Sanitize(line)
			stderrTail.WriteString(line + "\n")
			_ = run.append(ctx, model.LogEntry{
				Command: display,
				Output:  line,
				Kind:    model.LogKindStderr,
				Hidden:  cmd.Hidden,
				Batch:   batchID,
			})
		})

		err := e.transport.Run(ctx, server, final, stdout, stderr)
		stdout.Flush()
		stderr.Flush()

		if err == nil {
			break
		}

		if ctx.Err() == nil && e.policy.IsTransient(err.Error()) && attempt < e.policy.MaxRetries-1 {
			delay := e.policy.BackoffSeconds(attempt)
			commandRetries.Inc()
			_ = run.append(ctx, model.LogEntry{
				Command: display,
				Output: fmt.Sprintf("Transient error (attempt %d of %d), retrying in %ds: %s",
					attempt+1, e.policy.MaxRetries, delay, err),
				Kind:  model.LogKindCustom,
				Batch: batchID,
			})
			e.sleep(time.Duration(delay) * time.Second)
			continue
		}

		if cmd.IgnoreErrors {
			e.logger.Debug().Err(err).Str("command", display).Msg("ignoring failed command")
			break
		}
		return &ExecutionError{Command: display, Stderr: strings.TrimSpace(stderrTail.String()), Err: err}
	}

	if cmd.AppendToKey != "" {
		run.capture(cmd.AppendToKey, captured.String(), cmd.Append)
	}
	return nil
}

func (e *Executor) recordPID(ctx context.Context, operationID, raw string) {
	if e.ops == nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return
	}
	if err := e.ops.RecordPID(ctx, operationID, pid); err != nil {
		e.logger.Warn().Err(err).Str("operation", operationID).Msg("failed to record remote pid")
	}
}

// RewriteForSudo adapts a command for a server whose SSH user is not root.
// Docker CLI invocations get a plain sudo prefix; anything else goes
// through a sudo'd shell so pipelines and redirections keep working.
func RewriteForSudo(command string) string {
	trimmed := strings.TrimSpace(command)
	if strings.HasPrefix(trimmed, "docker ") {
		return "sudo " + trimmed
	}
	return "sudo /bin/sh -c " + shellQuote(trimmed)
}

// wrapWithPID makes the remote shell announce its pid on stderr before
// exec'ing the real command, so the pid stays valid for the command itself.
func wrapWithPID(command string) string {
	return fmt.Sprintf(`echo "%s$$" 1>&2; exec /bin/sh -c %s`, pidMarker, shellQuote(command))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// lineWriter splits a byte stream into lines and hands each completed line
// to fn. Flush delivers a trailing unterminated line.
type lineWriter struct {
	buf bytes.Buffer
	fn  func(line string)
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.buf.Next(idx + 1)
		w.fn(line)
	}
}

func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.fn(w.buf.String())
		w.buf.Reset()
	}
}
