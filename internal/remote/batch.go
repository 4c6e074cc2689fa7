package remote

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edvin/shipyard/internal/model"
)

// Command is one entry of a batch. Commands in a batch run sequentially on
// the remote host; later commands usually depend on earlier ones.
type Command struct {
	Command string
	// Hidden marks the command (and its log entries) as not for display,
	// e.g. commands that carry secrets.
	Hidden bool
	// Kind tags the resulting log entries: stdout, stderr or custom.
	Kind string
	// IgnoreErrors keeps the batch going when this command exits non-zero.
	IgnoreErrors bool
	// AppendToKey captures the command's output into a named slot on the
	// run, retrievable after the batch completes.
	AppendToKey string
	// Append accumulates into the slot instead of replacing it.
	Append bool
}

// Batch is an ordered sequence of commands executed against one server.
// Distinct batches may run concurrently against the same run; the batch id
// tags their log entries so readers can tell interleaved output apart.
type Batch struct {
	ID       int
	Commands []Command
}

// LogSink is the append-only persistence target for execution log entries.
// The engine only appends; retention is someone else's problem.
type LogSink interface {
	Append(ctx context.Context, entry model.LogEntry) error
}

// OperationStore tracks the lifecycle of the operation owning a run: the
// remote process id (for external cancellation) and terminal status.
type OperationStore interface {
	RecordPID(ctx context.Context, operationID string, pid int) error
	CancelRequested(ctx context.Context, operationID string) (bool, error)
	SetStatus(ctx context.Context, operationID string, status string) error
}

// Run scopes execution state for one logical operation: the monotonic log
// entry order (starting at 1), batch id allocation and named output slots.
// A Run is safe for use by concurrent batches.
type Run struct {
	OperationID string
	sink        LogSink

	order     atomic.Int64
	nextBatch atomic.Int64

	mu      sync.Mutex
	outputs map[string]string
}

// NewRun creates a run for the given operation, appending entries to sink.
func NewRun(operationID string, sink LogSink) *Run {
	return &Run{
		OperationID: operationID,
		sink:        sink,
		outputs:     make(map[string]string),
	}
}

// NextBatch allocates the next batch id for this run, starting at 1.
func (r *Run) NextBatch() int {
	return int(r.nextBatch.Add(1))
}

// Outputs returns a copy of the named output slots captured so far.
func (r *Run) Outputs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

func (r *Run) capture(key, output string, appendTo bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appendTo {
		r.outputs[key] += output
	} else {
		r.outputs[key] = output
	}
}

// append persists one log entry with the next monotonic order number.
func (r *Run) append(ctx context.Context, entry model.LogEntry) error {
	entry.OperationID = r.OperationID
	entry.Order = int(r.order.Add(1))
	return r.sink.Append(ctx, entry)
}
