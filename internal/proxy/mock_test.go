package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/remote"
)

// ---------- CommandRunner ----------

// fakeRunner scripts RunInstant responses per call. The handler receives
// the command and returns output or an error; every call is recorded.
type fakeRunner struct {
	mu       sync.Mutex
	handler  func(command string) (string, error)
	commands []string
}

func (f *fakeRunner) RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return "", nil
	}
	return handler(command)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// ---------- Store ----------

type fakeStore struct {
	mu      sync.Mutex
	saved   []model.ProxySettings
	cleared []string
	saveErr error
}

func (f *fakeStore) SaveProxySettings(ctx context.Context, settings *model.ProxySettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *settings)
	return f.saveErr
}

func (f *fakeStore) ClearProxySettings(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, serverID)
	return nil
}

func (f *fakeStore) lastSavedStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return ""
	}
	return f.saved[len(f.saved)-1].Status
}

// ---------- StatusProvider ----------

type fakeStatus struct {
	mu     sync.Mutex
	status string
	err    error
	calls  int
}

func (f *fakeStatus) GetStatus(ctx context.Context, server *model.Server, containerName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.status, f.err
}

// ---------- ConflictChecker ----------

type fakeChecker struct {
	mu        sync.Mutex
	conflicts map[string]bool
	err       error
	calls     int
	lastPorts []string
}

func (f *fakeChecker) CheckConflicts(ctx context.Context, server *model.Server, ports []string, ownedContainer string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPorts = append([]string(nil), ports...)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool, len(ports))
	for _, p := range ports {
		out[p] = f.conflicts[p]
	}
	return out, nil
}

// ---------- ConfigSource ----------

type fakeConfig struct {
	mu          sync.Mutex
	content     string
	loadErr     error
	saveErr     error
	saves       []string
	invalidated []string
}

func (f *fakeConfig) Load(ctx context.Context, server *model.Server, forceRegenerate bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.loadErr
}

func (f *fakeConfig) Save(ctx context.Context, server *model.Server, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, content)
	return f.saveErr
}

func (f *fakeConfig) InvalidateDashboard(serverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, serverID)
}

// ---------- Executor ----------

type fakeExecutor struct {
	mu      sync.Mutex
	batches []remote.Batch
	execErr error
	instant func(command string) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, server *model.Server, batch remote.Batch, run *remote.Run) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil, f.execErr
}

func (f *fakeExecutor) RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instant == nil {
		return "", nil
	}
	return f.instant(command)
}

func (f *fakeExecutor) executeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// ---------- Bus ----------

type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Publish(event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// ---------- Sink ----------

type nullSink struct{}

func (nullSink) Append(ctx context.Context, entry model.LogEntry) error { return nil }
