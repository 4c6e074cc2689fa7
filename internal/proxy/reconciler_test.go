package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/shipyard/internal/events"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/remote"
)

type reconcilerFixture struct {
	store   *fakeStore
	status  *fakeStatus
	checker *fakeChecker
	config  *fakeConfig
	exec    *fakeExecutor
	bus     *recordingBus
	r       *Reconciler
}

func newFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		store:   &fakeStore{},
		status:  &fakeStatus{status: ContainerUnknown},
		checker: &fakeChecker{},
		config:  &fakeConfig{content: "services:\n  traefik:\n    ports: [\"80:80\", \"443:443\"]\n"},
		exec:    &fakeExecutor{},
		bus:     &recordingBus{},
	}
	f.r = NewReconciler(zerolog.Nop(), f.store, f.status, f.checker, f.config, f.exec, f.bus)
	return f
}

func functionalServer() *model.Server {
	return &model.Server{
		ID:         "srv-1",
		TeamID:     "team-1",
		Name:       "web-1",
		IP:         "203.0.113.7",
		Functional: true,
		Usable:     true,
		Reachable:  true,
		Proxy: &model.ProxySettings{
			ServerID: "srv-1",
			Type:     model.ProxyTypeTraefik,
			Status:   model.ProxyStatusExited,
		},
	}
}

// ---------- Evaluate ----------

func TestEvaluate_HappyPathStart(t *testing.T) {
	f := newFixture()
	start, err := f.r.Evaluate(context.Background(), functionalServer(), false)
	require.NoError(t, err)
	assert.True(t, start)
}

func TestEvaluate_NonFunctionalServerIsNoop(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.Functional = false

	start, err := f.r.Evaluate(context.Background(), server, true)
	require.NoError(t, err)
	assert.False(t, start)
	assert.Zero(t, f.status.calls)
	assert.Zero(t, f.checker.calls)
}

func TestEvaluate_BuildServerClearsProxy(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.IsBuildServer = true

	start, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, start)
	assert.Equal(t, []string{"srv-1"}, f.store.cleared)
	assert.Nil(t, server.Proxy)
}

func TestEvaluate_ForceStopSuppressesBackground(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.Proxy.ForceStop = true

	start, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, start)
	// Pure short-circuit: no remote calls of any kind.
	assert.Zero(t, f.status.calls)
	assert.Zero(t, f.checker.calls)
	assert.Zero(t, f.exec.executeCalls())
}

func TestEvaluate_CustomProxyFailsLoudlyFromUI(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.Proxy.Type = model.ProxyTypeCustom

	_, err := f.r.Evaluate(context.Background(), server, true)
	var uaErr *UserActionError
	require.ErrorAs(t, err, &uaErr)

	// Background tick with the same state stays silent.
	start, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, start)
}

func TestEvaluate_NoneTypeBackgroundIsSilent(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.Proxy.Type = model.ProxyTypeNone

	start, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, start)
	assert.Zero(t, f.status.calls)
}

func TestEvaluate_AlreadyRunningPersistsAndDeclines(t *testing.T) {
	f := newFixture()
	f.status.status = ContainerRunning

	start, err := f.r.Evaluate(context.Background(), functionalServer(), false)
	require.NoError(t, err)
	assert.False(t, start)
	assert.Equal(t, model.ProxyStatusRunning, f.store.lastSavedStatus())
	assert.Zero(t, f.checker.calls, "no port probes when already running")
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := newFixture()
	server := functionalServer()

	first, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	second, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// After the proxy comes up, the next evaluation observes running and
	// never asks for a second start.
	f.status.status = ContainerRunning
	third, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, third)
}

func TestEvaluate_TunnelSkipsPortChecks(t *testing.T) {
	f := newFixture()
	server := functionalServer()
	server.CloudflareTunnel = true

	start, err := f.r.Evaluate(context.Background(), server, false)
	require.NoError(t, err)
	assert.False(t, start)
	assert.Zero(t, f.checker.calls)
}

func TestEvaluate_ConflictBlocksBackgroundSilently(t *testing.T) {
	f := newFixture()
	f.checker.conflicts = map[string]bool{"443": true}

	start, err := f.r.Evaluate(context.Background(), functionalServer(), false)
	require.NoError(t, err, "background reconciliation never throws on conflicts")
	assert.False(t, start)
}

func TestEvaluate_ConflictRaisesForUI(t *testing.T) {
	f := newFixture()
	f.checker.conflicts = map[string]bool{"443": true}

	_, err := f.r.Evaluate(context.Background(), functionalServer(), true)
	var uaErr *UserActionError
	require.ErrorAs(t, err, &uaErr)
	assert.Contains(t, uaErr.Message, "443")
}

// portListingStatus additionally reports ports the proxy container itself
// has bound, exercising the PortLister extension.
type portListingStatus struct {
	fakeStatus
	owned []string
}

func (p *portListingStatus) PublishedPorts(ctx context.Context, server *model.Server) ([]string, error) {
	return p.owned, nil
}

func TestEvaluate_SkipsPortsTheProxyAlreadyOwns(t *testing.T) {
	f := newFixture()
	status := &portListingStatus{fakeStatus: fakeStatus{status: ContainerExited}, owned: []string{"443"}}
	r := NewReconciler(zerolog.Nop(), f.store, status, f.checker, f.config, f.exec, f.bus)
	f.checker.conflicts = map[string]bool{"443": true}

	start, err := r.Evaluate(context.Background(), functionalServer(), true)
	require.NoError(t, err, "a port bound by the proxy itself is not a conflict")
	assert.True(t, start)
	assert.NotContains(t, f.checker.lastPorts, "443")
	assert.Contains(t, f.checker.lastPorts, "80")
}

func TestEvaluate_ProberFailureDegradesToNoConflict(t *testing.T) {
	f := newFixture()
	f.checker.err = errors.New("transport exploded")

	start, err := f.r.Evaluate(context.Background(), functionalServer(), false)
	require.NoError(t, err)
	assert.True(t, start, "a broken diagnostic must not block startup")
}

func TestEvaluate_ConfigurationErrorPropagates(t *testing.T) {
	f := newFixture()
	f.config.content = ""
	f.config.loadErr = &ConfigurationError{Message: "nothing to generate"}

	_, err := f.r.Evaluate(context.Background(), functionalServer(), false)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

// ---------- Start ----------

func TestStart_HappyPath(t *testing.T) {
	f := newFixture()
	f.status.status = ContainerRunning // post-start verification
	server := functionalServer()
	server.Proxy.ForceStop = true

	run := remote.NewRun("op-1", nullSink{})
	require.NoError(t, f.r.Start(context.Background(), server, true, run))

	assert.False(t, server.Proxy.ForceStop, "explicit start clears force_stop")
	assert.Equal(t, model.ProxyStatusRunning, server.Proxy.Status)
	assert.Equal(t, 1, f.exec.executeCalls())
	require.Len(t, f.config.saves, 1)
	assert.Equal(t, server.Proxy.LastSavedSettings, server.Proxy.LastAppliedSettings)
}

func TestStart_AlreadyRunningIsSuccess(t *testing.T) {
	f := newFixture()
	f.status.status = ContainerRunning

	run := remote.NewRun("op-1", nullSink{})
	require.NoError(t, f.r.Start(context.Background(), functionalServer(), false, run))
	assert.Zero(t, f.exec.executeCalls(), "racing with another actor treats already-running as success")
}

func TestStart_ExecuteFailureMarksExited(t *testing.T) {
	f := newFixture()
	f.exec.execErr = errors.New("Process exited with status 1")

	server := functionalServer()
	run := remote.NewRun("op-1", nullSink{})
	err := f.r.Start(context.Background(), server, true, run)
	require.Error(t, err)
	assert.Equal(t, model.ProxyStatusExited, server.Proxy.Status)
}

// ---------- Stop ----------

func TestStop_AlwaysNotifiesAndPersists(t *testing.T) {
	f := newFixture()
	f.exec.execErr = errors.New("Connection reset by peer")

	server := functionalServer()
	server.Proxy.Status = model.ProxyStatusRunning

	run := remote.NewRun("op-1", nullSink{})
	err := f.r.Stop(context.Background(), server, true, 30, run)
	require.Error(t, err)

	// Finally-semantics despite the failed stop command.
	assert.Equal(t, model.ProxyStatusExited, server.Proxy.Status)
	assert.True(t, server.Proxy.ForceStop)
	assert.Equal(t, []string{"srv-1"}, f.config.invalidated)

	// One notification pair at stopping, exactly one final pair after.
	var changed, ui int
	for _, e := range f.bus.events {
		switch e.(type) {
		case events.ProxyStatusChanged:
			changed++
		case events.ProxyStatusChangedUI:
			ui++
		}
	}
	assert.Equal(t, 2, changed)
	assert.Equal(t, 2, ui)
}

func TestStop_GracefulCommandsCarryTimeout(t *testing.T) {
	f := newFixture()
	server := functionalServer()

	run := remote.NewRun("op-1", nullSink{})
	require.NoError(t, f.r.Stop(context.Background(), server, false, 60, run))

	require.Len(t, f.exec.batches, 1)
	cmds := f.exec.batches[0].Commands
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0].Command, "docker stop -t 60 shipyard-proxy")
	assert.True(t, cmds[0].IgnoreErrors)
	assert.Contains(t, cmds[1].Command, "docker rm -f shipyard-proxy")
	assert.True(t, cmds[1].IgnoreErrors)
	assert.False(t, server.Proxy.ForceStop)
}

// ---------- Restart ----------

func TestRestart_ComposesStopThenStart(t *testing.T) {
	f := newFixture()
	f.status.status = ContainerRunning

	server := functionalServer()
	run := remote.NewRun("op-1", nullSink{})
	require.NoError(t, f.r.Restart(context.Background(), server, run))

	// One stop batch plus one start batch.
	assert.Equal(t, 2, f.exec.executeCalls())
	assert.Equal(t, model.ProxyStatusRunning, server.Proxy.Status)
}

// ---------- Swarm ----------

func TestStart_SwarmUsesStackDeploy(t *testing.T) {
	f := newFixture()
	f.status.status = ContainerRunning
	server := functionalServer()
	server.IsSwarmManager = true

	run := remote.NewRun("op-1", nullSink{})
	require.NoError(t, f.r.Start(context.Background(), server, true, run))

	require.Len(t, f.exec.batches, 1)
	found := false
	for _, cmd := range f.exec.batches[0].Commands {
		if strings.Contains(cmd.Command, "docker stack deploy") {
			found = true
		}
	}
	assert.True(t, found)
}
