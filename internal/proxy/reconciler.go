package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/events"
	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/remote"
)

var reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shipyard_proxy_reconcile_total",
	Help: "Proxy reconciliation evaluations by result",
}, []string{"result"})

// Live container statuses as reported by the status provider.
const (
	ContainerRunning    = "running"
	ContainerExited     = "exited"
	ContainerRestarting = "restarting"
	ContainerUnknown    = "unknown"
)

// StatusProvider reports the live status of a named container on a server.
// The reconciler treats it as ground truth for "is it actually running".
type StatusProvider interface {
	GetStatus(ctx context.Context, server *model.Server, containerName string) (string, error)
}

// PortLister is an optional StatusProvider extension enumerating the ports
// the proxy container itself has bound on the host.
type PortLister interface {
	PublishedPorts(ctx context.Context, server *model.Server) ([]string, error)
}

// ConflictChecker is the port probing contract. Satisfied by *Prober.
type ConflictChecker interface {
	CheckConflicts(ctx context.Context, server *model.Server, ports []string, ownedContainer string) (map[string]bool, error)
}

// ConfigSource is the configuration document contract. Satisfied by
// *ConfigStore.
type ConfigSource interface {
	Load(ctx context.Context, server *model.Server, forceRegenerate bool) (string, error)
	Save(ctx context.Context, server *model.Server, content string) error
	InvalidateDashboard(serverID string)
}

// Executor is the remote execution surface the reconciler needs. Satisfied
// by *remote.Executor.
type Executor interface {
	Execute(ctx context.Context, server *model.Server, batch remote.Batch, run *remote.Run) (map[string]string, error)
	RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error)
}

// Reconciler decides whether a server's proxy should be running, stopped or
// left alone, and drives the start/stop transitions. It holds no locks:
// callers may race, so every mutation re-checks live container status first
// and treats "already in the target state" as success.
type Reconciler struct {
	logger zerolog.Logger
	store  Store
	status StatusProvider
	prober ConflictChecker
	config ConfigSource
	exec   Executor
	bus    events.Bus
}

// NewReconciler wires the decision engine with its collaborators.
func NewReconciler(logger zerolog.Logger, store Store, status StatusProvider, prober ConflictChecker, config ConfigSource, exec Executor, bus events.Bus) *Reconciler {
	return &Reconciler{
		logger: logger.With().Str("component", "proxy-reconciler").Logger(),
		store:  store,
		status: status,
		prober: prober,
		config: config,
		exec:   exec,
		bus:    bus,
	}
}

// Evaluate decides whether the proxy should be started. It is re-entrant:
// scheduler ticks, operator clicks and post-validation hooks may all call
// it, concurrently. fromUI selects between loud failures (UserActionError)
// and silent background declines.
func (r *Reconciler) Evaluate(ctx context.Context, server *model.Server, fromUI bool) (bool, error) {
	start, err := r.evaluate(ctx, server, fromUI)
	switch {
	case err != nil:
		reconcileTotal.WithLabelValues("error").Inc()
	case start:
		reconcileTotal.WithLabelValues("start").Inc()
	default:
		reconcileTotal.WithLabelValues("noop").Inc()
	}
	return start, err
}

func (r *Reconciler) evaluate(ctx context.Context, server *model.Server, fromUI bool) (bool, error) {
	// An unusable server gets no remote calls at all.
	if !server.Functional || server.DeletedAt != nil {
		return false, nil
	}

	// Build servers never run a proxy; clear a leftover assignment.
	if server.IsBuildServer {
		if server.Proxy != nil && server.Proxy.Type != model.ProxyTypeNone {
			if err := r.store.ClearProxySettings(ctx, server.ID); err != nil {
				r.logger.Warn().Err(err).Str("server", server.ID).Msg("failed to clear proxy assignment on build server")
			}
			server.Proxy = nil
		}
		return false, nil
	}

	settings := server.Proxy
	unassigned := settings == nil || settings.Type == "" || settings.Type == model.ProxyTypeNone

	// Background ticks must not fight an operator's explicit stop or
	// nag about an unassigned proxy.
	if !fromUI && (unassigned || settings.ForceStop) {
		return false, nil
	}

	if unassigned || !settings.ShouldRun() {
		if fromUI {
			return false, &UserActionError{Message: "the selected proxy is not managed by this dashboard; start it yourself or choose a managed proxy type"}
		}
		return false, nil
	}

	containerName := model.ProxyContainerName(server)
	status, err := r.status.GetStatus(ctx, server, containerName)
	if err != nil {
		r.logger.Warn().Err(err).Str("server", server.ID).Msg("live container status unavailable")
		status = ContainerUnknown
	}
	if status == ContainerRunning {
		r.persistStatus(ctx, server, model.ProxyStatusRunning)
		return false, nil
	}

	// No local ports are exposed behind a managed tunnel, so conflict
	// probing is meaningless.
	if server.CloudflareTunnel {
		return false, nil
	}

	ports, err := r.candidatePorts(ctx, server)
	if err != nil {
		return false, err
	}
	ports = r.withoutOwnedPorts(ctx, server, ports)

	conflicts, err := r.prober.CheckConflicts(ctx, server, ports, containerName)
	if err != nil {
		// Diagnostic failure, not a proxy failure. Never block startup
		// indefinitely on broken tooling.
		r.logger.Warn().Err(err).Str("server", server.ID).Msg("port probing failed entirely, assuming no conflicts")
		conflicts = nil
	}

	var blocked []string
	for port, conflict := range conflicts {
		if conflict {
			blocked = append(blocked, port)
		}
	}
	sort.Strings(blocked)
	if len(blocked) > 0 {
		if fromUI {
			return false, &UserActionError{Message: fmt.Sprintf(
				"cannot start proxy: port(s) %s already in use on server %s; stop the conflicting process first",
				strings.Join(blocked, ", "), server.Name)}
		}
		r.logger.Warn().Strs("ports", blocked).Str("server", server.ID).Msg("declining background proxy start due to port conflicts")
		return false, nil
	}

	return true, nil
}

// candidatePorts is the proxy's fixed default set unioned with the ports
// declared in its configuration document.
func (r *Reconciler) candidatePorts(ctx context.Context, server *model.Server) ([]string, error) {
	content, err := r.config.Load(ctx, server, false)
	if err != nil {
		var confErr *ConfigurationError
		if errors.As(err, &confErr) {
			return nil, err
		}
		r.logger.Warn().Err(err).Str("server", server.ID).Msg("could not load proxy configuration for port discovery")
		return portSet(nil), nil
	}
	declared, err := ParsePortsFromCompose(content, server.Proxy.Type)
	if err != nil {
		r.logger.Warn().Err(err).Str("server", server.ID).Msg("unparseable proxy configuration, using default ports")
		return portSet(nil), nil
	}
	return portSet(declared), nil
}

// withoutOwnedPorts drops ports the proxy container itself has bound, when
// the status provider can enumerate them. A port the proxy already owns is
// never a conflict, whatever a shell probe would report.
func (r *Reconciler) withoutOwnedPorts(ctx context.Context, server *model.Server, ports []string) []string {
	lister, ok := r.status.(PortLister)
	if !ok {
		return ports
	}
	owned, err := lister.PublishedPorts(ctx, server)
	if err != nil || len(owned) == 0 {
		return ports
	}
	ownedSet := make(map[string]bool, len(owned))
	for _, p := range owned {
		ownedSet[p] = true
	}
	var remaining []string
	for _, p := range ports {
		if !ownedSet[p] {
			remaining = append(remaining, p)
		}
	}
	return remaining
}

// Start brings the proxy up. force regenerates the configuration and skips
// the already-running short circuit (restart path). Start always clears
// force_stop: it is the explicit operator action that unpins a stopped
// proxy.
func (r *Reconciler) Start(ctx context.Context, server *model.Server, force bool, run *remote.Run) error {
	settings := server.Proxy
	if settings == nil || !settings.ShouldRun() {
		return &UserActionError{Message: "no managed proxy is configured for this server"}
	}

	containerName := model.ProxyContainerName(server)

	if !force {
		if status, err := r.status.GetStatus(ctx, server, containerName); err == nil && status == ContainerRunning {
			r.persistStatus(ctx, server, model.ProxyStatusRunning)
			return nil
		}
	}

	settings.ForceStop = false
	r.persistStatus(ctx, server, model.ProxyStatusStarting)
	r.notify(server)
	defer r.notify(server)

	content, err := r.config.Load(ctx, server, force)
	if err != nil {
		return err
	}
	if err := r.config.Save(ctx, server, content); err != nil {
		return err
	}

	batch := remote.Batch{ID: run.NextBatch(), Commands: startCommands(server)}
	if _, err := r.exec.Execute(ctx, server, batch, run); err != nil {
		r.persistStatus(ctx, server, model.ProxyStatusExited)
		return err
	}

	status, err := r.status.GetStatus(ctx, server, containerName)
	if err != nil || status != ContainerRunning {
		r.persistStatus(ctx, server, model.ProxyStatusExited)
		if err != nil {
			return fmt.Errorf("proxy started but status check failed: %w", err)
		}
		return fmt.Errorf("proxy container is %s after start", status)
	}

	settings.LastAppliedSettings = settings.LastSavedSettings
	r.persistStatus(ctx, server, model.ProxyStatusRunning)
	r.logger.Info().Str("server", server.ID).Msg("proxy started")
	return nil
}

// Stop brings the proxy down gracefully and pins it with force_stop when
// the operator asked for it. Cache invalidation and the final notification
// always run, even when the underlying stop command fails.
func (r *Reconciler) Stop(ctx context.Context, server *model.Server, forceStop bool, timeoutSeconds int, run *remote.Run) (err error) {
	settings := server.Proxy
	if settings == nil {
		return nil
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	r.persistStatus(ctx, server, model.ProxyStatusStopping)
	r.notify(server)

	defer func() {
		settings.ForceStop = forceStop
		r.persistStatus(ctx, server, model.ProxyStatusExited)
		r.config.InvalidateDashboard(server.ID)
		r.notify(server)
	}()

	containerName := model.ProxyContainerName(server)
	batch := remote.Batch{ID: run.NextBatch(), Commands: []remote.Command{
		{Command: fmt.Sprintf("docker stop -t %d %s", timeoutSeconds, containerName), IgnoreErrors: true},
		{Command: fmt.Sprintf("docker rm -f %s", containerName), IgnoreErrors: true},
	}}
	if _, execErr := r.exec.Execute(ctx, server, batch, run); execErr != nil {
		r.logger.Warn().Err(execErr).Str("server", server.ID).Msg("proxy stop command failed")
		err = execErr
	}
	return err
}

// Restart composes stop-then-start. The restarting status is visible in
// between so observers understand the transition.
func (r *Reconciler) Restart(ctx context.Context, server *model.Server, run *remote.Run) error {
	r.persistStatus(ctx, server, model.ProxyStatusRestarting)
	r.notify(server)
	if err := r.Stop(ctx, server, false, 30, run); err != nil {
		r.logger.Warn().Err(err).Str("server", server.ID).Msg("stop during restart failed, starting anyway")
	}
	return r.Start(ctx, server, true, run)
}

// persistStatus writes the status immediately so a crash mid-operation
// leaves observable state.
func (r *Reconciler) persistStatus(ctx context.Context, server *model.Server, status string) {
	settings := server.Proxy
	if settings == nil {
		return
	}
	settings.Status = status
	if err := r.store.SaveProxySettings(ctx, settings); err != nil {
		r.logger.Error().Err(err).Str("server", server.ID).Str("status", status).Msg("failed to persist proxy status")
	}
}

func (r *Reconciler) notify(server *model.Server) {
	r.bus.Publish(events.ProxyStatusChanged{ServerID: server.ID})
	r.bus.Publish(events.ProxyStatusChangedUI{TeamID: server.TeamID})
}

func startCommands(server *model.Server) []remote.Command {
	if server.IsSwarm() {
		return []remote.Command{
			{Command: "docker network create --driver overlay --attachable shipyard", IgnoreErrors: true},
			{Command: fmt.Sprintf("docker stack deploy --compose-file %s shipyard-proxy", ProxyConfigPath)},
		}
	}
	return []remote.Command{
		{Command: "docker network create --attachable shipyard", IgnoreErrors: true},
		{Command: fmt.Sprintf("cd %s && docker compose up -d --remove-orphans", ProxyConfigDir)},
	}
}
