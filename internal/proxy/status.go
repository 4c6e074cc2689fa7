package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/model"
)

// RemoteStatusProvider reads live container status through the remote
// executor. Servers with a local Docker socket are better served by the
// deployer package's API-based provider; this one works anywhere SSH does.
type RemoteStatusProvider struct {
	runner CommandRunner
}

func NewRemoteStatusProvider(runner CommandRunner) *RemoteStatusProvider {
	return &RemoteStatusProvider{runner: runner}
}

func (p *RemoteStatusProvider) GetStatus(ctx context.Context, server *model.Server, containerName string) (string, error) {
	cmd := fmt.Sprintf("docker inspect --format '{{.State.Status}}' %s 2>/dev/null || echo not_found", containerName)
	out, err := p.runner.RunInstant(ctx, server, cmd, 10*time.Second)
	if err != nil {
		return ContainerUnknown, err
	}
	switch strings.TrimSpace(out) {
	case "running":
		return ContainerRunning, nil
	case "exited", "dead", "created":
		return ContainerExited, nil
	case "restarting":
		return ContainerRestarting, nil
	default:
		return ContainerUnknown, nil
	}
}

// DispatchingStatusProvider routes status reads by server locality: the
// host the dashboard runs on is inspected through the engine API socket,
// everything else goes over SSH. local may be nil when no socket is
// available, in which case everything is remote.
type DispatchingStatusProvider struct {
	remote StatusProvider
	local  StatusProvider
}

func NewDispatchingStatusProvider(remote, local StatusProvider) *DispatchingStatusProvider {
	return &DispatchingStatusProvider{remote: remote, local: local}
}

func (p *DispatchingStatusProvider) GetStatus(ctx context.Context, server *model.Server, containerName string) (string, error) {
	if server.IsLocalhost && p.local != nil {
		return p.local.GetStatus(ctx, server, containerName)
	}
	return p.remote.GetStatus(ctx, server, containerName)
}

// PublishedPorts enumerates the proxy's own port bindings for servers whose
// status source supports it. Satisfies PortLister.
func (p *DispatchingStatusProvider) PublishedPorts(ctx context.Context, server *model.Server) ([]string, error) {
	if !server.IsLocalhost || p.local == nil {
		return nil, nil
	}
	lister, ok := p.local.(PortLister)
	if !ok {
		return nil, nil
	}
	return lister.PublishedPorts(ctx, server)
}

// NewDefaultStatusProvider builds the dispatching provider used by the
// binaries: SSH everywhere, the local engine socket when one can be opened.
func NewDefaultStatusProvider(logger zerolog.Logger, runner CommandRunner) StatusProvider {
	remote := NewRemoteStatusProvider(runner)
	local, err := NewLocalStatusProvider()
	if err != nil {
		logger.Warn().Err(err).Msg("local engine socket unavailable, localhost servers will use SSH")
		return remote
	}
	return NewDispatchingStatusProvider(remote, local)
}
