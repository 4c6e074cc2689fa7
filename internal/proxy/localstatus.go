package proxy

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/edvin/shipyard/internal/model"
)

// containerInspector is the slice of the engine API the provider needs.
// *client.Client satisfies it.
type containerInspector interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// LocalStatusProvider reads proxy container state through the engine API
// socket instead of a shell round trip. Used for the server the dashboard
// itself runs on.
type LocalStatusProvider struct {
	cli containerInspector
}

// NewLocalStatusProvider connects to the local engine using the standard
// DOCKER_HOST environment conventions.
func NewLocalStatusProvider() (*LocalStatusProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &LocalStatusProvider{cli: cli}, nil
}

func NewLocalStatusProviderWithClient(cli containerInspector) *LocalStatusProvider {
	return &LocalStatusProvider{cli: cli}
}

func (p *LocalStatusProvider) GetStatus(ctx context.Context, _ *model.Server, containerName string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerUnknown, nil
		}
		return "", fmt.Errorf("inspect proxy container: %w", err)
	}
	if inspect.State == nil {
		return ContainerUnknown, nil
	}
	switch inspect.State.Status {
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

// PublishedPorts lists the host-side TCP ports the proxy container has
// bound, sorted numerically. Empty when the container does not exist.
func (p *LocalStatusProvider) PublishedPorts(ctx context.Context, server *model.Server) ([]string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, model.ProxyContainerName(server))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect proxy container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return nil, nil
	}

	seen := make(map[string]bool)
	var ports []string
	for port, bindings := range inspect.NetworkSettings.Ports {
		if nat.Port(port).Proto() != "tcp" {
			continue
		}
		for _, b := range bindings {
			if b.HostPort == "" || seen[b.HostPort] {
				continue
			}
			seen[b.HostPort] = true
			ports = append(ports, b.HostPort)
		}
	}
	sort.Slice(ports, func(i, j int) bool {
		a, _ := strconv.Atoi(ports[i])
		b, _ := strconv.Atoi(ports[j])
		return a < b
	})
	return ports, nil
}
