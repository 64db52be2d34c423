package styx

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const inspectTimeout = 5 * time.Second

// DockerInspector queries the local engine over its API socket.
type DockerInspector struct {
	cli client.NetworkAPIClient
}

// NewDockerInspector connects using the standard DOCKER_* environment.
// The daemon is not contacted until the first inspect.
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerInspector{cli: cli}, nil
}

func NewDockerInspectorWithClient(cli client.NetworkAPIClient) *DockerInspector {
	return &DockerInspector{cli: cli}
}

func (i *DockerInspector) InspectBridge(ctx context.Context) (network.Inspect, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	n, err := i.cli.NetworkInspect(ctx, "bridge", network.InspectOptions{})
	if err != nil {
		return network.Inspect{}, fmt.Errorf("failed to inspect bridge network: %w", err)
	}
	return n, nil
}
