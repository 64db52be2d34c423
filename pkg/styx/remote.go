package styx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/containai/containai/pkg/privexec"
	"github.com/docker/docker/api/types/network"
)

// RemoteInspector runs every lookup inside the proxy VM through the
// executor's remote shell.
type RemoteInspector struct {
	exec *privexec.Executor
}

func NewRemoteInspector(exec *privexec.Executor) *RemoteInspector {
	return &RemoteInspector{exec: exec}
}

func (r *RemoteInspector) InspectBridge(ctx context.Context) (network.Inspect, error) {
	res := r.exec.Shell(ctx, "docker", "network", "inspect", "bridge")
	if err := res.Err(); err != nil {
		return network.Inspect{}, fmt.Errorf("docker network inspect in VM: %w", err)
	}

	var nets []network.Inspect
	if err := json.Unmarshal([]byte(res.Output), &nets); err != nil {
		return network.Inspect{}, fmt.Errorf("failed to decode network inspect output: %w", err)
	}
	if len(nets) == 0 {
		return network.Inspect{}, errors.New("docker network inspect returned no networks")
	}
	return nets[0], nil
}

func (r *RemoteInspector) LinkExists(ctx context.Context, name string) (bool, error) {
	res := r.exec.Shell(ctx, "ip", "link", "show", name)
	switch res.Kind {
	case privexec.KindOK:
		return true, nil
	case privexec.KindFailed:
		if strings.Contains(res.Output, "does not exist") {
			return false, nil
		}
	}
	return false, fmt.Errorf("ip link show %s in VM: %w", name, res.Err())
}

func (r *RemoteInspector) LinkAddr(ctx context.Context, name string) (netip.Prefix, error) {
	res := r.exec.Shell(ctx, "ip", "-4", "-o", "addr", "show", "dev", name)
	if err := res.Err(); err != nil {
		return netip.Prefix{}, fmt.Errorf("ip addr show %s in VM: %w", name, err)
	}
	return parseIPAddrOutput(res.Output)
}

// parseIPAddrOutput extracts the first "inet a.b.c.d/n" from `ip -4 -o addr`.
func parseIPAddrOutput(out string) (netip.Prefix, error) {
	fields := strings.Fields(out)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "inet" {
			continue
		}
		p, err := netip.ParsePrefix(fields[i+1])
		if err == nil && p.Addr().Is4() {
			return p, nil
		}
	}
	return netip.Prefix{}, errors.New("no IPv4 address on interface")
}
