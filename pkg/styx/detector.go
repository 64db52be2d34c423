// Package styx works out which execution environment the engine runs in and
// which bridge, gateway and subnet its sandboxes sit behind.
package styx

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"strings"

	"github.com/containai/containai/pkg/config"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
	"github.com/docker/docker/api/types/network"
	"github.com/shirou/gopsutil/v3/host"
)

const bridgeNameOption = "com.docker.network.bridge.name"

// Fallback used when the inner engine's bridge cannot be discovered yet.
var (
	DefaultBridge  = "docker0"
	DefaultGateway = netip.MustParseAddr("172.17.0.1")
	DefaultSubnet  = netip.MustParsePrefix("172.17.0.0/16")
)

// NetworkInspector returns the container engine's default bridge network.
type NetworkInspector interface {
	InspectBridge(ctx context.Context) (network.Inspect, error)
}

// LinkInspector answers questions about a network interface.
type LinkInspector interface {
	LinkExists(ctx context.Context, name string) (bool, error)
	LinkAddr(ctx context.Context, name string) (netip.Prefix, error)
}

// Source pairs the lookups for one place: the local machine or the VM.
type Source struct {
	Networks NetworkInspector
	Links    LinkInspector
}

// Probes decide the environment. They are replaceable for tests.
type Probes struct {
	InContainer func(ctx context.Context) bool
	UsesVM      func() bool
}

type Detector struct {
	cfg    *config.Config
	logger hermes.Logger
	local  Source
	remote Source
	probes Probes
}

func NewDetector(cfg *config.Config, local, remote Source, logger hermes.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger,
		local:  local,
		remote: remote,
		probes: DefaultProbes(),
	}
}

// WithProbes replaces the environment probes.
func (d *Detector) WithProbes(p Probes) *Detector {
	d.probes = p
	return d
}

func DefaultProbes() Probes {
	return Probes{
		InContainer: InContainer,
		UsesVM: func() bool {
			return runtime.GOOS == "darwin"
		},
	}
}

// Environment picks nested before vm-proxy before host.
func (d *Detector) Environment(ctx context.Context) domain.Environment {
	switch {
	case d.probes.InContainer != nil && d.probes.InContainer(ctx):
		return domain.EnvNested
	case d.probes.UsesVM != nil && d.probes.UsesVM():
		return domain.EnvVMProxy
	default:
		return domain.EnvHost
	}
}

// Detect resolves the network context for the current environment. It only
// fails when no complete context could be assembled after every fallback.
func (d *Detector) Detect(ctx context.Context) (domain.NetworkContext, error) {
	env := d.Environment(ctx)

	var nc domain.NetworkContext
	switch env {
	case domain.EnvHost:
		nc = domain.NetworkContext{
			Environment: env,
			BridgeName:  d.cfg.BridgeName,
			Gateway:     d.cfg.GatewayAddr(),
			Subnet:      SubnetFor(d.cfg.GatewayAddr(), d.cfg.CIDRSuffix),
		}
	case domain.EnvNested:
		nc = d.discover(ctx, env, d.local)
	case domain.EnvVMProxy:
		nc = d.discover(ctx, env, d.remote)
	}

	if err := nc.Validate(); err != nil {
		return nc, fmt.Errorf("network detection failed in %s environment: %w; %s", env, err, d.remediation(env))
	}
	d.logger.Debug(ctx, "network context detected", map[string]any{
		"environment": string(nc.Environment),
		"bridge":      nc.BridgeName,
		"gateway":     nc.Gateway.String(),
		"subnet":      nc.Subnet.String(),
	})
	return nc, nil
}

func (d *Detector) remediation(env domain.Environment) string {
	switch env {
	case domain.EnvNested:
		return "start the inner docker daemon (dockerd) and retry"
	case domain.EnvVMProxy:
		return fmt.Sprintf("start the VM (limactl start %s) and retry", d.cfg.VMInstance)
	default:
		return "check bridge_name, gateway and cidr_suffix in the configuration"
	}
}

func (d *Detector) discover(ctx context.Context, env domain.Environment, src Source) domain.NetworkContext {
	if src.Networks != nil {
		inspect, err := src.Networks.InspectBridge(ctx)
		if err == nil {
			if nc, ok := fromInspect(env, inspect); ok {
				return nc
			}
			err = errors.New("bridge network has no IPv4 IPAM config")
		}
		d.logger.Debug(ctx, "engine network inspect unavailable, trying interface", map[string]any{
			"environment": string(env),
			"error":       err.Error(),
		})
	}

	if src.Links != nil {
		prefix, err := src.Links.LinkAddr(ctx, DefaultBridge)
		if err == nil && prefix.Addr().Is4() {
			return domain.NetworkContext{
				Environment: env,
				BridgeName:  DefaultBridge,
				Gateway:     prefix.Addr(),
				Subnet:      prefix.Masked(),
			}
		}
		if err != nil {
			d.logger.Debug(ctx, "bridge interface address unavailable", map[string]any{
				"bridge": DefaultBridge,
				"error":  err.Error(),
			})
		}
	}

	d.logger.Debug(ctx, "using default bridge settings; bridge may not exist yet", map[string]any{
		"environment": string(env),
		"bridge":      DefaultBridge,
		"gateway":     DefaultGateway.String(),
		"subnet":      DefaultSubnet.String(),
	})
	return domain.NetworkContext{
		Environment: env,
		BridgeName:  DefaultBridge,
		Gateway:     DefaultGateway,
		Subnet:      DefaultSubnet,
	}
}

func fromInspect(env domain.Environment, n network.Inspect) (domain.NetworkContext, bool) {
	name := n.Options[bridgeNameOption]
	if name == "" {
		name = DefaultBridge
	}
	for _, c := range n.IPAM.Config {
		subnet, err := netip.ParsePrefix(c.Subnet)
		if err != nil || !subnet.Addr().Is4() {
			continue
		}
		gw, err := netip.ParseAddr(c.Gateway)
		if err != nil {
			// The engine leaves Gateway empty when it picked the first host address.
			gw = subnet.Masked().Addr().Next()
		}
		if !gw.Is4() {
			continue
		}
		return domain.NetworkContext{
			Environment: env,
			BridgeName:  name,
			Gateway:     gw,
			Subnet:      subnet.Masked(),
		}, true
	}
	return domain.NetworkContext{}, false
}

// BridgeExists reports whether the context's bridge interface is present
// where the engine runs.
func (d *Detector) BridgeExists(ctx context.Context, nc domain.NetworkContext) (bool, error) {
	src := d.local
	if nc.Environment == domain.EnvVMProxy {
		src = d.remote
	}
	if src.Links == nil {
		return false, errors.New("no link inspector configured")
	}
	return src.Links.LinkExists(ctx, nc.BridgeName)
}

// SubnetFor derives the subnet from the gateway by zeroing host bits.
// Suffixes other than /8, /12, /16 and /24 are treated as /16.
func SubnetFor(gateway netip.Addr, suffix int) netip.Prefix {
	switch suffix {
	case 8, 12, 16, 24:
	default:
		suffix = 16
	}
	return netip.PrefixFrom(gateway, suffix).Masked()
}

var containerSystems = map[string]bool{
	"docker":     true,
	"lxc":        true,
	"podman":     true,
	"containerd": true,
	"kubepods":   true,
	"rkt":        true,
}

// InContainer reports whether this process runs inside a container.
func InContainer(ctx context.Context) bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	system, role, err := host.VirtualizationWithContext(ctx)
	if err != nil {
		return false
	}
	return role == "guest" && containerSystems[strings.ToLower(system)]
}
