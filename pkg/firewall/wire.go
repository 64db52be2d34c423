package firewall

import (
	"context"
	"net/netip"

	"github.com/containai/containai/pkg/baseline"
	"github.com/containai/containai/pkg/chain"
	"github.com/containai/containai/pkg/config"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/egress"
	"github.com/containai/containai/pkg/hermes"
	"github.com/containai/containai/pkg/lockfile"
	"github.com/containai/containai/pkg/privexec"
	"github.com/containai/containai/pkg/styx"
)

// New builds an Engine against the real machine: docker API and netlink
// for discovery, go-iptables or the iptables binary for the chain, and the
// system nameservers for policy domains.
func New(cfg *config.Config, logger hermes.Logger, metrics hermes.Metrics) *Engine {
	runner := privexec.ExecRunner{}
	shell := cfg.RemoteShell()
	vmExec := privexec.NewExecutor(runner, privexec.ForEnvironment(domain.EnvVMProxy, false, shell), logger).
		WithShell(shell)

	local := styx.Source{Links: styx.NewLocalLinks()}
	if docker, err := styx.NewDockerInspector(); err == nil {
		local.Networks = docker
	} else {
		logger.Debug(context.Background(), "docker API unavailable for discovery", map[string]any{"error": err.Error()})
	}
	remote := styx.NewRemoteInspector(vmExec)
	detector := styx.NewDetector(cfg, local, styx.Source{Networks: remote, Links: remote}, logger)

	open := Opener(cfg.Chain, runner, vmExec, logger)

	var dns egress.DNSResolver
	if r, err := egress.NewMiekgResolver(cfg.DNSServers, cfg.DNSTimeout); err == nil {
		dns = r
	} else {
		logger.Warn(context.Background(), "no nameservers; policy domains will not resolve", map[string]any{"error": err.Error()})
		dns = unavailableDNS{err: err}
	}

	policy := baseline.DefaultPolicy()
	return &Engine{
		Chain:    cfg.Chain,
		Detector: detector,
		Baseline: baseline.NewManager(policy, cfg.Chain, detector, open, styx.IsSysbox, logger, metrics),
		Resolver: egress.NewResolver(egress.DefaultPresets(), policy, dns, logger, metrics),
		Applier:  egress.NewApplier(cfg.Chain, open, logger, metrics),
		Locker:   lockfile.New(cfg.LockDir, cfg.LockTimeout),
		Metrics:  metrics,
		Logger:   logger,
	}
}

// Opener picks the chain backend for a context. Inside the VM everything
// goes through the remote shell. Locally go-iptables is used when the
// process can already manage the firewall, otherwise the binary is run
// directly and then through sudo.
func Opener(name string, runner privexec.Runner, vmExec *privexec.Executor, logger hermes.Logger) chain.Opener {
	return func(ctx context.Context, nc domain.NetworkContext) (chain.Chain, error) {
		if nc.Environment == domain.EnvVMProxy {
			return chain.NewExecChain(name, vmExec), nil
		}

		root := styx.IsRoot()
		if root || styx.HasNetAdmin() {
			c, err := chain.NewIPTablesChain(name)
			if err == nil {
				return c, nil
			}
			logger.Debug(ctx, "go-iptables unavailable, using iptables binary", map[string]any{"error": err.Error()})
		}
		exec := privexec.NewExecutor(runner, privexec.ForEnvironment(nc.Environment, root, nil), logger)
		return chain.NewExecChain(name, exec), nil
	}
}

type unavailableDNS struct {
	err error
}

func (u unavailableDNS) LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error) {
	return nil, u.err
}
