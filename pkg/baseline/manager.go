// Package baseline keeps the mandatory rule set in place: allow the bridge
// gateway, drop cloud metadata endpoints, drop private ranges. It is always
// active and not user-configurable.
package baseline

import (
	"context"
	"errors"
	"fmt"

	"github.com/containai/containai/pkg/chain"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
	"github.com/containai/containai/pkg/privexec"
)

// BridgeChecker reports whether the bridge interface exists yet.
type BridgeChecker interface {
	BridgeExists(ctx context.Context, nc domain.NetworkContext) (bool, error)
}

type Manager struct {
	policy    Policy
	chainName string
	bridges   BridgeChecker
	open      chain.Opener
	sysbox    func() bool
	logger    hermes.Logger
	metrics   hermes.Metrics
}

func NewManager(policy Policy, chainName string, bridges BridgeChecker, open chain.Opener, sysbox func() bool, logger hermes.Logger, metrics hermes.Metrics) *Manager {
	if sysbox == nil {
		sysbox = func() bool { return false }
	}
	return &Manager{
		policy:    policy,
		chainName: chainName,
		bridges:   bridges,
		open:      open,
		sysbox:    sysbox,
		logger:    logger,
		metrics:   metrics,
	}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

func (m *Manager) expected(nc domain.NetworkContext) []Entry {
	return m.policy.Rules(m.chainName, nc)
}

func failed(r domain.Report, err error) (domain.Report, error) {
	r.Status = domain.StatusError
	r.Detail = err.Error()
	return r, err
}

// prepare validates the context, checks the bridge and opens and probes the
// chain. A nil positioner with a nil error means the report is final.
func (m *Manager) prepare(ctx context.Context, nc domain.NetworkContext, r *domain.Report) (*chain.Positioner, error) {
	if err := nc.Validate(); err != nil {
		return nil, err
	}

	exists, err := m.bridges.BridgeExists(ctx, nc)
	if err != nil {
		return nil, fmt.Errorf("failed to check bridge %s: %w", nc.BridgeName, err)
	}
	if !exists {
		r.Status = domain.StatusBridgeMissing
		r.Detail = fmt.Sprintf("bridge %s does not exist yet; rules will be applied once the engine creates it", nc.BridgeName)
		return nil, nil
	}

	c, err := m.open(ctx, nc)
	if err == nil {
		_, err = c.List(ctx)
	}
	if err != nil {
		return nil, m.classify(ctx, nc, r, err)
	}
	return chain.NewPositioner(c, m.logger, m.metrics), nil
}

// classify turns a chain access failure into a report. It returns nil when
// the failure is a deliberate deferral or skip.
func (m *Manager) classify(ctx context.Context, nc domain.NetworkContext, r *domain.Report, err error) error {
	switch {
	case errors.Is(err, chain.ErrChainMissing):
		r.Status = domain.StatusBridgeMissing
		r.Detail = fmt.Sprintf("chain %s does not exist yet; the engine creates it on startup", m.chainName)
		return nil
	case nc.Environment == domain.EnvNested && m.sysbox() &&
		(errors.Is(err, privexec.ErrPermission) || errors.Is(err, privexec.ErrToolMissing)):
		r.Status = domain.StatusSkipped
		r.Detail = "running under Sysbox; outer runtime isolation already fences sandbox networking"
		return nil
	case errors.Is(err, privexec.ErrToolMissing):
		return fmt.Errorf("%w; install iptables where the engine runs (e.g. apt-get install iptables)", err)
	case errors.Is(err, privexec.ErrPermission):
		if nc.Environment == domain.EnvNested {
			return fmt.Errorf("%w; start this container with --cap-add NET_ADMIN or grant passwordless sudo for iptables", err)
		}
		return fmt.Errorf("%w; run as root or grant passwordless sudo for iptables", err)
	default:
		return err
	}
}

// Apply installs the baseline rules. A missing bridge or chain is deferred
// success: the caller re-applies at every container start to converge.
func (m *Manager) Apply(ctx context.Context, nc domain.NetworkContext, dryRun bool) (domain.Report, error) {
	entries := m.expected(nc)
	r := domain.Report{Context: nc, Expected: len(entries)}

	pos, err := m.prepare(ctx, nc, &r)
	if err != nil {
		return failed(r, err)
	}
	if pos == nil {
		m.logger.Warn(ctx, "baseline apply deferred", map[string]any{
			"status": string(r.Status),
			"detail": r.Detail,
		})
		return r, nil
	}

	if dryRun {
		for _, e := range entries {
			m.logger.Info(ctx, "dry run: would ensure rule", map[string]any{
				"kind": string(e.Kind),
				"rule": e.Rule.String(),
			})
		}
		r.Status = domain.StatusOK
		r.Detail = fmt.Sprintf("dry run: %d rules would be ensured", len(entries))
		return r, nil
	}

	// Order matters: the gateway goes to the head, then each drop is
	// inserted at the terminal's current position.
	for _, e := range entries {
		var changed bool
		if e.Kind == KindGateway {
			changed, err = pos.EnsureAtHead(ctx, e.Rule)
		} else {
			changed, err = pos.EnsureBeforeTerminal(ctx, e.Rule)
		}
		if err != nil {
			return failed(r, fmt.Errorf("failed to apply %s rule: %w", e.Kind, err))
		}
		if changed {
			r.Installed++
		}
	}

	m.metrics.SetGauge(hermes.MetricBaselineRules, float64(len(entries)))
	r.Status = domain.StatusOK
	r.Detail = fmt.Sprintf("%d baseline rules in place (%d installed)", len(entries), r.Installed)
	m.logger.Info(ctx, "baseline applied", map[string]any{
		"bridge":    nc.BridgeName,
		"installed": r.Installed,
		"expected":  r.Expected,
	})
	return r, nil
}

// Remove deletes every copy of every baseline rule.
func (m *Manager) Remove(ctx context.Context, nc domain.NetworkContext, dryRun bool) (domain.Report, error) {
	entries := m.expected(nc)
	r := domain.Report{Context: nc, Expected: len(entries)}

	if err := nc.Validate(); err != nil {
		return failed(r, err)
	}
	c, err := m.open(ctx, nc)
	if err == nil {
		_, err = c.List(ctx)
	}
	if errors.Is(err, chain.ErrChainMissing) {
		r.Status = domain.StatusNone
		r.Detail = fmt.Sprintf("chain %s does not exist; nothing to remove", m.chainName)
		return r, nil
	}
	if err != nil {
		if cerr := m.classify(ctx, nc, &r, err); cerr != nil {
			return failed(r, cerr)
		}
		return r, nil
	}
	pos := chain.NewPositioner(c, m.logger, m.metrics)

	for _, e := range entries {
		var n int
		if dryRun {
			n, err = pos.Count(ctx, e.Rule)
		} else {
			n, err = pos.RemoveAll(ctx, e.Rule)
		}
		if err != nil {
			return failed(r, fmt.Errorf("failed to remove %s rule: %w", e.Kind, err))
		}
		r.Removed += n
	}

	if r.Removed == 0 {
		r.Status = domain.StatusNone
		r.Detail = "no baseline rules found"
	} else {
		r.Status = domain.StatusOK
		r.Detail = fmt.Sprintf("removed %d baseline rules", r.Removed)
		if dryRun {
			r.Detail = fmt.Sprintf("dry run: %d baseline rules would be removed", r.Removed)
		}
	}
	if !dryRun {
		m.metrics.SetGauge(hermes.MetricBaselineRules, 0)
	}
	m.logger.Info(ctx, "baseline removed", map[string]any{"removed": r.Removed, "dry_run": dryRun})
	return r, nil
}

// Check counts the baseline rules that are present and reachable. It never
// mutates the chain.
func (m *Manager) Check(ctx context.Context, nc domain.NetworkContext, verbose bool) (domain.Report, error) {
	entries := m.expected(nc)
	r := domain.Report{Context: nc, Expected: len(entries)}

	pos, err := m.prepare(ctx, nc, &r)
	if err != nil {
		return failed(r, err)
	}
	if pos == nil {
		return r, nil
	}

	for _, e := range entries {
		var present bool
		if e.Kind == KindGateway {
			var n int
			n, err = pos.Count(ctx, e.Rule)
			present = n > 0
		} else {
			present, err = pos.ExistsBeforeTerminal(ctx, e.Rule)
		}
		if err != nil {
			return failed(r, fmt.Errorf("failed to check %s rule: %w", e.Kind, err))
		}
		if present {
			r.Installed++
		}
		if verbose {
			r.Rules = append(r.Rules, domain.RuleState{Kind: string(e.Kind), Rule: e.Rule, Present: present})
		}
	}

	m.metrics.SetGauge(hermes.MetricBaselineRules, float64(r.Installed))
	switch r.Installed {
	case len(entries):
		r.Status = domain.StatusOK
		r.Detail = fmt.Sprintf("all %d baseline rules present", len(entries))
	case 0:
		r.Status = domain.StatusNone
		r.Detail = "no baseline rules present"
	default:
		r.Status = domain.StatusPartial
		r.Detail = fmt.Sprintf("%d of %d baseline rules present", r.Installed, len(entries))
	}
	return r, nil
}
