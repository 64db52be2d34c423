package egress

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/containai/containai/pkg/chain"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
)

// CommentPrefix tags every per-container rule; the container id follows.
const CommentPrefix = "cai:"

const maxContainerIDLen = 128

var ErrInvalidContainer = errors.New("invalid container")

// Result describes one ApplyPolicy call.
type Result struct {
	ContainerID string                `json:"container_id" yaml:"container_id"`
	Address     netip.Addr            `json:"address" yaml:"address"`
	Enforcing   bool                  `json:"enforcing" yaml:"enforcing"`
	Removed     int                   `json:"removed" yaml:"removed"`
	Allowed     []netip.Prefix        `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Rules       []domain.FirewallRule `json:"rules,omitempty" yaml:"rules,omitempty"`
	Warnings    []string              `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type Applier struct {
	chainName string
	open      chain.Opener
	logger    hermes.Logger
	metrics   hermes.Metrics
}

func NewApplier(chainName string, open chain.Opener, logger hermes.Logger, metrics hermes.Metrics) *Applier {
	return &Applier{
		chainName: chainName,
		open:      open,
		logger:    logger,
		metrics:   metrics,
	}
}

// Comment returns the rule comment owned by containerID.
func Comment(containerID string) string {
	return CommentPrefix + containerID
}

// ValidateContainerID accepts letters, digits and "_.:-", which covers
// engine ids and names and survives the iptables -S round trip unescaped.
func ValidateContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty container id", ErrInvalidContainer)
	}
	if len(id) > maxContainerIDLen {
		return fmt.Errorf("%w: container id longer than %d", ErrInvalidContainer, maxContainerIDLen)
	}
	for _, r := range id {
		if !validIDRune(r) {
			return fmt.Errorf("%w: container id %q contains %q", ErrInvalidContainer, id, r)
		}
	}
	return nil
}

func validIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '.', r == ':', r == '-':
		return true
	}
	return false
}

// Rules builds the rule set for one container: one ACCEPT per destination
// followed by the single DROP.
func (a *Applier) Rules(nc domain.NetworkContext, containerID string, addr netip.Addr, destinations []netip.Prefix) []domain.FirewallRule {
	src := domain.HostPrefix(addr)
	comment := Comment(containerID)
	rules := make([]domain.FirewallRule, 0, len(destinations)+1)
	for _, dst := range destinations {
		rules = append(rules, domain.FirewallRule{
			Chain:       a.chainName,
			Interface:   nc.BridgeName,
			Source:      src,
			Destination: dst,
			Action:      domain.ActionAccept,
			Comment:     comment,
		})
	}
	return append(rules, domain.FirewallRule{
		Chain:     a.chainName,
		Interface: nc.BridgeName,
		Source:    src,
		Action:    domain.ActionDrop,
		Comment:   comment,
	})
}

func (a *Applier) positioner(ctx context.Context, nc domain.NetworkContext) (*chain.Positioner, error) {
	c, err := a.open(ctx, nc)
	if err != nil {
		return nil, err
	}
	return chain.NewPositioner(c, a.logger, a.metrics), nil
}

// ApplyPolicy replaces whatever rules containerID owns with the ones
// resolved allows. A non-enforcing policy only clears stale rules.
func (a *Applier) ApplyPolicy(ctx context.Context, nc domain.NetworkContext, containerID string, addr netip.Addr, resolved Resolved) (Result, error) {
	res := Result{ContainerID: containerID, Address: addr, Warnings: resolved.Warnings}
	if err := ValidateContainerID(containerID); err != nil {
		return res, err
	}
	if !addr.Unmap().Is4() {
		return res, fmt.Errorf("%w: address %s is not IPv4", ErrInvalidContainer, addr)
	}
	addr = addr.Unmap()
	res.Address = addr
	if err := nc.Validate(); err != nil {
		return res, err
	}

	pos, err := a.positioner(ctx, nc)
	if err != nil {
		return res, err
	}

	res.Removed, err = a.removeWith(ctx, pos, containerID)
	if err != nil {
		return res, err
	}

	if !resolved.Policy.DefaultDeny {
		a.logger.Info(ctx, "egress policy not enforced", map[string]any{
			"container": containerID,
			"removed":   res.Removed,
		})
		return res, nil
	}

	res.Enforcing = true
	res.Allowed = resolved.Destinations
	rules := a.Rules(nc, containerID, addr, resolved.Destinations)

	// Allows first: each insert lands at the terminal's current position,
	// so the DROP inserted last ends up after every allow.
	for _, rule := range rules {
		if _, err := pos.EnsureBeforeTerminal(ctx, rule); err != nil {
			return res, fmt.Errorf("failed to apply policy for %s: %w", containerID, err)
		}
		res.Rules = append(res.Rules, rule)
	}

	a.logger.Info(ctx, "egress policy applied", map[string]any{
		"container": containerID,
		"address":   addr.String(),
		"allowed":   len(resolved.Destinations),
		"removed":   res.Removed,
	})
	return res, nil
}

// RemovePolicy deletes every rule owned by containerID. A chain that does
// not exist holds no rules.
func (a *Applier) RemovePolicy(ctx context.Context, nc domain.NetworkContext, containerID string) (int, error) {
	if err := ValidateContainerID(containerID); err != nil {
		return 0, err
	}
	pos, err := a.positioner(ctx, nc)
	if errors.Is(err, chain.ErrChainMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.removeWith(ctx, pos, containerID)
}

func (a *Applier) removeWith(ctx context.Context, pos *chain.Positioner, containerID string) (int, error) {
	n, err := pos.RemoveComment(ctx, Comment(containerID), chain.DefaultMaxIterations)
	if errors.Is(err, chain.ErrChainMissing) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("failed to remove policy for %s: %w", containerID, err)
	}
	if n > 0 {
		a.logger.Debug(ctx, "egress policy rules removed", map[string]any{
			"container": containerID,
			"removed":   n,
		})
	}
	return n, nil
}

// ListPolicy returns the chain lines owned by containerID.
func (a *Applier) ListPolicy(ctx context.Context, nc domain.NetworkContext, containerID string) ([]string, error) {
	if err := ValidateContainerID(containerID); err != nil {
		return nil, err
	}
	pos, err := a.positioner(ctx, nc)
	if err != nil {
		return nil, err
	}
	lines, err := pos.ListComment(ctx, Comment(containerID))
	if errors.Is(err, chain.ErrChainMissing) {
		return nil, nil
	}
	return lines, err
}
