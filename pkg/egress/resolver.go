// Package egress turns per-sandbox network policy declarations into
// allow/deny rules scoped to one container.
package egress

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/containai/containai/pkg/baseline"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
	"golang.org/x/sync/errgroup"
)

const maxParallelLookups = 8

// Resolved is a merged policy plus the destinations it allows after
// expansion, DNS resolution and hard-block arbitration.
type Resolved struct {
	Policy       domain.NetworkPolicy `json:"policy" yaml:"policy"`
	Destinations []netip.Prefix       `json:"destinations" yaml:"destinations"`
	Warnings     []string             `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type Resolver struct {
	presets Presets
	blocks  baseline.Policy
	dns     DNSResolver
	logger  hermes.Logger
	metrics hermes.Metrics
}

func NewResolver(presets Presets, blocks baseline.Policy, dns DNSResolver, logger hermes.Logger, metrics hermes.Metrics) *Resolver {
	return &Resolver{
		presets: presets,
		blocks:  blocks,
		dns:     dns,
		logger:  logger,
		metrics: metrics,
	}
}

// Load parses and merges both declaration files. Either path may be empty
// or point at a missing file.
func (r *Resolver) Load(templatePath, workspacePath string) (domain.NetworkPolicy, []Warning) {
	var warnings []Warning
	load := func(path string) domain.NetworkPolicy {
		if path == "" {
			return domain.NetworkPolicy{}
		}
		p, w, err := ParseFile(path)
		warnings = append(warnings, w...)
		if err != nil {
			warnings = append(warnings, Warning{File: path, Message: err.Error()})
		}
		return p
	}

	merged := domain.Merge(load(templatePath), load(workspacePath))
	return merged, warnings
}

// Resolve loads, merges and resolves. It never fails: problems degrade the
// policy and are returned as warnings.
func (r *Resolver) Resolve(ctx context.Context, templatePath, workspacePath string) Resolved {
	policy, warnings := r.Load(templatePath, workspacePath)
	res := r.ResolvePolicy(ctx, policy)
	pre := make([]string, 0, len(warnings))
	for _, w := range warnings {
		r.logger.Warn(ctx, "network policy declaration", map[string]any{"warning": w.String()})
		pre = append(pre, w.String())
	}
	res.Warnings = append(pre, res.Warnings...)
	return res
}

// ResolvePolicy expands and resolves an already merged policy. Nothing is
// resolved unless the policy is default-deny.
func (r *Resolver) ResolvePolicy(ctx context.Context, policy domain.NetworkPolicy) Resolved {
	res := Resolved{Policy: policy}
	if !policy.DefaultDeny {
		if !policy.IsEmpty() {
			r.logger.Info(ctx, "network policy is informational; default_deny is off", map[string]any{
				"presets": policy.Presets,
				"allows":  policy.Allows,
			})
		}
		return res
	}

	warn := func(msg string, fields map[string]any) {
		r.logger.Warn(ctx, msg, fields)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s %v", msg, fields))
	}

	var domains []string
	seenDomain := make(map[string]bool)
	addDomain := func(d string) {
		d = strings.ToLower(strings.TrimSuffix(d, "."))
		if !seenDomain[d] {
			seenDomain[d] = true
			domains = append(domains, d)
		}
	}

	for _, name := range policy.Presets {
		expanded, ok := r.presets.Expand(name)
		if !ok {
			warn("unknown preset ignored", map[string]any{"preset": name, "known": r.presets.Names()})
			continue
		}
		for _, d := range expanded {
			addDomain(d)
		}
	}

	var candidates []netip.Prefix
	for _, entry := range policy.Allows {
		if pfx, ok, err := parseLiteral(entry); ok {
			if err != nil {
				warn("allow entry ignored", map[string]any{"entry": entry, "error": err.Error()})
				continue
			}
			candidates = append(candidates, pfx)
			continue
		}
		if !validDomain(entry) {
			warn("allow entry is neither an address nor a domain", map[string]any{"entry": entry})
			continue
		}
		addDomain(entry)
	}

	// Lookups run in parallel; results are consumed in declaration order.
	// A failed lookup is a per-domain warning, so no goroutine fails the
	// group and Wait only joins.
	addrs := make([][]netip.Addr, len(domains))
	errs := make([]error, len(domains))
	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for i, d := range domains {
		g.Go(func() error {
			addrs[i], errs[i] = r.dns.LookupIPv4(ctx, d)
			return nil
		})
	}
	g.Wait()

	for i, d := range domains {
		if errs[i] != nil {
			r.metrics.IncCounter(hermes.MetricDNSFailures, 1)
			warn("domain did not resolve; no rules for it", map[string]any{"domain": d, "error": errs[i].Error()})
			continue
		}
		for _, a := range addrs[i] {
			candidates = append(candidates, domain.HostPrefix(a))
		}
	}

	seen := make(map[netip.Prefix]bool)
	for _, pfx := range candidates {
		if seen[pfx] {
			continue
		}
		seen[pfx] = true
		if r.blocks.OverlapsHardBlock(pfx) {
			r.metrics.IncCounter(hermes.MetricPolicyConflicts, 1)
			warn("destination overlaps a hard block and was dropped", map[string]any{"destination": pfx.String()})
			continue
		}
		res.Destinations = append(res.Destinations, pfx)
	}
	return res
}

// parseLiteral recognizes IP and CIDR entries. ok reports that entry is an
// address literal at all; err is set for literals that cannot be used.
func parseLiteral(entry string) (netip.Prefix, bool, error) {
	if strings.Contains(entry, "/") {
		pfx, err := netip.ParsePrefix(entry)
		if err != nil {
			if looksNumeric(entry) {
				return netip.Prefix{}, true, fmt.Errorf("invalid CIDR: %w", err)
			}
			return netip.Prefix{}, false, nil
		}
		if !pfx.Addr().Is4() {
			return netip.Prefix{}, true, fmt.Errorf("only IPv4 is supported")
		}
		return pfx.Masked(), true, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, false, nil
	}
	if !addr.Unmap().Is4() {
		return netip.Prefix{}, true, fmt.Errorf("only IPv4 is supported")
	}
	return domain.HostPrefix(addr.Unmap()), true, nil
}

func looksNumeric(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r == '.' || r == '/' || r == ':') {
			return false
		}
	}
	return true
}

func validDomain(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 || !strings.Contains(s, ".") {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
