package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
)

// DefaultMaxIterations bounds every delete loop. It is generous enough for
// policies that expand presets into hundreds of addresses.
const DefaultMaxIterations = 512

type Positioner struct {
	chain   Chain
	logger  hermes.Logger
	metrics hermes.Metrics
	maxIter int
}

func NewPositioner(c Chain, logger hermes.Logger, metrics hermes.Metrics) *Positioner {
	return &Positioner{
		chain:   c,
		logger:  logger,
		metrics: metrics,
		maxIter: DefaultMaxIterations,
	}
}

func (p *Positioner) Chain() Chain {
	return p.chain
}

func (p *Positioner) terminal() string {
	return "-A " + p.chain.Name() + " -j RETURN"
}

// matches reports whether line contains every token as an exact,
// space-delimited substring. Tokens come from untrusted policy values, so
// no pattern matching is ever involved.
func matches(line string, tokens []string) bool {
	padded := " " + line + " "
	for _, tok := range tokens {
		if !strings.Contains(padded, " "+tok+" ") {
			return false
		}
	}
	return true
}

func (p *Positioner) list(ctx context.Context) ([]string, error) {
	lines, err := p.chain.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain %s: %w", p.chain.Name(), err)
	}
	return lines, nil
}

// FindTerminal returns the 1-based position of the first terminal RETURN
// rule, or found=false.
func (p *Positioner) FindTerminal(ctx context.Context) (pos int, found bool, err error) {
	lines, err := p.list(ctx)
	if err != nil {
		return 0, false, err
	}
	pos = p.terminalIn(lines)
	return pos, pos > 0, nil
}

func (p *Positioner) terminalIn(lines []string) int {
	want := p.terminal()
	for i, line := range lines {
		if line == want {
			return i + 1
		}
	}
	return 0
}

// ExistsBeforeTerminal lists the chain once and reports whether the last
// copy of rule sits strictly before the terminal, or anywhere when there is
// no terminal.
func (p *Positioner) ExistsBeforeTerminal(ctx context.Context, rule domain.FirewallRule) (bool, error) {
	lines, err := p.list(ctx)
	if err != nil {
		return false, err
	}

	tokens := rule.MatchTokens()
	term, last := 0, 0
	for i, line := range lines {
		if term == 0 && line == p.terminal() {
			term = i + 1
		}
		if matches(line, tokens) {
			last = i + 1
		}
	}
	if last == 0 {
		return false, nil
	}
	return term == 0 || last < term, nil
}

// Count returns how many copies of rule are in the chain.
func (p *Positioner) Count(ctx context.Context, rule domain.FirewallRule) (int, error) {
	lines, err := p.list(ctx)
	if err != nil {
		return 0, err
	}
	tokens := rule.MatchTokens()
	n := 0
	for _, line := range lines {
		if matches(line, tokens) {
			n++
		}
	}
	return n, nil
}

// EnsureBeforeTerminal converges rule to a single reachable position. It
// reports whether the chain was changed.
func (p *Positioner) EnsureBeforeTerminal(ctx context.Context, rule domain.FirewallRule) (bool, error) {
	ok, err := p.ExistsBeforeTerminal(ctx, rule)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	if _, err := p.RemoveAll(ctx, rule); err != nil {
		return false, err
	}

	term, found, err := p.FindTerminal(ctx)
	if err != nil {
		return false, err
	}
	if found {
		err = p.chain.InsertAt(ctx, term, rule.Args())
	} else {
		err = p.chain.Append(ctx, rule.Args())
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert %s: %w", rule, err)
	}

	p.metrics.IncCounter(hermes.MetricRulesInserted, 1, hermes.Label{Key: "chain", Value: p.chain.Name()})
	p.logger.Debug(ctx, "rule inserted", map[string]any{
		"rule":     rule.String(),
		"position": term,
		"terminal": found,
	})
	return true, nil
}

// EnsureAtHead places rule at position 1, ahead of rules the engine does not
// control. Only the gateway allow rule goes through here.
func (p *Positioner) EnsureAtHead(ctx context.Context, rule domain.FirewallRule) (bool, error) {
	lines, err := p.list(ctx)
	if err != nil {
		return false, err
	}
	if len(lines) > 0 && matches(lines[0], rule.MatchTokens()) {
		return false, nil
	}

	if _, err := p.RemoveAll(ctx, rule); err != nil {
		return false, err
	}
	if err := p.chain.InsertAt(ctx, 1, rule.Args()); err != nil {
		return false, fmt.Errorf("failed to insert %s at head: %w", rule, err)
	}

	p.metrics.IncCounter(hermes.MetricRulesInserted, 1, hermes.Label{Key: "chain", Value: p.chain.Name()})
	p.logger.Debug(ctx, "rule inserted at head", map[string]any{"rule": rule.String()})
	return true, nil
}

// RemoveAll deletes every copy of rule. Each iteration re-lists the chain
// and deletes the first copy by ordinal.
func (p *Positioner) RemoveAll(ctx context.Context, rule domain.FirewallRule) (int, error) {
	tokens := rule.MatchTokens()
	return p.removeMatching(ctx, p.maxIter, func(line string) bool {
		return matches(line, tokens)
	})
}

// RemoveComment deletes every rule carrying exactly comment. The comment is
// matched as a whole token so "cai:foo" never matches "cai:foo2".
func (p *Positioner) RemoveComment(ctx context.Context, comment string, maxIterations int) (int, error) {
	tokens := []string{domain.CommentToken(comment)}
	return p.removeMatching(ctx, maxIterations, func(line string) bool {
		return matches(line, tokens)
	})
}

// ListComment returns the rule lines carrying exactly comment, in order.
func (p *Positioner) ListComment(ctx context.Context, comment string) ([]string, error) {
	lines, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	tokens := []string{domain.CommentToken(comment)}
	var out []string
	for _, line := range lines {
		if matches(line, tokens) {
			out = append(out, line)
		}
	}
	return out, nil
}

func (p *Positioner) removeMatching(ctx context.Context, maxIterations int, match func(string) bool) (int, error) {
	removed := 0
	for i := 0; i < maxIterations; i++ {
		lines, err := p.list(ctx)
		if err != nil {
			return removed, err
		}

		pos := 0
		for j, line := range lines {
			if match(line) {
				pos = j + 1
				break
			}
		}
		if pos == 0 {
			return removed, nil
		}

		if err := p.chain.Delete(ctx, pos); err != nil {
			return removed, fmt.Errorf("failed to delete rule %d from %s: %w", pos, p.chain.Name(), err)
		}
		removed++
		p.metrics.IncCounter(hermes.MetricRulesDeleted, 1, hermes.Label{Key: "chain", Value: p.chain.Name()})
	}

	p.logger.Warn(ctx, "delete loop hit its iteration bound", map[string]any{
		"chain":   p.chain.Name(),
		"removed": removed,
	})
	return removed, nil
}
