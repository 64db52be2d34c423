package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containai/containai/pkg/domain"
)

// MemoryChain is an in-memory Chain that renders rules the way iptables -S
// prints them. It backs tests of everything above the chain primitives.
type MemoryChain struct {
	name    string
	mu      sync.Mutex
	rules   []string
	missing bool

	// FailDelete and FailInsert inject mutation errors.
	FailDelete error
	FailInsert error
}

// NewMemoryChain returns a chain seeded with the engine's terminal rule.
func NewMemoryChain(name string) *MemoryChain {
	return &MemoryChain{
		name:  name,
		rules: []string{"-A " + name + " -j RETURN"},
	}
}

// NewMemoryChainFrom returns a chain holding exactly lines, as listed by
// iptables -S without the -N line.
func NewMemoryChainFrom(name string, lines ...string) *MemoryChain {
	return &MemoryChain{name: name, rules: append([]string(nil), lines...)}
}

// NewMissingMemoryChain returns a chain that reports ErrChainMissing.
func NewMissingMemoryChain(name string) *MemoryChain {
	return &MemoryChain{name: name, missing: true}
}

func (c *MemoryChain) Name() string {
	return c.name
}

// Create makes a missing chain exist with only its terminal rule.
func (c *MemoryChain) Create() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missing = false
	c.rules = []string{"-A " + c.name + " -j RETURN"}
}

// Raw appends a preformatted rule line, bypassing any positioning.
func (c *MemoryChain) Raw(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, line)
}

// Rules returns a snapshot of the rule lines.
func (c *MemoryChain) Rules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rules...)
}

func (c *MemoryChain) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing {
		return nil, ErrChainMissing
	}
	return append([]string(nil), c.rules...), nil
}

func (c *MemoryChain) InsertAt(ctx context.Context, pos int, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing {
		return ErrChainMissing
	}
	if c.FailInsert != nil {
		return c.FailInsert
	}
	if pos < 1 || pos > len(c.rules)+1 {
		return fmt.Errorf("index of insertion too big: %d", pos)
	}
	line := c.render(args)
	c.rules = append(c.rules[:pos-1], append([]string{line}, c.rules[pos-1:]...)...)
	return nil
}

func (c *MemoryChain) Append(ctx context.Context, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing {
		return ErrChainMissing
	}
	if c.FailInsert != nil {
		return c.FailInsert
	}
	c.rules = append(c.rules, c.render(args))
	return nil
}

func (c *MemoryChain) Delete(ctx context.Context, pos int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing {
		return ErrChainMissing
	}
	if c.FailDelete != nil {
		return c.FailDelete
	}
	if pos < 1 || pos > len(c.rules) {
		return fmt.Errorf("index of deletion too big: %d", pos)
	}
	c.rules = append(c.rules[:pos-1], c.rules[pos:]...)
	return nil
}

func (c *MemoryChain) render(args []string) string {
	out := make([]string, 0, len(args)+2)
	out = append(out, "-A", c.name)
	for i, a := range args {
		if i > 0 && args[i-1] == "--comment" {
			a = domain.SaveString(a)
		}
		out = append(out, a)
	}
	return strings.Join(out, " ")
}
