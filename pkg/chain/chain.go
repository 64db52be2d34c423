// Package chain inspects and mutates the engine-owned filter chain while
// keeping every engine rule ahead of the chain's terminal RETURN rule.
//
// The chain belongs to the container engine and can change between any two
// reads, so positions are recomputed from a fresh listing before every
// structural mutation and rules are found by their exact match tokens.
package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/containai/containai/pkg/domain"
)

// ErrChainMissing is returned when the engine has not created the chain yet.
var ErrChainMissing = errors.New("chain does not exist")

// Chain is the minimal surface of an ordered rule chain. List returns the
// rule lines in -S format ("-A CHAIN ..."); positions are 1-based.
type Chain interface {
	Name() string
	List(ctx context.Context) ([]string, error)
	InsertAt(ctx context.Context, pos int, args []string) error
	Append(ctx context.Context, args []string) error
	Delete(ctx context.Context, pos int) error
}

func ruleLines(name string, listing []string) []string {
	prefix := "-A " + name + " "
	var out []string
	for _, line := range listing {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

func isMissingChain(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no chain/target/match by that name") ||
		strings.Contains(msg, "chain") && strings.Contains(msg, "does not exist")
}

// Opener returns the chain to operate on for a network context. The choice
// of backend depends on the environment and the privileges held.
type Opener func(ctx context.Context, nc domain.NetworkContext) (Chain, error)
