package egress

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/containai/containai/pkg/chain"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = "DOCKER-USER"

var containerAddr = netip.MustParseAddr("172.30.0.5")

func hostContext() domain.NetworkContext {
	return domain.NetworkContext{
		Environment: domain.EnvHost,
		BridgeName:  "cai0",
		Gateway:     netip.MustParseAddr("172.30.0.1"),
		Subnet:      netip.MustParsePrefix("172.30.0.0/16"),
	}
}

func newApplier(c chain.Chain) *Applier {
	open := func(ctx context.Context, nc domain.NetworkContext) (chain.Chain, error) {
		return c, nil
	}
	return NewApplier(testChain, open, hermes.NewNopLogger(), hermes.NewNoopMetrics())
}

func enforcing(dsts ...string) Resolved {
	return Resolved{
		Policy:       domain.NetworkPolicy{DefaultDeny: true},
		Destinations: prefixes(dsts...),
	}
}

func terminalIndex(rules []string) int {
	for i, r := range rules {
		if r == "-A "+testChain+" -j RETURN" {
			return i
		}
	}
	return -1
}

func TestApplyPolicy_AllowsThenDrop(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)

	res, err := a.ApplyPolicy(context.Background(), hostContext(), "c1", containerAddr,
		enforcing("140.82.112.3/32", "203.0.113.0/24"))
	require.NoError(t, err)
	assert.True(t, res.Enforcing)
	assert.Len(t, res.Rules, 3)

	assert.Equal(t, []string{
		`-A DOCKER-USER -s 172.30.0.5/32 -d 140.82.112.3/32 -i cai0 -m comment --comment "cai:c1" -j ACCEPT`,
		`-A DOCKER-USER -s 172.30.0.5/32 -d 203.0.113.0/24 -i cai0 -m comment --comment "cai:c1" -j ACCEPT`,
		`-A DOCKER-USER -s 172.30.0.5/32 -i cai0 -m comment --comment "cai:c1" -j DROP`,
		`-A DOCKER-USER -j RETURN`,
	}, c.Rules())
}

func TestApplyPolicy_ReapplyReplaces(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)
	ctx := context.Background()

	_, err := a.ApplyPolicy(ctx, hostContext(), "c1", containerAddr, enforcing("140.82.112.3/32", "198.51.100.1/32"))
	require.NoError(t, err)

	res, err := a.ApplyPolicy(ctx, hostContext(), "c1", containerAddr, enforcing("203.0.113.9/32"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Removed)

	lines, err := a.ListPolicy(ctx, hostContext(), "c1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "-d 203.0.113.9/32")
	assert.Contains(t, lines[1], "-j DROP")
}

func TestApplyPolicy_StaysBeforeTerminal(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	// Rules the container engine appended after its own RETURN.
	c.Raw("-A DOCKER-USER -i eth9 -j ACCEPT")
	a := newApplier(c)
	ctx := context.Background()

	ids := []string{"alpha", "beta", "alpha", "gamma"}
	for i, id := range ids {
		addr := netip.AddrFrom4([4]byte{172, 30, 0, byte(10 + i)})
		_, err := a.ApplyPolicy(ctx, hostContext(), id, addr, enforcing("203.0.113.0/24", "198.51.100.0/24"))
		require.NoError(t, err)

		rules := c.Rules()
		term := terminalIndex(rules)
		require.GreaterOrEqual(t, term, 0)
		for j, line := range rules {
			if strings.Contains(line, `--comment "cai:`) {
				assert.Less(t, j, term, line)
			}
		}
	}
}

func TestApplyPolicy_NotEnforcingClearsStaleRules(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)
	ctx := context.Background()

	_, err := a.ApplyPolicy(ctx, hostContext(), "c1", containerAddr, enforcing("203.0.113.9/32"))
	require.NoError(t, err)

	res, err := a.ApplyPolicy(ctx, hostContext(), "c1", containerAddr, Resolved{
		Policy: domain.NetworkPolicy{Presets: []string{"git-hosts"}, Allows: []string{"203.0.113.9"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Enforcing)
	assert.Equal(t, 2, res.Removed)
	assert.Empty(t, res.Rules)
	assert.Equal(t, []string{"-A DOCKER-USER -j RETURN"}, c.Rules())
}

func TestRemovePolicy_ExactComment(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)
	ctx := context.Background()

	_, err := a.ApplyPolicy(ctx, hostContext(), "foo", containerAddr, enforcing("203.0.113.9/32"))
	require.NoError(t, err)
	_, err = a.ApplyPolicy(ctx, hostContext(), "foo2", netip.MustParseAddr("172.30.0.6"), enforcing("203.0.113.9/32"))
	require.NoError(t, err)

	n, err := a.RemovePolicy(ctx, hostContext(), "foo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines, err := a.ListPolicy(ctx, hostContext(), "foo2")
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Len(t, c.Rules(), 3)
}

func TestRemovePolicy_Idempotent(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)

	n, err := a.RemovePolicy(context.Background(), hostContext(), "c1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = newApplier(chain.NewMissingMemoryChain(testChain)).RemovePolicy(context.Background(), hostContext(), "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemovePolicy_DeleteFailure(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)
	ctx := context.Background()

	_, err := a.ApplyPolicy(ctx, hostContext(), "c1", containerAddr, enforcing("203.0.113.9/32"))
	require.NoError(t, err)

	c.FailDelete = errors.New("iptables: Resource temporarily unavailable")
	_, err = a.RemovePolicy(ctx, hostContext(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c1")
}

func TestApplyPolicy_Validation(t *testing.T) {
	a := newApplier(chain.NewMemoryChain(testChain))
	ctx := context.Background()

	tests := []struct {
		name string
		id   string
		addr netip.Addr
	}{
		{"empty id", "", containerAddr},
		{"whitespace", "c 1", containerAddr},
		{"quote", `c"1`, containerAddr},
		{"backslash", `c\1`, containerAddr},
		{"single quote", "it's", containerAddr},
		{"slash", "a/b", containerAddr},
		{"non-ascii", "c\u00e91", containerAddr},
		{"too long", strings.Repeat("a", 129), containerAddr},
		{"ipv6", "c1", netip.MustParseAddr("2001:db8::5")},
		{"zero addr", "c1", netip.Addr{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ApplyPolicy(ctx, hostContext(), tt.id, tt.addr, enforcing())
			assert.ErrorIs(t, err, ErrInvalidContainer)
		})
	}
}

func TestApplyPolicy_MappedAddress(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	a := newApplier(c)

	res, err := a.ApplyPolicy(context.Background(), hostContext(), "c1",
		netip.MustParseAddr("::ffff:172.30.0.5"), enforcing())
	require.NoError(t, err)
	assert.Equal(t, containerAddr, res.Address)
	assert.Contains(t, c.Rules()[0], "-s 172.30.0.5/32")
}

func TestApplyPolicy_InsertFailure(t *testing.T) {
	c := chain.NewMemoryChain(testChain)
	c.FailInsert = errors.New("iptables: Invalid argument")
	a := newApplier(c)

	_, err := a.ApplyPolicy(context.Background(), hostContext(), "c1", containerAddr, enforcing("203.0.113.9/32"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply policy for c1")
}

func TestRemovePolicy_SavedListing(t *testing.T) {
	c := chain.NewMemoryChainFrom(testChain,
		`-A DOCKER-USER -s 172.30.0.5/32 -d 140.82.112.3/32 -i cai0 -m comment --comment "cai:web-1.dev" -j ACCEPT`,
		`-A DOCKER-USER -s 172.30.0.5/32 -i cai0 -m comment --comment "cai:web-1.dev" -j DROP`,
		`-A DOCKER-USER -s 172.30.0.6/32 -i cai0 -m comment --comment "cai:web-1.dev2" -j DROP`,
		"-A DOCKER-USER -j RETURN",
	)
	a := newApplier(c)

	require.NoError(t, ValidateContainerID("web-1.dev"))
	n, err := a.RemovePolicy(context.Background(), hostContext(), "web-1.dev")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		`-A DOCKER-USER -s 172.30.0.6/32 -i cai0 -m comment --comment "cai:web-1.dev2" -j DROP`,
		"-A DOCKER-USER -j RETURN",
	}, c.Rules())
}
