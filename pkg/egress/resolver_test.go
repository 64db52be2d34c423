package egress

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containai/containai/pkg/baseline"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDNS struct {
	answers map[string][]string

	mu      sync.Mutex
	queries []string
}

func (f *fakeDNS) LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error) {
	f.mu.Lock()
	f.queries = append(f.queries, name)
	f.mu.Unlock()
	ips, ok := f.answers[name]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	var out []netip.Addr
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out, nil
}

func gitHostsDNS() *fakeDNS {
	return &fakeDNS{answers: map[string][]string{
		"github.com":                    {"140.82.112.3"},
		"api.github.com":                {"140.82.112.6"},
		"codeload.github.com":           {"140.82.112.9"},
		"objects.githubusercontent.com": {"185.199.108.133", "185.199.109.133"},
		"raw.githubusercontent.com":     {"185.199.108.133"},
		"gitlab.com":                    {"172.65.251.78"},
		"bitbucket.org":                 {"104.192.141.1"},
	}}
}

type countingMetrics struct {
	hermes.NoopMetrics
	counts map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]float64)}
}

func (m *countingMetrics) IncCounter(name string, value float64, labels ...hermes.Label) {
	m.counts[name] += value
}

func newResolver(dns DNSResolver, metrics hermes.Metrics) *Resolver {
	return NewResolver(DefaultPresets(), baseline.DefaultPolicy(), dns, hermes.NewNopLogger(), metrics)
}

func writePolicy(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func prefixes(ss ...string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range ss {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

func TestResolve_MergeDropsPrivateAllow(t *testing.T) {
	tmpl := writePolicy(t, "template.ini", "[egress]\npreset = git-hosts\n")
	ws := writePolicy(t, "workspace.ini", "[egress]\nallow = 10.0.0.5\ndefault_deny = true\n")
	metrics := newCountingMetrics()

	res := newResolver(gitHostsDNS(), metrics).Resolve(context.Background(), tmpl, ws)

	assert.Equal(t, domain.NetworkPolicy{
		Presets:     []string{"git-hosts"},
		Allows:      []string{"10.0.0.5"},
		DefaultDeny: true,
	}, res.Policy)
	assert.Equal(t, prefixes(
		"140.82.112.3/32",
		"140.82.112.6/32",
		"140.82.112.9/32",
		"185.199.108.133/32",
		"185.199.109.133/32",
		"172.65.251.78/32",
		"104.192.141.1/32",
	), res.Destinations)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "10.0.0.5/32")

	assert.Equal(t, 1.0, metrics.counts[hermes.MetricPolicyConflicts])
	assert.Zero(t, metrics.counts[hermes.MetricDNSFailures])
}

func TestResolve_NotEnforcingSkipsDNS(t *testing.T) {
	dns := gitHostsDNS()
	ws := writePolicy(t, "workspace.ini", "[egress]\npreset = git-hosts\nallow = 203.0.113.5\n")

	res := newResolver(dns, hermes.NewNoopMetrics()).Resolve(context.Background(), "", ws)

	assert.False(t, res.Policy.DefaultDeny)
	assert.Empty(t, res.Destinations)
	assert.Empty(t, dns.queries)
}

func TestResolve_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	res := newResolver(gitHostsDNS(), hermes.NewNoopMetrics()).
		Resolve(context.Background(), filepath.Join(dir, "a.ini"), filepath.Join(dir, "b.ini"))

	assert.True(t, res.Policy.IsEmpty())
	assert.Empty(t, res.Destinations)
	assert.Empty(t, res.Warnings)
}

func TestResolvePolicy_HardBlocksNeverAllowed(t *testing.T) {
	dns := &fakeDNS{answers: map[string][]string{
		"metadata.example.com": {"169.254.169.254"},
		"internal.example.com": {"192.168.1.10", "198.51.100.7"},
	}}
	r := newResolver(dns, hermes.NewNoopMetrics())

	res := r.ResolvePolicy(context.Background(), domain.NetworkPolicy{
		Allows: []string{
			"169.254.170.2",
			"100.100.100.200",
			"172.20.1.1",
			"0.0.0.0/0",
			"8.0.0.0/4",
			"metadata.example.com",
			"internal.example.com",
			"203.0.113.0/24",
		},
		DefaultDeny: true,
	})

	assert.Equal(t, prefixes("203.0.113.0/24", "198.51.100.7/32"), res.Destinations)
	assert.Len(t, res.Warnings, 7)
	for _, d := range res.Destinations {
		assert.False(t, baseline.DefaultPolicy().OverlapsHardBlock(d), d.String())
	}
}

func TestResolvePolicy_Classification(t *testing.T) {
	dns := &fakeDNS{answers: map[string][]string{
		"api.example.com": {"203.0.113.10", "203.0.113.10"},
	}}
	metrics := newCountingMetrics()
	r := newResolver(dns, metrics)

	res := r.ResolvePolicy(context.Background(), domain.NetworkPolicy{
		Presets: []string{"no-such-preset"},
		Allows: []string{
			"API.example.com.",
			"api.example.com",
			"203.0.113.10",
			"198.51.100.77/24",
			"2001:db8::1",
			"300.1.1.1/8",
			"not a domain",
			"gone.example.com",
		},
		DefaultDeny: true,
	})

	assert.Equal(t, prefixes("203.0.113.10/32", "198.51.100.0/24"), res.Destinations)
	assert.ElementsMatch(t, []string{"api.example.com", "gone.example.com"}, dns.queries)
	assert.Len(t, res.Warnings, 5)
	assert.Equal(t, 1.0, metrics.counts[hermes.MetricDNSFailures])
}

func TestResolver_Load(t *testing.T) {
	tmpl := writePolicy(t, "template.ini", "[egress]\nbogus = 1\npreset = git-hosts\n")
	ws := writePolicy(t, "workspace.ini", "[egress]\nallow = 203.0.113.5\n")

	policy, warnings := newResolver(gitHostsDNS(), hermes.NewNoopMetrics()).Load(tmpl, ws)

	assert.Equal(t, []string{"git-hosts"}, policy.Presets)
	assert.Equal(t, []string{"203.0.113.5"}, policy.Allows)
	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Line)
	assert.Contains(t, warnings[0].String(), `unknown key "bogus"`)
}

func TestResolvePolicy_FailedLookupKeepsOrder(t *testing.T) {
	dns := &fakeDNS{answers: map[string][]string{
		"b.example.com": {"203.0.113.2"},
		"c.example.com": {"203.0.113.3"},
		"d.example.com": {"203.0.113.4"},
	}}
	metrics := newCountingMetrics()

	res := newResolver(dns, metrics).ResolvePolicy(context.Background(), domain.NetworkPolicy{
		Allows:      []string{"a.example.com", "b.example.com", "c.example.com", "gone.example.com", "d.example.com"},
		DefaultDeny: true,
	})

	assert.Equal(t, prefixes("203.0.113.2/32", "203.0.113.3/32", "203.0.113.4/32"), res.Destinations)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, 2.0, metrics.counts[hermes.MetricDNSFailures])
}
