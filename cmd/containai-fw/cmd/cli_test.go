package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containai/containai/pkg/baseline"
	"github.com/containai/containai/pkg/chain"
	"github.com/containai/containai/pkg/config"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/egress"
	"github.com/containai/containai/pkg/firewall"
	"github.com/containai/containai/pkg/hermes"
	"github.com/containai/containai/pkg/lockfile"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type stubDetector struct {
	nc domain.NetworkContext
}

func (s stubDetector) Detect(ctx context.Context) (domain.NetworkContext, error) {
	return s.nc, nil
}

func (s stubDetector) BridgeExists(ctx context.Context, nc domain.NetworkContext) (bool, error) {
	return true, nil
}

type noDNS struct{}

func (noDNS) LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error) {
	return nil, os.ErrNotExist
}

// useMemoryChain points every command at an in-memory chain.
func useMemoryChain(t *testing.T) *chain.MemoryChain {
	t.Helper()
	c := chain.NewMemoryChain("DOCKER-USER")
	det := stubDetector{nc: domain.NetworkContext{
		Environment: domain.EnvHost,
		BridgeName:  "cai0",
		Gateway:     netip.MustParseAddr("172.30.0.1"),
		Subnet:      netip.MustParsePrefix("172.30.0.0/16"),
	}}
	lockDir := t.TempDir()

	prev := newEngine
	newEngine = func(cfg *config.Config, logger hermes.Logger, metrics hermes.Metrics) *firewall.Engine {
		open := func(ctx context.Context, nc domain.NetworkContext) (chain.Chain, error) {
			return c, nil
		}
		policy := baseline.DefaultPolicy()
		return &firewall.Engine{
			Chain:    cfg.Chain,
			Detector: det,
			Baseline: baseline.NewManager(policy, cfg.Chain, det, open, nil, logger, metrics),
			Resolver: egress.NewResolver(egress.DefaultPresets(), policy, noDNS{}, logger, metrics),
			Applier:  egress.NewApplier(cfg.Chain, open, logger, metrics),
			Locker:   lockfile.New(lockDir, time.Second),
			Metrics:  metrics,
			Logger:   logger,
		}
	}
	t.Cleanup(func() {
		newEngine = prev
		applyDryRun, removeDryRun, checkVerbose = false, false, false
		checkOutput, detectOutput, policyOutput = outputText, outputText, outputText
		policyTemplate, policyWorkspace, metricsFile = "", "", ""
	})
	return c
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestApplyCheckRemove(t *testing.T) {
	c := useMemoryChain(t)

	output, err := executeCommand(rootCmd, "apply", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "ok: 8 baseline rules in place (8 installed)")
	assert.Len(t, c.Rules(), 9)

	output, err = executeCommand(rootCmd, "check", "--verbose", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "ok: all 8 baseline rules present")
	assert.Contains(t, output, "metadata")

	output, err = executeCommand(rootCmd, "check", "-o", "json", "--verbose=false", "--log-level", "error")
	require.NoError(t, err)
	var report domain.Report
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	assert.Equal(t, domain.StatusOK, report.Status)
	assert.Equal(t, 8, report.Installed)

	output, err = executeCommand(rootCmd, "remove", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "removed 8 baseline rules")
	assert.Len(t, c.Rules(), 1)
}

func TestApplyDryRun(t *testing.T) {
	c := useMemoryChain(t)

	output, err := executeCommand(rootCmd, "apply", "--dry-run", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "dry run: 8 rules would be ensured")
	assert.Len(t, c.Rules(), 1)
}

func TestDetectYAML(t *testing.T) {
	useMemoryChain(t)

	output, err := executeCommand(rootCmd, "detect", "-o", "yaml", "--log-level", "error")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(output), &got))
	assert.Equal(t, "host", got["environment"])
	assert.Equal(t, "cai0", got["bridge_name"])
	assert.Equal(t, "172.30.0.1", got["gateway"])
	assert.Equal(t, "172.30.0.0/16", got["subnet"])
}

func TestPolicyCommands(t *testing.T) {
	c := useMemoryChain(t)
	ws := filepath.Join(t.TempDir(), "network.ini")
	require.NoError(t, os.WriteFile(ws, []byte("[egress]\nallow = 203.0.113.0/24\nallow = 192.168.0.1\ndefault_deny = true\n"), 0o600))

	output, err := executeCommand(rootCmd, "policy", "apply", "c1", "172.30.0.5", "--workspace", ws, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "Applied policy for c1 (172.30.0.5): 1 destinations allowed")
	assert.Contains(t, output, "allow 203.0.113.0/24")
	assert.Contains(t, output, "warning:")
	assert.Len(t, c.Rules(), 3)

	output, err = executeCommand(rootCmd, "policy", "show", "c1", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, `--comment "cai:c1" -j DROP`)

	output, err = executeCommand(rootCmd, "policy", "remove", "c1", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "Removed 2 rules for c1")

	output, err = executeCommand(rootCmd, "policy", "show", "c1", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "No rules for c1")
}

func TestPolicyApplyBadAddress(t *testing.T) {
	useMemoryChain(t)

	_, err := executeCommand(rootCmd, "policy", "apply", "c1", "not-an-ip", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid container address")
}

func TestMetricsFile(t *testing.T) {
	useMemoryChain(t)
	path := filepath.Join(t.TempDir(), "fw.prom")

	_, err := executeCommand(rootCmd, "apply", "--metrics-file", path, "--log-level", "error")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "containai_fw_rules_inserted_total")
	assert.Contains(t, string(data), "containai_fw_baseline_rules 8")
}

func TestConfigView(t *testing.T) {
	useMemoryChain(t)

	output, err := executeCommand(rootCmd, "config", "view", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, output, "chain: DOCKER-USER")
	assert.Contains(t, output, "dns_timeout: 2s")
}
