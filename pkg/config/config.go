package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key read from the
// environment, e.g. CONTAINAI_BRIDGE_NAME.
const EnvPrefix = "CONTAINAI"

type Config struct {
	// Host environment bridge. The bridge itself is created by the engine.
	BridgeName string `mapstructure:"bridge_name"`
	Gateway    string `mapstructure:"gateway"`
	CIDRSuffix int    `mapstructure:"cidr_suffix"`

	// Chain is the engine-owned chain every rule goes into.
	Chain string `mapstructure:"chain"`

	// VM-proxy environment.
	VMInstance string   `mapstructure:"vm_instance"`
	VMShell    []string `mapstructure:"vm_shell"`

	LockDir     string        `mapstructure:"lock_dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	DNSTimeout  time.Duration `mapstructure:"dns_timeout"`
	DNSServers  []string      `mapstructure:"dns_servers"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BridgeName: "cai0",
		Gateway:    "172.30.0.1",
		CIDRSuffix: 16,
		Chain:      "DOCKER-USER",
		VMInstance: "containai-docker",
		LockDir:    DefaultLockDir(),
		DNSTimeout: 2 * time.Second,
		LogLevel:   "info",
		LogFormat:  "text",

		LockTimeout: 30 * time.Second,
	}
}

// DefaultLockDir is /run/containai-fw for root and a per-user directory
// otherwise, never a shared world-writable one.
func DefaultLockDir() string {
	if os.Geteuid() == 0 {
		return "/run/containai-fw"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "containai-fw")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("containai-fw-%d", os.Geteuid()))
}

// SetDefaults registers Default() on v so that env vars and config files
// only need to override what they change.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bridge_name", d.BridgeName)
	v.SetDefault("gateway", d.Gateway)
	v.SetDefault("cidr_suffix", d.CIDRSuffix)
	v.SetDefault("chain", d.Chain)
	v.SetDefault("vm_instance", d.VMInstance)
	v.SetDefault("vm_shell", []string{})
	v.SetDefault("lock_dir", d.LockDir)
	v.SetDefault("lock_timeout", d.LockTimeout)
	v.SetDefault("dns_timeout", d.DNSTimeout)
	v.SetDefault("dns_servers", []string{})
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Load reads configuration from the environment and, when path is set, from
// a config file (YAML or TOML by extension).
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that rule operations depend on.
func (c *Config) Validate() error {
	if c.BridgeName == "" {
		return errors.New("config: bridge_name must not be empty")
	}
	gw, err := netip.ParseAddr(c.Gateway)
	if err != nil || !gw.Is4() {
		return fmt.Errorf("config: gateway %q is not an IPv4 address", c.Gateway)
	}
	if c.CIDRSuffix <= 0 || c.CIDRSuffix > 32 {
		return fmt.Errorf("config: cidr_suffix %d out of range", c.CIDRSuffix)
	}
	if c.Chain == "" {
		return errors.New("config: chain must not be empty")
	}
	if c.LockDir == "" {
		return errors.New("config: lock_dir must not be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock_timeout %s must be positive", c.LockTimeout)
	}
	if c.DNSTimeout <= 0 {
		return fmt.Errorf("config: dns_timeout %s must be positive", c.DNSTimeout)
	}
	return nil
}

// GatewayAddr returns the parsed host gateway. Validate must have passed.
func (c *Config) GatewayAddr() netip.Addr {
	gw, _ := netip.ParseAddr(c.Gateway)
	return gw
}

// RemoteShell returns the command prefix used to run commands inside the
// proxy VM.
func (c *Config) RemoteShell() []string {
	if len(c.VMShell) > 0 {
		return c.VMShell
	}
	return []string{"limactl", "shell", c.VMInstance, "--"}
}
