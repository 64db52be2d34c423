package cmd

import (
	"fmt"
	"os"

	"github.com/containai/containai/pkg/config"
	"github.com/containai/containai/pkg/firewall"
	"github.com/containai/containai/pkg/hermes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsFile string

	cfg     *config.Config
	metrics *hermes.PrometheusMetrics
	engine  *firewall.Engine
)

// newEngine is replaced in tests to run against an in-memory chain.
var newEngine = func(cfg *config.Config, logger hermes.Logger, metrics hermes.Metrics) *firewall.Engine {
	return firewall.New(cfg, logger, metrics)
}

var rootCmd = &cobra.Command{
	Use:   "containai-fw",
	Short: "Sandbox egress firewall",
	Long: `Keeps the mandatory egress rules for sandbox containers in place and
applies per-container allow lists declared next to templates and workspaces.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		logger := hermes.NewSlogAdapterWith(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
		metrics = hermes.NewPrometheusMetrics()
		engine = newEngine(cfg, logger, metrics)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return writeMetrics()
	},
}

func writeMetrics() error {
	if metricsFile == "" || metrics == nil {
		return nil
	}
	if err := metrics.WriteTextfile(metricsFile); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", metricsFile, err)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus textfile metrics here after each command")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}
