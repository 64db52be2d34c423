package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

var (
	applyDryRun  bool
	removeDryRun bool
	checkVerbose bool
	checkOutput  string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install the baseline egress rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := engine.ApplyBaseline(cmd.Context(), applyDryRun)
		printReport(cmd.OutOrStdout(), r)
		return reportErr(r, err)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the baseline egress rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := engine.RemoveBaseline(cmd.Context(), removeDryRun)
		printReport(cmd.OutOrStdout(), r)
		return reportErr(r, err)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the baseline rules are in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := engine.CheckBaseline(cmd.Context(), checkVerbose)
		if err != nil && r.Status == "" {
			return err
		}
		if rerr := render(cmd.OutOrStdout(), checkOutput, r, func(w io.Writer) {
			printReport(w, r)
		}); rerr != nil {
			return rerr
		}
		return reportErr(r, err)
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Log the rules that would be installed without changing anything")
	removeCmd.Flags().BoolVar(&removeDryRun, "dry-run", false, "Count the rules that would be removed without changing anything")
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "Show every expected rule")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", outputText, "Output format: text, json, yaml")

	rootCmd.AddCommand(applyCmd, removeCmd, checkCmd)
}
