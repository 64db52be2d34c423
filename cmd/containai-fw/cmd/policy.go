package cmd

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/containai/containai/pkg/egress"
	"github.com/spf13/cobra"
)

var (
	policyTemplate  string
	policyWorkspace string
	policyOutput    string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per-container egress policies",
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply [container-id] [address]",
	Short: "Resolve and install the egress policy for a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return fmt.Errorf("invalid container address %q: %w", args[1], err)
		}
		res, err := engine.ApplyContainerPolicy(cmd.Context(), args[0], addr, policyTemplate, policyWorkspace)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), policyOutput, res, func(w io.Writer) {
			printPolicyResult(w, res)
		})
	},
}

var policyRemoveCmd = &cobra.Command{
	Use:   "remove [container-id]",
	Short: "Remove every rule owned by a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := engine.RemoveContainerPolicy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d rules for %s\n", n, args[0])
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show [container-id]",
	Short: "List the rules owned by a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := engine.ShowContainerPolicy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No rules for %s\n", args[0])
			return nil
		}
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return nil
	},
}

func printPolicyResult(w io.Writer, res egress.Result) {
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if !res.Enforcing {
		fmt.Fprintf(w, "Policy for %s is not enforcing; removed %d stale rules\n", res.ContainerID, res.Removed)
		return
	}
	fmt.Fprintf(w, "Applied policy for %s (%s): %d destinations allowed, all other egress dropped\n",
		res.ContainerID, res.Address, len(res.Allowed))
	for _, dst := range res.Allowed {
		fmt.Fprintf(w, "  allow %s\n", dst)
	}
}

func init() {
	policyApplyCmd.Flags().StringVar(&policyTemplate, "template", "", "Template-level policy file")
	policyApplyCmd.Flags().StringVar(&policyWorkspace, "workspace", "", "Workspace-level policy file")
	policyApplyCmd.Flags().StringVarP(&policyOutput, "output", "o", outputText, "Output format: text, json, yaml")

	policyCmd.AddCommand(policyApplyCmd, policyRemoveCmd, policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}
