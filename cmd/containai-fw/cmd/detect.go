package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

var detectOutput string

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show the detected environment and bridge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, err := engine.Detect(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), detectOutput, nc, func(w io.Writer) {
			printContext(w, nc)
		})
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOutput, "output", "o", outputText, "Output format: text, json, yaml")
	rootCmd.AddCommand(detectCmd)
}
