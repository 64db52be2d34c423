package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/containai/containai/pkg/domain"
	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// render writes v as JSON or YAML, or calls text for the human format.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "", outputText:
		text(w)
		return nil
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func printContext(w io.Writer, nc domain.NetworkContext) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ENVIRONMENT:\t%s\n", nc.Environment)
	fmt.Fprintf(tw, "BRIDGE:\t%s\n", nc.BridgeName)
	fmt.Fprintf(tw, "GATEWAY:\t%s\n", nc.Gateway)
	fmt.Fprintf(tw, "SUBNET:\t%s\n", nc.Subnet)
	tw.Flush()
}

func printReport(w io.Writer, r domain.Report) {
	fmt.Fprintf(w, "%s: %s\n", r.Status, r.Detail)
	if len(r.Rules) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPRESENT\tRULE")
	for _, rs := range r.Rules {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", rs.Kind, rs.Present, rs.Rule)
	}
	tw.Flush()
}

// reportErr turns an error status into a command failure.
func reportErr(r domain.Report, err error) error {
	if err != nil {
		return err
	}
	if r.Status.Failed() {
		return fmt.Errorf("%s", r.Detail)
	}
	return nil
}
