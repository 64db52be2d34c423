package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// Logger is the structured logger every component takes. Warnings carry the
// non-fatal policy and environment findings that operators need to see.
type Logger interface {
	Debug(ctx context.Context, msg string, fields map[string]any)
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// Metric names emitted by the firewall engine.
const (
	MetricRulesInserted   = "containai_fw_rules_inserted_total"
	MetricRulesDeleted    = "containai_fw_rules_deleted_total"
	MetricDNSFailures     = "containai_fw_dns_failures_total"
	MetricPolicyConflicts = "containai_fw_policy_conflicts_total"
	MetricBaselineRules   = "containai_fw_baseline_rules"
	MetricOperationTime   = "containai_fw_operation_seconds"
)

var metricHelp = map[string]string{
	MetricRulesInserted:   "Firewall rules inserted into the engine chain.",
	MetricRulesDeleted:    "Firewall rules deleted from the engine chain.",
	MetricDNSFailures:     "Egress allow-list domains that failed to resolve.",
	MetricPolicyConflicts: "Resolved egress destinations dropped for overlapping a hard block.",
	MetricBaselineRules:   "Baseline rules present at the last apply or check.",
	MetricOperationTime:   "Duration of firewall engine operations.",
}

func helpFor(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return name
}
