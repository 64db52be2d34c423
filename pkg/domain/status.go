package domain

// Statuses

type Status string

const (
	StatusOK            Status = "ok"
	StatusPartial       Status = "partial"
	StatusNone          Status = "none"
	StatusBridgeMissing Status = "bridge-missing"
	StatusError         Status = "error"
	StatusSkipped       Status = "skipped"
)

// Failed reports whether the status should be surfaced as a failed operation.
func (s Status) Failed() bool {
	return s == StatusError
}

// RuleState is the per-rule detail of a baseline check.
type RuleState struct {
	Kind    string       `json:"kind" yaml:"kind"`
	Rule    FirewallRule `json:"rule" yaml:"rule"`
	Present bool         `json:"present" yaml:"present"`
}

// Report is the outcome of a baseline apply, remove or check.
type Report struct {
	Status    Status         `json:"status" yaml:"status"`
	Detail    string         `json:"detail" yaml:"detail"`
	Context   NetworkContext `json:"context" yaml:"context"`
	Installed int            `json:"installed" yaml:"installed"`
	Expected  int            `json:"expected" yaml:"expected"`
	Removed   int            `json:"removed" yaml:"removed"`
	Rules     []RuleState    `json:"rules,omitempty" yaml:"rules,omitempty"`
}
