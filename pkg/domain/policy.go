package domain

// NetworkPolicy is an opt-in egress declaration for one sandbox. A policy
// with DefaultDeny unset is informational only and installs no rules.
type NetworkPolicy struct {
	Presets     []string `json:"presets" yaml:"presets"`
	Allows      []string `json:"allows" yaml:"allows"`
	DefaultDeny bool     `json:"default_deny" yaml:"default_deny"`
}

// Merge combines the template-level and workspace-level declarations.
// Lists are concatenated with template entries first; DefaultDeny is OR'd.
func Merge(template, workspace NetworkPolicy) NetworkPolicy {
	out := NetworkPolicy{
		DefaultDeny: template.DefaultDeny || workspace.DefaultDeny,
	}
	out.Presets = append(append(out.Presets, template.Presets...), workspace.Presets...)
	out.Allows = append(append(out.Allows, template.Allows...), workspace.Allows...)
	return out
}

// IsEmpty reports whether the policy declares nothing at all.
func (p NetworkPolicy) IsEmpty() bool {
	return len(p.Presets) == 0 && len(p.Allows) == 0 && !p.DefaultDeny
}
