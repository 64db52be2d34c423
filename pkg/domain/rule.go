package domain

import (
	"net/netip"
	"strings"
)

type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionDrop   Action = "DROP"
)

// FirewallRule is a single filter rule in an engine-owned chain. Rules are
// identified by comment plus match fields, never by their position.
type FirewallRule struct {
	Chain       string       `json:"chain" yaml:"chain"`
	Interface   string       `json:"interface" yaml:"interface"`
	Source      netip.Prefix `json:"source,omitzero" yaml:"source,omitempty"`
	Destination netip.Prefix `json:"destination,omitzero" yaml:"destination,omitempty"`
	Action      Action       `json:"action" yaml:"action"`
	Comment     string       `json:"comment" yaml:"comment"`
}

// HostPrefix turns a single address into a /32 (or /128) prefix.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// Args renders the rulespec in the argument order iptables prints it back
// with -S, so the match tokens below line up with the listing.
func (r FirewallRule) Args() []string {
	var args []string
	if r.Source.IsValid() {
		args = append(args, "-s", r.Source.Masked().String())
	}
	if r.Destination.IsValid() {
		args = append(args, "-d", r.Destination.Masked().String())
	}
	if r.Interface != "" {
		args = append(args, "-i", r.Interface)
	}
	if r.Comment != "" {
		args = append(args, "-m", "comment", "--comment", r.Comment)
	}
	args = append(args, "-j", string(r.Action))
	return args
}

// MatchTokens returns the exact substrings that a listing line must contain
// to be considered a copy of this rule.
func (r FirewallRule) MatchTokens() []string {
	var tokens []string
	if r.Comment != "" {
		tokens = append(tokens, CommentToken(r.Comment))
	}
	if r.Source.IsValid() {
		tokens = append(tokens, "-s "+r.Source.Masked().String())
	}
	if r.Destination.IsValid() {
		tokens = append(tokens, "-d "+r.Destination.Masked().String())
	}
	if r.Interface != "" {
		tokens = append(tokens, "-i "+r.Interface)
	}
	tokens = append(tokens, "-j "+string(r.Action))
	return tokens
}

// CommentToken is the comment match as it appears in an iptables -S line.
func CommentToken(comment string) string {
	return "--comment " + SaveString(comment)
}

const (
	bareChars   = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	escapeChars = `"\'`
)

// SaveString renders a string match value the way iptables -S prints it:
// bare when it only holds letters, digits, '_' and '-', otherwise double
// quoted with double quotes, backslashes and single quotes escaped.
func SaveString(s string) string {
	if s != "" && strings.Trim(s, bareChars) == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(escapeChars, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func (r FirewallRule) String() string {
	s := string(r.Action)
	if r.Source.IsValid() {
		s += " src=" + r.Source.String()
	}
	if r.Destination.IsValid() {
		s += " dst=" + r.Destination.String()
	}
	if r.Interface != "" {
		s += " in=" + r.Interface
	}
	return s + " comment=" + r.Comment
}
