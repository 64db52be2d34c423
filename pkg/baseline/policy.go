package baseline

import (
	"net/netip"

	"github.com/containai/containai/pkg/domain"
)

// Rule comments. They double as the identity of each baseline rule.
const (
	CommentGateway  = "cai-gateway"
	CommentMetadata = "cai-metadata"
	CommentPrivate  = "cai-private"
)

type Kind string

const (
	KindGateway  Kind = "gateway"
	KindMetadata Kind = "metadata"
	KindPrivate  Kind = "private-range"
)

// Policy holds the hard blocks. It is built once and never mutated; the
// accessors hand out copies.
type Policy struct {
	metadata []netip.Addr
	ranges   []netip.Prefix
}

// DefaultPolicy blocks the cloud metadata endpoints (AWS/GCP/Azure, AWS ECS
// task metadata, Alibaba) and the RFC 1918 ranges plus link-local.
func DefaultPolicy() Policy {
	return Policy{
		metadata: []netip.Addr{
			netip.MustParseAddr("169.254.169.254"),
			netip.MustParseAddr("169.254.170.2"),
			netip.MustParseAddr("100.100.100.200"),
		},
		ranges: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("172.16.0.0/12"),
			netip.MustParsePrefix("192.168.0.0/16"),
			netip.MustParsePrefix("169.254.0.0/16"),
		},
	}
}

func (p Policy) MetadataIPs() []netip.Addr {
	return append([]netip.Addr(nil), p.metadata...)
}

func (p Policy) PrivateRanges() []netip.Prefix {
	return append([]netip.Prefix(nil), p.ranges...)
}

// HardBlocked reports whether addr is a metadata endpoint or inside a
// blocked range.
func (p Policy) HardBlocked(addr netip.Addr) bool {
	return p.OverlapsHardBlock(domain.HostPrefix(addr.Unmap()))
}

// OverlapsHardBlock reports whether any address in pfx is hard blocked.
func (p Policy) OverlapsHardBlock(pfx netip.Prefix) bool {
	for _, ip := range p.metadata {
		if pfx.Contains(ip) {
			return true
		}
	}
	for _, r := range p.ranges {
		if pfx.Overlaps(r) {
			return true
		}
	}
	return false
}

// Entry is one expected baseline rule.
type Entry struct {
	Kind Kind
	Rule domain.FirewallRule
}

// Rules returns the mandatory rule set for nc in application order:
// gateway, metadata, ranges.
func (p Policy) Rules(chainName string, nc domain.NetworkContext) []Entry {
	entries := make([]Entry, 0, 1+len(p.metadata)+len(p.ranges))
	entries = append(entries, Entry{
		Kind: KindGateway,
		Rule: domain.FirewallRule{
			Chain:       chainName,
			Interface:   nc.BridgeName,
			Destination: domain.HostPrefix(nc.Gateway),
			Action:      domain.ActionAccept,
			Comment:     CommentGateway,
		},
	})
	for _, ip := range p.metadata {
		entries = append(entries, Entry{
			Kind: KindMetadata,
			Rule: domain.FirewallRule{
				Chain:       chainName,
				Interface:   nc.BridgeName,
				Destination: domain.HostPrefix(ip),
				Action:      domain.ActionDrop,
				Comment:     CommentMetadata,
			},
		})
	}
	for _, r := range p.ranges {
		entries = append(entries, Entry{
			Kind: KindPrivate,
			Rule: domain.FirewallRule{
				Chain:       chainName,
				Interface:   nc.BridgeName,
				Destination: r,
				Action:      domain.ActionDrop,
				Comment:     CommentPrivate,
			},
		})
	}
	return entries
}
