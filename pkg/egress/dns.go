package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// DNSResolver looks up the IPv4 addresses of a domain.
type DNSResolver interface {
	LookupIPv4(ctx context.Context, domain string) ([]netip.Addr, error)
}

// MiekgResolver sends A queries straight to the configured nameservers,
// with a hard per-domain deadline.
type MiekgResolver struct {
	servers []string
	timeout time.Duration
}

// NewMiekgResolver uses servers ("host" or "host:port") when given,
// otherwise the nameservers from /etc/resolv.conf.
func NewMiekgResolver(servers []string, timeout time.Duration) (*MiekgResolver, error) {
	var addrs []string
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}

	if len(addrs) == 0 {
		cfg, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		for _, s := range cfg.Servers {
			addrs = append(addrs, net.JoinHostPort(s, cfg.Port))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no nameservers configured")
	}
	return &MiekgResolver{servers: addrs, timeout: timeout}, nil
}

func (r *MiekgResolver) LookupIPv4(ctx context.Context, domain string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, err := r.exchange(ctx, msg, server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("lookup %s: %s", domain, dns.RcodeToString[resp.Rcode])
		}

		var out []netip.Addr
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				out = append(out, ip)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("lookup %s: no A records", domain)
		}
		return out, nil
	}
	return nil, fmt.Errorf("lookup %s: %w", domain, lastErr)
}

func (r *MiekgResolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	c := &dns.Client{Net: "udp", Timeout: r.timeout}
	resp, _, err := c.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		c.Net = "tcp"
		resp, _, err = c.ExchangeContext(ctx, msg, server)
	}
	return resp, err
}
