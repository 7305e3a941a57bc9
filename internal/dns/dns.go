// Package dns resolves the VPN server name so its address can be kept off
// the capture device with a host route.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultTimeout    = 3 * time.Second
)

var ErrNoAddress = errors.New("no IPv4 address in answer")

// Resolver sends A queries to a fixed list of servers in order.
type Resolver struct {
	Servers []string // host:port
	Timeout time.Duration
}

// NewResolver queries server on port 53, or the resolv.conf nameservers when
// server is the zero Addr.
func NewResolver(server netip.Addr) (*Resolver, error) {
	if server.IsValid() {
		return &Resolver{
			Servers: []string{netip.AddrPortFrom(server, 53).String()},
			Timeout: DefaultTimeout,
		}, nil
	}

	conf, err := dns.ClientConfigFromFile(DefaultResolvConf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", DefaultResolvConf, err)
	}
	r := &Resolver{Timeout: time.Duration(conf.Timeout) * time.Second}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	for _, s := range conf.Servers {
		r.Servers = append(r.Servers, net.JoinHostPort(s, conf.Port))
	}
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers in %s", DefaultResolvConf)
	}
	return r, nil
}

// LookupA returns the IPv4 addresses for host, trying each server until one
// answers.
func (r *Resolver) LookupA(ctx context.Context, host string) ([]netip.Addr, error) {
	client := &dns.Client{Net: "udp", Timeout: r.Timeout}

	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var errs []error
	for _, server := range r.Servers {
		res, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		if res.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("%s: %s", server, dns.RcodeToString[res.Rcode]))
			continue
		}

		var addrs []netip.Addr
		for _, answer := range res.Answer {
			a, ok := answer.(*dns.A)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
		}
		return addrs, nil
	}
	return nil, fmt.Errorf("lookup %s: %w", host, errors.Join(errs...))
}

// Hostname extracts the host part of an openconnect server argument, which
// may be a bare name, host:port, host/path or a full URL.
func Hostname(server string) string {
	if strings.Contains(server, "://") {
		if u, err := url.Parse(server); err == nil {
			return u.Hostname()
		}
	}
	if i := strings.IndexByte(server, '/'); i >= 0 {
		server = server[:i]
	}
	if host, _, err := net.SplitHostPort(server); err == nil {
		return host
	}
	return server
}

// ResolveServer returns the IPv4 addresses of a VPN server argument. Literal
// addresses are returned without a query.
func ResolveServer(ctx context.Context, server string, dnsServer netip.Addr) ([]netip.Addr, error) {
	host := Hostname(server)
	if host == "" {
		return nil, fmt.Errorf("no host in %q", server)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
		}
		return []netip.Addr{addr}, nil
	}

	r, err := NewResolver(dnsServer)
	if err != nil {
		return nil, err
	}
	return r.LookupA(ctx, host)
}
