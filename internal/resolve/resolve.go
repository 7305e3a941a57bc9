// Package resolve maps next-hop IPv4 addresses to hardware addresses.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/arp"

	"splitroute/internal/netif"
	apperrors "splitroute/pkg/errors"
)

// DefaultTimeout bounds a single resolution.
const DefaultTimeout = time.Second

// Resolver returns the hardware address for an IPv4 address on one link.
type Resolver interface {
	Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	return f(ctx, ip)
}

type arpClient interface {
	Resolve(ip netip.Addr) (net.HardwareAddr, error)
	SetDeadline(t time.Time) error
	Close() error
}

// ARP resolves addresses by broadcasting ARP requests on one link. The
// underlying client reads replies off a shared socket, so calls are
// serialised.
type ARP struct {
	mu      sync.Mutex
	client  arpClient
	link    string
	timeout time.Duration
}

// DialARP binds an ARP client to link. The link must have an IPv4 address
// and a hardware address.
func DialARP(link netif.Interface, timeout time.Duration) (*ARP, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := arp.Dial(link.NetInterface())
	if err != nil {
		return nil, fmt.Errorf("failed to open ARP client on %s: %w", link.Name, err)
	}
	return &ARP{client: c, link: link.Name, timeout: timeout}, nil
}

// Resolve sends an ARP request for ip and waits for the reply, bounded by the
// resolver timeout or the context deadline, whichever is sooner.
func (a *ARP) Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotIPv4, ip)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.client.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set ARP deadline on %s: %w", a.link, err)
	}

	mac, err := a.client.Resolve(ip)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrResolutionTimeout, ip, a.link)
		}
		return nil, fmt.Errorf("resolve %s on %s: %w", ip, a.link, err)
	}
	return mac, nil
}

// Close releases the ARP socket.
func (a *ARP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
