// Package capture provides the virtual network device that becomes the
// default route and hands every outbound IPv4 packet to user space.
package capture

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
)

// MaxPacketSize is the receive buffer size callers should use.
const MaxPacketSize = 65535

// Defaults for the capture link.
const (
	DefaultMTU = 1500
)

// DefaultAddress is the capture device's own address. It comes from the
// TEST-NET-1 documentation range so it never collides with a real network.
var DefaultAddress = netip.MustParsePrefix("192.0.2.1/24")

// ErrClosed is returned by Receive once the device has been closed.
var ErrClosed = errors.New("capture device closed")

// Device is a source of raw IPv4 packets.
type Device interface {
	Name() string
	Index() int
	// Receive blocks until a non-empty packet is read into buf. Cancelling
	// ctx closes the device so the pending read returns.
	Receive(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Options configures Open.
type Options struct {
	Name    string
	Address netip.Prefix
	MTU     int
}

func (o Options) withDefaults() Options {
	if !o.Address.IsValid() {
		o.Address = DefaultAddress
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	return o
}

// stream adapts any packet reader into a Device.
type stream struct {
	rw    io.ReadCloser
	name  string
	index int

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newStream(rw io.ReadCloser, name string, index int) *stream {
	return &stream{rw: rw, name: name, index: index, closed: make(chan struct{})}
}

func (s *stream) Name() string { return s.name }
func (s *stream) Index() int    { return s.index }

func (s *stream) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		n, err := s.rw.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
				return 0, ErrClosed
			default:
				return 0, err
			}
		}
		if n == 0 {
			continue
		}
		return n, nil
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}
