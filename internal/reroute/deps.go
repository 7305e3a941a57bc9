package reroute

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"splitroute/internal/capture"
	"splitroute/internal/forward"
	"splitroute/internal/netif"
	"splitroute/internal/resolve"
	"splitroute/internal/route"
)

// Sender transmits packets out of one link. *forward.Forwarder satisfies it.
type Sender interface {
	Forward(pkt []byte, dst net.HardwareAddr) error
	NeedsResolution() bool
	Close() error
}

var _ Sender = (*forward.Forwarder)(nil)

// Deps are the system collaborators of a Server. Zero fields get the real
// Linux implementations, except Routes which must be set.
type Deps struct {
	Lister  netif.Lister
	Routes  route.Handle
	Journal route.Journal
	Logger  *zap.Logger

	OpenCapture  func(ctx context.Context, opts capture.Options) (capture.Device, error)
	OpenLink     func(link netif.Interface) (Sender, error)
	OpenResolver func(link netif.Interface) (resolve.Resolver, io.Closer, error)
}

func (d Deps) withDefaults(opts Options) Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Lister == nil {
		d.Lister = netif.System{}
	}
	if d.OpenCapture == nil {
		logger := d.Logger
		d.OpenCapture = func(ctx context.Context, o capture.Options) (capture.Device, error) {
			return capture.Open(ctx, o, logger)
		}
	}
	if d.OpenLink == nil {
		d.OpenLink = func(link netif.Interface) (Sender, error) {
			return forward.Open(link)
		}
	}
	if d.OpenResolver == nil {
		logger := d.Logger
		d.OpenResolver = func(link netif.Interface) (resolve.Resolver, io.Closer, error) {
			return openARP(link, opts, logger)
		}
	}
	return d
}

func openARP(link netif.Interface, opts Options, logger *zap.Logger) (resolve.Resolver, io.Closer, error) {
	a, err := resolve.DialARP(link, opts.ARPTimeout)
	if err != nil {
		return nil, nil, err
	}
	if opts.ARPCacheTTL <= 0 {
		return a, a, nil
	}

	cache := resolve.NewCache(a, opts.ARPCacheTTL, logger.With(zap.String("link", link.Name)))
	if err := cache.Start(); err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return cache, closerFunc(func() error {
		return errors.Join(cache.Close(), a.Close())
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
