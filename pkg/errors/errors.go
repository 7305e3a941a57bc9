package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Startup errors
	ErrInterfaceNotFound  = errors.New("interface not found")
	ErrDeviceOpenFailed   = errors.New("failed to open capture device")
	ErrRouteInstallFailed = errors.New("failed to install route")
	ErrAlreadyRunning     = errors.New("a reroute session is already active")
	ErrNotRoot            = errors.New(
		"splitroute requires elevated privileges.\n" +
			"  sudo splitroute run",
	)

	// Tunnel errors
	ErrTunnelEstablishFailed = errors.New("tunnel process exited before the session was established")
	ErrTunnelTimeout         = errors.New("timed out waiting for the tunnel session")

	// Packet errors
	ErrPacketTooShort    = errors.New("packet shorter than an IPv4 header")
	ErrPacketTooLarge    = errors.New("packet does not fit in an ethernet frame")
	ErrNotIPv4           = errors.New("not an IPv4 packet")
	ErrResolutionTimeout = errors.New("address resolution timed out")
	ErrTransmitFailed    = errors.New("transmit failed")

	// Config / credential errors
	ErrConfigNotFound     = errors.New("config not found")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrCredentialNotFound = errors.New("credential not found")
)

// StartupKind classifies a StartupError.
type StartupKind string

const (
	StartupInterfaceNotFound StartupKind = "interface-not-found"
	StartupDeviceOpenFailed  StartupKind = "device-open-failed"
	StartupRouteInstall      StartupKind = "route-install-failed"
	StartupTunnel            StartupKind = "tunnel-establish-failed"
)

// StartupError is fatal: the session never reached the running state.
type StartupError struct {
	Kind StartupKind
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup (%s): %v", e.Kind, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// RouteError represents a failed kernel route mutation
type RouteError struct {
	Op    string // add, del, list
	Route string
	Err   error
}

func (e *RouteError) Error() string {
	if e.Route == "" {
		return fmt.Sprintf("route %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("route %s %s: %v", e.Op, e.Route, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// PacketReason names why a packet was dropped.
type PacketReason string

const (
	ReasonTooShort          PacketReason = "too-short"
	ReasonNotIPv4           PacketReason = "not-ipv4"
	ReasonTooLarge          PacketReason = "too-large"
	ReasonResolutionTimeout PacketReason = "resolution-timeout"
	ReasonResolutionFailed  PacketReason = "resolution-failed"
	ReasonTransmitFailed    PacketReason = "transmit-failed"
)

// PacketError is contained to a single packet; the capture loop keeps going.
type PacketError struct {
	Reason PacketReason
	Link   string
	Dest   string
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("packet to %s via %s dropped (%s): %v", e.Dest, e.Link, e.Reason, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// ConfigError represents a config-related error
type ConfigError struct {
	Path  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config '%s' field %s: %v", e.Path, e.Field, e.Err)
	}
	return fmt.Sprintf("config '%s': %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TunnelError represents a tunnel-establishment error
type TunnelError struct {
	Server string
	Err    error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel to %s: %v", e.Server, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Is, As and Join re-export the standard helpers so callers only import one errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }
