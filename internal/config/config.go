package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"splitroute/internal/paths"
	apperrors "splitroute/pkg/errors"
)

// fileConfig is the on-disk record. Addresses and durations stay strings here
// so the JSON and TOML decoders agree on the format.
type fileConfig struct {
	Server         string `json:"server,omitempty" toml:"server,omitempty"`
	Username       string `json:"username" toml:"username"`
	Password       string `json:"password,omitempty" toml:"password,omitempty"`
	VPNNetwork     string `json:"vpn_network" toml:"vpn_network"`
	VPNMask        string `json:"vpn_mask" toml:"vpn_mask"`
	Protocol       string `json:"protocol,omitempty" toml:"protocol,omitempty"`
	ServerCert     string `json:"server_cert,omitempty" toml:"server_cert,omitempty"`
	OpenConnect    string `json:"openconnect,omitempty" toml:"openconnect,omitempty"`
	DNSServer      string `json:"dns_server,omitempty" toml:"dns_server,omitempty"`
	CaptureAddress string `json:"capture_address,omitempty" toml:"capture_address,omitempty"`
	MTU            int    `json:"mtu,omitempty" toml:"mtu,omitempty"`
	ARPTimeout     string `json:"arp_timeout,omitempty" toml:"arp_timeout,omitempty"`
	ARPCacheTTL    string `json:"arp_cache_ttl,omitempty" toml:"arp_cache_ttl,omitempty"`
	LogLevel       string `json:"log_level,omitempty" toml:"log_level,omitempty"`
}

// Config holds the persisted settings for a splitroute session.
type Config struct {
	Server   string
	Username string
	Password string

	VPNNetwork netip.Addr
	VPNMask    netip.Addr

	Protocol        string
	ServerCert      string
	OpenConnectPath string
	DNSServer       netip.Addr // zero value: use the system resolver config

	CaptureAddress netip.Prefix
	MTU            int

	ARPTimeout  time.Duration
	ARPCacheTTL time.Duration // 0 disables the resolver cache

	LogLevel string
}

// Default values mirror what the tool has always used: a 10/8 VPN network and
// a TEST-NET-1 address on the capture device.
const (
	DefaultProtocol    = "pulse"
	DefaultMTU         = 1500
	DefaultARPTimeout  = time.Second
	DefaultARPCacheTTL = 30 * time.Second
	DefaultLogLevel    = "info"
)

var (
	DefaultVPNNetwork     = netip.AddrFrom4([4]byte{10, 0, 0, 0})
	DefaultVPNMask        = netip.AddrFrom4([4]byte{255, 0, 0, 0})
	DefaultCaptureAddress = netip.MustParsePrefix("192.0.2.1/24")
)

// Default returns a Config with every optional field populated.
func Default() *Config {
	return &Config{
		VPNNetwork:     DefaultVPNNetwork,
		VPNMask:        DefaultVPNMask,
		Protocol:       DefaultProtocol,
		CaptureAddress: DefaultCaptureAddress,
		MTU:            DefaultMTU,
		ARPTimeout:     DefaultARPTimeout,
		ARPCacheTTL:    DefaultARPCacheTTL,
		LogLevel:       DefaultLogLevel,
	}
}

// DefaultPath returns the well-known per-user config location.
func DefaultPath() (string, error) {
	return paths.ConfigFile()
}

// Load reads and parses the config file at path. Files ending in .toml are
// decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &apperrors.ConfigError{Path: path, Err: apperrors.ErrConfigNotFound}
		}
		return nil, &apperrors.ConfigError{Path: path, Err: err}
	}

	var fc fileConfig
	if isTOML(path) {
		err = toml.Unmarshal(data, &fc)
	} else {
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, &apperrors.ConfigError{Path: path, Err: fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)}
	}

	cfg, err := fc.toConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		var ce *apperrors.ConfigError
		if apperrors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path. The file may hold a password, so it is created 0600
// and handed to the invoking user when running under sudo.
func Save(path string, cfg *Config) error {
	fc := fromConfig(cfg)

	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(fc)
	} else {
		data, err = json.MarshalIndent(fc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	paths.ChownToRealUser(path)
	return nil
}

// Validate checks that the VPN network/mask pair describes a real prefix.
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &apperrors.ConfigError{
			Field: field,
			Err:   fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...)),
		}
	}

	if strings.TrimSpace(c.Username) == "" {
		return invalid("username", "must not be empty")
	}
	if !c.VPNNetwork.Is4() {
		return invalid("vpn_network", "%q is not an IPv4 address", c.VPNNetwork)
	}
	if !c.VPNMask.Is4() {
		return invalid("vpn_mask", "%q is not an IPv4 address", c.VPNMask)
	}
	if _, ok := maskBits(c.VPNMask); !ok {
		return invalid("vpn_mask", "%s is not a contiguous netmask", c.VPNMask)
	}
	if and4(c.VPNNetwork, c.VPNMask) != c.VPNNetwork {
		return invalid("vpn_network", "%s has host bits set for mask %s", c.VPNNetwork, c.VPNMask)
	}
	if !c.CaptureAddress.IsValid() || !c.CaptureAddress.Addr().Is4() {
		return invalid("capture_address", "%q is not an IPv4 prefix", c.CaptureAddress)
	}
	if c.MTU < 68 || c.MTU > DefaultMTU {
		return invalid("mtu", "%d is outside 68..%d", c.MTU, DefaultMTU)
	}
	if c.ARPTimeout <= 0 {
		return invalid("arp_timeout", "must be positive")
	}
	if c.ARPCacheTTL < 0 {
		return invalid("arp_cache_ttl", "must not be negative")
	}
	return nil
}

// VPNPrefix returns the VPN network as a prefix. Validate must have passed.
func (c *Config) VPNPrefix() netip.Prefix {
	ones, _ := maskBits(c.VPNMask)
	return netip.PrefixFrom(c.VPNNetwork, ones)
}

// maskBits returns the prefix length of an IPv4 netmask and whether the mask
// is contiguous.
func maskBits(mask netip.Addr) (int, bool) {
	m := addrUint32(mask)
	inv := ^m
	if inv&(inv+1) != 0 {
		return 0, false
	}
	return bits.OnesCount32(m), true
}

func and4(a, mask netip.Addr) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addrUint32(a)&addrUint32(mask))
	return netip.AddrFrom4(b)
}

func addrUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (fc *fileConfig) toConfig(path string) (*Config, error) {
	cfg := Default()
	cfg.Server = fc.Server
	cfg.Username = fc.Username
	cfg.Password = fc.Password
	cfg.ServerCert = fc.ServerCert
	cfg.OpenConnectPath = fc.OpenConnect
	if fc.Protocol != "" {
		cfg.Protocol = fc.Protocol
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.MTU != 0 {
		cfg.MTU = fc.MTU
	}

	fieldErr := func(field string, err error) error {
		return &apperrors.ConfigError{Path: path, Field: field, Err: fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)}
	}

	var err error
	if cfg.VPNNetwork, err = netip.ParseAddr(fc.VPNNetwork); err != nil {
		return nil, fieldErr("vpn_network", err)
	}
	if cfg.VPNMask, err = netip.ParseAddr(fc.VPNMask); err != nil {
		return nil, fieldErr("vpn_mask", err)
	}
	if fc.DNSServer != "" {
		if cfg.DNSServer, err = netip.ParseAddr(fc.DNSServer); err != nil {
			return nil, fieldErr("dns_server", err)
		}
	}
	if fc.CaptureAddress != "" {
		if cfg.CaptureAddress, err = netip.ParsePrefix(fc.CaptureAddress); err != nil {
			return nil, fieldErr("capture_address", err)
		}
	}
	if fc.ARPTimeout != "" {
		if cfg.ARPTimeout, err = time.ParseDuration(fc.ARPTimeout); err != nil {
			return nil, fieldErr("arp_timeout", err)
		}
	}
	if fc.ARPCacheTTL != "" {
		if cfg.ARPCacheTTL, err = time.ParseDuration(fc.ARPCacheTTL); err != nil {
			return nil, fieldErr("arp_cache_ttl", err)
		}
	}
	return cfg, nil
}

func fromConfig(cfg *Config) *fileConfig {
	fc := &fileConfig{
		Server:      cfg.Server,
		Username:    cfg.Username,
		Password:    cfg.Password,
		VPNNetwork:  cfg.VPNNetwork.String(),
		VPNMask:     cfg.VPNMask.String(),
		Protocol:    cfg.Protocol,
		ServerCert:  cfg.ServerCert,
		OpenConnect: cfg.OpenConnectPath,
		MTU:         cfg.MTU,
		LogLevel:    cfg.LogLevel,
	}
	if cfg.DNSServer.IsValid() {
		fc.DNSServer = cfg.DNSServer.String()
	}
	if cfg.CaptureAddress.IsValid() {
		fc.CaptureAddress = cfg.CaptureAddress.String()
	}
	if cfg.ARPTimeout > 0 {
		fc.ARPTimeout = cfg.ARPTimeout.String()
	}
	fc.ARPCacheTTL = cfg.ARPCacheTTL.String()
	return fc
}
