package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"splitroute/internal/netif"
	apperrors "splitroute/pkg/errors"
)

var baseLinks = []netif.Interface{
	{Name: "lo", Index: 1, Flags: net.FlagUp | net.FlagLoopback},
	{Name: "eth0", Index: 2, Flags: net.FlagUp},
}

// fileLister reports utun0 once the fake openconnect has touched marker.
func fileLister(marker string) netif.Lister {
	return netif.ListerFunc(func() ([]netif.Interface, error) {
		links := append([]netif.Interface(nil), baseLinks...)
		if _, err := os.Stat(marker); err == nil {
			links = append(links, netif.Interface{Name: "utun0", Index: 7, Flags: net.FlagUp | net.FlagPointToPoint})
		}
		return links, nil
	})
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "openconnect")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestArgs(t *testing.T) {
	opts := Options{Server: "vpn.example.com", Username: "alice"}
	assert.Equal(t, []string{
		"--protocol=pulse",
		"--user=alice",
		"--passwd-on-stdin",
		"--interface=utun3",
		"vpn.example.com",
	}, opts.Args("utun3"))

	opts.ServerCert = "pin-sha256:abc"
	opts.Protocol = "gp"
	args := opts.Args("utun0")
	assert.Contains(t, args, "--servercert=pin-sha256:abc")
	assert.Contains(t, args, "--protocol=gp")
	assert.Equal(t, "vpn.example.com", args[len(args)-1])
}

func TestWatchOutputFindsMarker(t *testing.T) {
	out := "POST https://vpn.example.com/\nConnected as 10.1.2.3\nESP session established with server\nidle\n"
	found := watchOutput(strings.NewReader(out), DefaultSuccessMarker, func(string) {})

	select {
	case <-found:
	case <-time.After(time.Second):
		t.Fatal("marker not found")
	}
}

func TestWatchOutputWithoutMarker(t *testing.T) {
	found := watchOutput(strings.NewReader("Login failed.\n"), DefaultSuccessMarker, func(string) {})
	select {
	case <-found:
		t.Fatal("unexpected marker")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForInterface(t *testing.T) {
	calls := 0
	lister := netif.ListerFunc(func() ([]netif.Interface, error) {
		calls++
		links := append([]netif.Interface(nil), baseLinks...)
		if calls >= 3 {
			links = append(links, netif.Interface{Name: "utun1", Index: 8})
		}
		return links, nil
	})

	iface, err := waitForInterface(context.Background(), lister, baseLinks, "utun", time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "utun1", iface.Name)
	assert.Equal(t, 3, calls)
}

func TestWaitForInterfaceTimeout(t *testing.T) {
	lister := netif.ListerFunc(func() ([]netif.Interface, error) { return baseLinks, nil })
	_, err := waitForInterface(context.Background(), lister, baseLinks, "utun", time.Millisecond, 20*time.Millisecond, nil)
	assert.ErrorIs(t, err, apperrors.ErrTunnelTimeout)
}

func TestWaitForInterfaceProcessExit(t *testing.T) {
	lister := netif.ListerFunc(func() ([]netif.Interface, error) { return baseLinks, nil })
	exited := make(chan struct{})
	close(exited)
	_, err := waitForInterface(context.Background(), lister, baseLinks, "utun", time.Hour, time.Hour, exited)
	assert.ErrorIs(t, err, apperrors.ErrTunnelEstablishFailed)
}

func TestStartAndClose(t *testing.T) {
	dir := t.TempDir()
	up := filepath.Join(dir, "up")
	bin := writeScript(t, dir, fmt.Sprintf(`read pw
printf '%%s' "$pw" > %[1]s/pw
echo "$@" > %[1]s/args
echo "Connected as 10.1.2.3"
touch %[1]s/up
echo "ESP session established with server"
exec sleep 30
`, dir))

	s, err := Start(context.Background(), Options{
		Binary:   bin,
		Server:   "vpn.example.com",
		Username: "alice",
		Password: "s3cret",
		Timeout:  5 * time.Second,
	}, fileLister(up), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "utun0", s.Interface().Name)
	assert.Equal(t, 7, s.Interface().Index)

	pw, err := os.ReadFile(filepath.Join(dir, "pw"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(pw))

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--interface=utun0")
	assert.Contains(t, string(args), "--user=alice")

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	default:
		t.Fatal("process still running after Close")
	}
	require.NoError(t, s.Close())
}

func TestStartProcessExits(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "echo 'Login failed.'\nexit 1\n")

	_, err := Start(context.Background(), Options{Binary: bin, Server: "vpn.example.com"}, fileLister(filepath.Join(dir, "up")), zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTunnelEstablishFailed)

	var te *apperrors.TunnelError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "vpn.example.com", te.Server)
}

func TestStartTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "exec sleep 30\n")

	_, err := Start(context.Background(), Options{
		Binary:  bin,
		Server:  "vpn.example.com",
		Timeout: 100 * time.Millisecond,
	}, fileLister(filepath.Join(dir, "up")), zap.NewNop())
	assert.ErrorIs(t, err, apperrors.ErrTunnelTimeout)
}

func TestFindBinaryExplicitPath(t *testing.T) {
	_, err := FindBinary(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	bin := writeScript(t, t.TempDir(), "exit 0\n")
	path, err := FindBinary(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}
