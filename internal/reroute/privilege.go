package reroute

import (
	"golang.org/x/sys/unix"

	apperrors "splitroute/pkg/errors"
)

// CheckPrivileges returns ErrNotRoot unless the process runs as root. Route
// changes, TUN creation and packet sockets all need it.
func CheckPrivileges() error {
	if unix.Geteuid() != 0 {
		return apperrors.ErrNotRoot
	}
	return nil
}
