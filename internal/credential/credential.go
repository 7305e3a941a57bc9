// Package credential keeps the VPN password in the user's keyring and reads
// it from the terminal when nothing is stored.
package credential

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	apperrors "splitroute/pkg/errors"
)

// Service is the keyring service name entries are stored under.
const Service = "splitroute"

// Store looks up and saves passwords by username.
type Store interface {
	Get(user string) (string, error)
	Set(user, password string) error
}

// Keyring is a Store backed by the desktop secret service.
type Keyring struct {
	Service string
}

// NewKeyring returns a Keyring using the default service name.
func NewKeyring() *Keyring { return &Keyring{Service: Service} }

func (k *Keyring) service() string {
	if k.Service == "" {
		return Service
	}
	return k.Service
}

// Get returns ErrCredentialNotFound when no password is stored for user.
func (k *Keyring) Get(user string) (string, error) {
	pw, err := keyring.Get(k.service(), user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", apperrors.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return pw, nil
}

func (k *Keyring) Set(user, password string) error {
	if err := keyring.Set(k.service(), user, password); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}

// Delete removes the stored password. A missing entry is not an error.
func (k *Keyring) Delete(user string) error {
	err := keyring.Delete(k.service(), user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}
	return nil
}

// Prompt writes label to w and reads one line from in. Echo is disabled
// when in is a terminal; otherwise the line is read as-is so passwords can
// be piped in.
func Prompt(w io.Writer, in *os.File, label string) (string, error) {
	fmt.Fprint(w, label)

	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Lookup returns the password from the first source that has one: the
// explicit value, then the store. fromStore reports whether the store
// supplied it.
func Lookup(explicit string, store Store, user string) (password string, fromStore bool, err error) {
	if explicit != "" {
		return explicit, false, nil
	}
	if store == nil {
		return "", false, apperrors.ErrCredentialNotFound
	}
	pw, err := store.Get(user)
	if err != nil {
		return "", false, err
	}
	return pw, true, nil
}
