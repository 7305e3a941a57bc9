package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// AppName is the directory name used under every per-user base directory.
const AppName = "splitroute"

// HomeDir returns the real user's home directory, even when running under sudo.
// Rerouting needs root, but the config file, keyring entry and journal belong
// to the invoking user, so they must resolve to the same place either way.
func HomeDir() (string, error) {
	// SUDO_USER is set by sudo to the original invoking user.
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the UID and GID of the real invoking user when running
// under sudo (via SUDO_UID / SUDO_GID). Returns ok=false when not under sudo.
func RealUser() (uid, gid int, ok bool) {
	sudoUID := os.Getenv("SUDO_UID")
	if sudoUID == "" {
		return 0, 0, false
	}
	u, err := strconv.ParseInt(sudoUID, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	var g int64
	if sudoGID := os.Getenv("SUDO_GID"); sudoGID != "" {
		g, _ = strconv.ParseInt(sudoGID, 10, 64)
	}
	return int(u), int(g), true
}

// ChownToRealUser changes the owner of path to the real invoking user when
// running under sudo. It is a no-op when not under sudo.
func ChownToRealUser(path string) {
	if uid, gid, ok := RealUser(); ok {
		os.Chown(path, uid, gid)
	}
}

func ensureDir(parts ...string) (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{home}, parts...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	ChownToRealUser(dir)
	return dir, nil
}

// CacheDir returns ~/.cache/splitroute, creating it if needed. Logs go here.
func CacheDir() (string, error) {
	return ensureDir(".cache", AppName)
}

// DataDir returns ~/.local/share/splitroute, creating it if needed. The
// session journal database lives here.
func DataDir() (string, error) {
	return ensureDir(".local", "share", AppName)
}

// ConfigDir returns ~/.config/splitroute, creating it if needed.
func ConfigDir() (string, error) {
	return ensureDir(".config", AppName)
}

// ConfigFile returns the well-known config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}
