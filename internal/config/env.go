package config

import (
	"os"
	"path/filepath"
)

// Recognized environment variables (spec §6.4): the connector reads these
// but never requires them — every one has a sensible fallback.
const (
	EnvXDGRuntimeDir      = "XDG_RUNTIME_DIR"
	EnvXDGConfigHome      = "XDG_CONFIG_HOME"
	EnvXDGCacheHome       = "XDG_CACHE_HOME"
	EnvXDGCurrentDesktop  = "XDG_CURRENT_DESKTOP"
)

// RuntimeDir resolves the socket directory for the IPC listener/dialer,
// preferring XDG_RUNTIME_DIR and falling back to the system temp dir so a
// non-systemd host still works.
func RuntimeDir() string {
	if dir := os.Getenv(EnvXDGRuntimeDir); dir != "" {
		return filepath.Join(dir, "snx-go")
	}
	return filepath.Join(os.TempDir(), "snx-go")
}

// CacheDir resolves the directory persistence.Store uses for the IKE
// session database.
func CacheDir() string {
	if dir := os.Getenv(EnvXDGCacheHome); dir != "" {
		return filepath.Join(dir, "snx-go")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "snx-go")
	}
	return filepath.Join(home, ".cache", "snx-go")
}

// ShellEnv returns the environment a platform shell-out should run with:
// LANG/LC_ALL forced to "C" so tool output is locale-independent, matching
// the original connector's run_command wrapper.
func ShellEnv() []string {
	env := os.Environ()
	return append(env, "LANG=C", "LC_ALL=C")
}
