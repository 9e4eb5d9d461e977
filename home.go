package labdock

import (
	"os"
	"path/filepath"
)

// Home returns the labdock home directory.
// It defaults to ~/.labdock but can be overridden with the LABDOCK_HOME
// environment variable.
func Home() string {
	if v := os.Getenv("LABDOCK_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".labdock")
}

// DefaultRegistryPath returns the default registry file path
// (~/.labdock/experiments.yaml).
func DefaultRegistryPath() string {
	return filepath.Join(Home(), "experiments.yaml")
}

// DefaultBaseDir returns the default directory holding experiment build
// contexts (~/.labdock/experiments).
func DefaultBaseDir() string {
	return filepath.Join(Home(), "experiments")
}

// EnsureHome creates the labdock home and experiments directories if they
// don't exist.
func EnsureHome() error {
	return os.MkdirAll(DefaultBaseDir(), 0o755)
}
