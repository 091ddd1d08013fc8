// Package platform registers the warden daemon with the operating
// system's service manager: launchd user agents on macOS, systemd user
// units on Linux. The supervisor itself never branches on platform; only
// this package and the CLI commands that call it do.
package platform

import "errors"

var (
	// ErrUnsupportedPlatform means no service manager integration exists
	// for this system. The daemon still runs via `warden daemon start`.
	ErrUnsupportedPlatform = errors.New("service management is not supported on this platform")

	// ErrNotInstalled means the service definition is missing.
	ErrNotInstalled = errors.New("service is not installed")
)

// InstallConfig carries everything the rendered service definition needs.
type InstallConfig struct {
	// BinaryPath is the warden executable the service manager launches.
	BinaryPath string

	// WorkingDir is the daemon's working directory, normally the state
	// directory.
	WorkingDir string

	// LogPath receives the daemon's stdout and stderr. The daemon
	// rotates this file itself, so the service definition appends.
	LogPath string

	// Env holds the allow-listed variables embedded in the service
	// definition. Values are captured at install time; reinstall to
	// refresh them.
	Env map[string]string
}

// ServiceStatus reports what the service manager knows about the daemon.
type ServiceStatus struct {
	// Installed means the service definition file exists.
	Installed bool

	// Running means the manager reports the service as active.
	Running bool

	// Detail is the manager's own state string, for display.
	Detail string
}

// Service manages the daemon's registration with the platform service
// manager.
type Service interface {
	// Install writes the service definition and registers it to start
	// at login.
	Install(cfg InstallConfig) error

	// Uninstall deregisters and removes the service definition.
	Uninstall() error

	// Start asks the service manager to start the daemon.
	Start() error

	// Stop asks the service manager to stop the daemon.
	Stop() error

	// Status reports installation and running state.
	Status() (ServiceStatus, error)
}
