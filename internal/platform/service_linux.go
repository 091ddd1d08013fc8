//go:build linux

package platform

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const unitName = "warden"

type systemdService struct {
	unitPath string
}

// New returns the systemd-backed service manager, or
// ErrUnsupportedPlatform when systemctl is not on PATH.
func New() (Service, error) {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return nil, ErrUnsupportedPlatform
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &systemdService{
		unitPath: filepath.Join(home, ".config", "systemd", "user", unitName+".service"),
	}, nil
}

func (s *systemdService) Install(cfg InstallConfig) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}

	content, err := renderSystemdUnit(serviceData{
		BinaryPath: cfg.BinaryPath,
		WorkingDir: cfg.WorkingDir,
		LogPath:    cfg.LogPath,
		PathEnv:    pathEnv(),
		Home:       home,
		Env:        cfg.Env,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.unitPath), 0o755); err != nil {
		return fmt.Errorf("failed to create systemd user directory: %w", err)
	}
	// 0600: the unit may carry allow-listed credentials.
	if err := os.WriteFile(s.unitPath, content, 0o600); err != nil {
		return fmt.Errorf("failed to write service definition: %w", err)
	}

	runServiceCommand("systemctl", "--user", "daemon-reload")

	if out, err := runServiceCommand("systemctl", "--user", "enable", unitName); err != nil {
		return fmt.Errorf("failed to enable service: %w: %s", err, out)
	}

	// Linger keeps the user manager, and with it the daemon, alive
	// after logout. Best effort: not every system grants it.
	if user := os.Getenv("USER"); user != "" {
		runServiceCommand("loginctl", "enable-linger", user)
	}
	return nil
}

func (s *systemdService) Uninstall() error {
	if _, err := os.Stat(s.unitPath); os.IsNotExist(err) {
		return ErrNotInstalled
	}

	// Stop and disable failures are not fatal; the unit may already be
	// inactive.
	runServiceCommand("systemctl", "--user", "stop", unitName)
	runServiceCommand("systemctl", "--user", "disable", unitName)

	if err := os.Remove(s.unitPath); err != nil {
		return fmt.Errorf("failed to remove service definition: %w", err)
	}

	runServiceCommand("systemctl", "--user", "daemon-reload")
	return nil
}

func (s *systemdService) Start() error {
	if _, err := os.Stat(s.unitPath); os.IsNotExist(err) {
		return ErrNotInstalled
	}
	if out, err := runServiceCommand("systemctl", "--user", "start", unitName); err != nil {
		return fmt.Errorf("failed to start service: %w: %s", err, out)
	}
	return nil
}

func (s *systemdService) Stop() error {
	if out, err := runServiceCommand("systemctl", "--user", "stop", unitName); err != nil {
		return fmt.Errorf("failed to stop service: %w: %s", err, out)
	}
	return nil
}

func (s *systemdService) Status() (ServiceStatus, error) {
	var st ServiceStatus
	if _, err := os.Stat(s.unitPath); err == nil {
		st.Installed = true
	}

	// is-active exits nonzero for inactive units but still prints the
	// state, which is all the caller needs.
	out, _ := runServiceCommand("systemctl", "--user", "is-active", unitName)
	st.Detail = out
	st.Running = out == "active" || out == "activating"
	return st, nil
}

func pathEnv() string {
	if p := os.Getenv("PATH"); p != "" {
		return p
	}
	return "/usr/local/bin:/usr/bin:/bin"
}

func runServiceCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
