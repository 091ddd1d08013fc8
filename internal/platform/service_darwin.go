//go:build darwin

package platform

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// serviceLabel is the launchd job label. The plist file carries the same
// name so launchctl and the filesystem agree on identity.
const serviceLabel = "com.tombee.warden"

type launchdService struct {
	plistPath string
}

// New returns the launchd-backed service manager.
func New() (Service, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &launchdService{
		plistPath: filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist"),
	}, nil
}

func (s *launchdService) Install(cfg InstallConfig) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}

	content, err := renderLaunchdPlist(serviceData{
		Label:      serviceLabel,
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

	if err := os.MkdirAll(filepath.Dir(s.plistPath), 0o755); err != nil {
		return fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}
	// 0600: the plist may carry allow-listed credentials.
	if err := os.WriteFile(s.plistPath, content, 0o600); err != nil {
		return fmt.Errorf("failed to write service definition: %w", err)
	}

	if out, err := runServiceCommand("launchctl", "load", s.plistPath); err != nil {
		return fmt.Errorf("failed to load service: %w: %s", err, out)
	}
	return nil
}

func (s *launchdService) Uninstall() error {
	if _, err := os.Stat(s.plistPath); os.IsNotExist(err) {
		return ErrNotInstalled
	}

	// Unload failure is not fatal; the job may already be unloaded.
	runServiceCommand("launchctl", "unload", s.plistPath)

	if err := os.Remove(s.plistPath); err != nil {
		return fmt.Errorf("failed to remove service definition: %w", err)
	}
	return nil
}

func (s *launchdService) Start() error {
	if _, err := os.Stat(s.plistPath); os.IsNotExist(err) {
		return ErrNotInstalled
	}
	if out, err := runServiceCommand("launchctl", "start", serviceLabel); err != nil {
		return fmt.Errorf("failed to start service: %w: %s", err, out)
	}
	return nil
}

func (s *launchdService) Stop() error {
	if out, err := runServiceCommand("launchctl", "stop", serviceLabel); err != nil {
		return fmt.Errorf("failed to stop service: %w: %s", err, out)
	}
	return nil
}

func (s *launchdService) Status() (ServiceStatus, error) {
	var st ServiceStatus
	if _, err := os.Stat(s.plistPath); err == nil {
		st.Installed = true
	}

	out, err := runServiceCommand("launchctl", "list", serviceLabel)
	if err != nil {
		st.Detail = "not loaded"
		return st, nil
	}
	// A loaded job lists a numeric PID only while its process is alive.
	if strings.Contains(out, `"PID" =`) {
		st.Running = true
		st.Detail = "running"
	} else {
		st.Detail = "loaded"
	}
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
