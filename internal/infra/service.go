package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

const launchdLabel = "com.airtraffic.daemon"

// launchd plist template. The daemon requires root for per-process
// network counters, so it installs as a LaunchDaemon.
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>daemon</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

const systemdUnitTemplate = `[Unit]
Description=AirTraffic per-application network usage daemon
After=network.target

[Service]
Type=simple
ExecStart={{.ExecutablePath}} daemon
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target
`

type serviceConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
	ErrorLogPath   string
}

// LaunchdManager implements domain.ServiceManager for macOS.
type LaunchdManager struct {
	paths     Paths
	plistPath string
}

// NewLaunchdManager creates the launchd service manager.
func NewLaunchdManager(paths Paths) *LaunchdManager {
	return &LaunchdManager{
		paths:     paths,
		plistPath: filepath.Join("/Library/LaunchDaemons", launchdLabel+".plist"),
	}
}

func (m *LaunchdManager) renderPlist(execPath string) ([]byte, error) {
	tmpl, err := template.New("plist").Parse(launchdPlistTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, serviceConfig{
		Label:          launchdLabel,
		ExecutablePath: execPath,
		LogPath:        m.paths.LogPath,
		ErrorLogPath:   m.paths.ErrorLogPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist and loads it with launchctl.
func (m *LaunchdManager) Install(execPath string) error {
	content, err := m.renderPlist(execPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: writing %s needs root (try sudo)", domain.ErrPermission, m.plistPath)
		}
		return err
	}
	return exec.Command("launchctl", "load", m.plistPath).Run()
}

// Uninstall unloads and removes the plist.
func (m *LaunchdManager) Uninstall() error {
	_ = exec.Command("launchctl", "unload", m.plistPath).Run()
	err := os.Remove(m.plistPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsInstalled checks if the plist is present.
func (m *LaunchdManager) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// UnitPath returns the plist file path.
func (m *LaunchdManager) UnitPath() string {
	return m.plistPath
}

// SystemdManager implements domain.ServiceManager for Linux.
type SystemdManager struct {
	unitPath string
}

// NewSystemdManager creates the systemd service manager.
func NewSystemdManager() *SystemdManager {
	return &SystemdManager{
		unitPath: "/etc/systemd/system/airtraffic.service",
	}
}

// Install writes the unit file and enables it.
func (m *SystemdManager) Install(execPath string) error {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, serviceConfig{ExecutablePath: execPath}); err != nil {
		return fmt.Errorf("failed to execute unit template: %w", err)
	}

	if err := os.WriteFile(m.unitPath, buf.Bytes(), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: writing %s needs root (try sudo)", domain.ErrPermission, m.unitPath)
		}
		return err
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	return exec.Command("systemctl", "enable", "--now", "airtraffic.service").Run()
}

// Uninstall disables the unit and removes the file.
func (m *SystemdManager) Uninstall() error {
	_ = exec.Command("systemctl", "disable", "--now", "airtraffic.service").Run()
	err := os.Remove(m.unitPath)
	if os.IsNotExist(err) {
		return nil
	}
	_ = exec.Command("systemctl", "daemon-reload").Run()
	return err
}

// IsInstalled checks if the unit file is present.
func (m *SystemdManager) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// UnitPath returns the unit file path.
func (m *SystemdManager) UnitPath() string {
	return m.unitPath
}

// NewServiceManager returns the service manager for the host OS, or nil
// when boot integration is unsupported here.
func NewServiceManager(paths Paths) domain.ServiceManager {
	switch runtime.GOOS {
	case "darwin":
		return NewLaunchdManager(paths)
	case "linux":
		return NewSystemdManager()
	default:
		return nil
	}
}

var (
	_ domain.ServiceManager = (*LaunchdManager)(nil)
	_ domain.ServiceManager = (*SystemdManager)(nil)
)
