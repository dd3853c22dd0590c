package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"

	"replyguard/internal/config"
)

const (
	launchdLabel = "com.replyguard.serve"
	systemdUnit  = "replyguard.service"
)

// serviceSpec fills the launchd and systemd templates.
type serviceSpec struct {
	Label   string
	Exec    string
	Config  string
	WorkDir string
	EnvFile string
	Log     string
	ErrLog  string
}

func newServiceSpec() (serviceSpec, error) {
	execPath, err := os.Executable()
	if err != nil {
		return serviceSpec{}, fmt.Errorf("cannot determine executable path: %w", err)
	}
	cfgPath := resolveConfigPath()
	dir := filepath.Dir(cfgPath)
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	return serviceSpec{
		Label:   launchdLabel,
		Exec:    execPath,
		Config:  cfgPath,
		WorkDir: dir,
		EnvFile: filepath.Join(dir, ".env"),
		Log:     filepath.Join(logDir, "replyguard.log"),
		ErrLog:  filepath.Join(logDir, "replyguard-error.log"),
	}, nil
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'replyguard serve' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := newServiceSpec()
			if err != nil {
				return err
			}
			switch runtime.GOOS {
			case "darwin":
				return installService(spec, launchdPath(), launchdTemplate,
					"launchctl load "+launchdPath(), "launchctl unload "+launchdPath())
			case "linux":
				return installService(spec, systemdPath(), systemdTemplate,
					"systemctl --user enable --now replyguard", "systemctl --user stop replyguard")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the ReplyGuard user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = launchdPath()
			case "linux":
				path = systemdPath()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func renderService(tmpl string, spec serviceSpec) ([]byte, error) {
	t, err := template.New("service").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, spec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func installService(spec serviceSpec, path, tmpl, startHint, stopHint string) error {
	data, err := renderService(tmpl, spec)
	if err != nil {
		return fmt.Errorf("render service file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(spec.Log), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: %s\n", startHint)
	fmt.Printf("To stop:  %s\n", stopHint)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=ReplyGuard customer message guard
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
EnvironmentFile=-{{.EnvFile}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=15

[Install]
WantedBy=default.target
`
