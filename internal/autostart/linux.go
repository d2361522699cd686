package autostart

import (
	"bytes"
	"fmt"
	"mere/internal/util"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const unitName = "mere.service"

const serviceTemplate = `[Unit]
Description=mere SSH mirroring daemon
After=network-online.target
Wants=network-online.target

[Service]
ExecStart={{range $i, $a := .Args}}{{if $i}} {{end}}{{quote $a}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type LinuxAutoStarter struct {
	// dir overrides ~/.config/systemd/user.
	dir string
	run func(args ...string) error
}

func NewLinuxAutoStarter() *LinuxAutoStarter {
	return &LinuxAutoStarter{run: systemctl}
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to run systemctl %v: %w\n%s", args, err, out)
	}

	return nil
}

func (l *LinuxAutoStarter) servicePath() (string, error) {
	dir := l.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config", "systemd", "user")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(dir, unitName), nil
}

func (l *LinuxAutoStarter) Install(execPath string, args []string) error {
	path, err := l.servicePath()
	if err != nil {
		return err
	}

	tmpl := template.Must(template.New("service").
		Funcs(template.FuncMap{"quote": quote}).
		Parse(serviceTemplate))

	argv := append([]string{execPath, "watch"}, args...)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"Args": argv}); err != nil {
		return fmt.Errorf("failed to render service file: %w", err)
	}

	if err := util.AtomicWrite(path, &buf, 0644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}

	for _, step := range [][]string{
		{"daemon-reload"},
		{"enable", unitName},
		{"restart", unitName},
	} {
		if err := l.run(step...); err != nil {
			return err
		}
	}

	return nil
}

func (l *LinuxAutoStarter) Uninstall() error {
	_ = l.run("stop", unitName)
	_ = l.run("disable", unitName)

	path, err := l.servicePath()
	if err != nil {
		return err
	}

	if err := util.RemoveIfExists(path); err != nil {
		return err
	}

	return l.run("daemon-reload")
}

func (l *LinuxAutoStarter) IsInstalled() (bool, error) {
	path, err := l.servicePath()
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	return err == nil, nil
}

// quote renders one ExecStart word. systemd splits on whitespace and
// understands C-style double quotes and escapes; % starts a specifier.
func quote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}

	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
