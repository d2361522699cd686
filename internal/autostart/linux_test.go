package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStarter(t *testing.T) (*LinuxAutoStarter, *[]string) {
	t.Helper()

	var calls []string
	return &LinuxAutoStarter{
		dir: t.TempDir(),
		run: func(args ...string) error {
			calls = append(calls, strings.Join(args, " "))
			return nil
		},
	}, &calls
}

func TestInstallWritesUnit(t *testing.T) {
	l, calls := newTestStarter(t)

	require.NoError(t, l.Install("/usr/local/bin/mere", []string{"backup@nas:2222", "/data/my reports", "/etc/app.conf"}))

	data, err := os.ReadFile(filepath.Join(l.dir, unitName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `ExecStart=/usr/local/bin/mere watch backup@nas:2222 "/data/my reports" /etc/app.conf`)
	assert.Equal(t, []string{"daemon-reload", "enable mere.service", "restart mere.service"}, *calls)

	installed, err := l.IsInstalled()
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestUninstallRemovesUnit(t *testing.T) {
	l, _ := newTestStarter(t)
	require.NoError(t, l.Install("/usr/local/bin/mere", nil))

	require.NoError(t, l.Uninstall())
	installed, err := l.IsInstalled()
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, l.Uninstall())
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "plain", quote("plain"))
	assert.Equal(t, `"a b"`, quote("a b"))
	assert.Equal(t, `"say \"hi\""`, quote(`say "hi"`))
	assert.Equal(t, "100%%", quote("100%"))
	assert.Equal(t, `""`, quote(""))
}
