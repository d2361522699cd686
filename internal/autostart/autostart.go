package autostart

import (
	"errors"
	"runtime"
)

var ErrUnsupported = errors.New("autostart is only supported with systemd on linux")

type AutoStarter interface {
	// Install registers execPath to run "watch" with args on login.
	Install(execPath string, args []string) error
	Uninstall() error
	IsInstalled() (bool, error)
}

func New() AutoStarter {
	switch runtime.GOOS {
	case "linux":
		return NewLinuxAutoStarter()
	default:
		return &UnsupportedAutoStarter{}
	}
}

type UnsupportedAutoStarter struct{}

func (u *UnsupportedAutoStarter) Install(_ string, _ []string) error {
	return ErrUnsupported
}

func (u *UnsupportedAutoStarter) Uninstall() error {
	return ErrUnsupported
}

func (u *UnsupportedAutoStarter) IsInstalled() (bool, error) {
	return false, nil
}
