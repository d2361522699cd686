//go:build !linux

package watcher

import "errors"

func newInotifySource(func(string) bool, int) (source, error) {
	return nil, errors.New("inotify is only available on linux")
}
