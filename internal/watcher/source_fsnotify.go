package watcher

import (
	"fmt"
	"io/fs"
	"mere/internal/logger"
	"mere/internal/pathmap"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fsnotifySource is the portable backend. fsnotify reports neither closes nor
// rename cookies, so the coalescer falls back to quiescence and adjacency.
type fsnotifySource struct {
	fw      *fsnotify.Watcher
	recurse func(string) bool

	mu   sync.Mutex
	dirs map[string]bool

	events    chan rawEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newFsnotifySource(recurse func(string) bool, bufferSize int) (source, error) {
	fw, err := fsnotify.NewBufferedWatcher(uint(bufferSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	s := &fsnotifySource{
		fw:      fw,
		recurse: recurse,
		dirs:    make(map[string]bool),
		events:  make(chan rawEvent, bufferSize),
		done:    make(chan struct{}),
	}

	go s.run()
	return s, nil
}

func (s *fsnotifySource) Events() <-chan rawEvent { return s.events }
func (s *fsnotifySource) Errors() <-chan error    { return s.fw.Errors }
func (s *fsnotifySource) CloseAware() bool        { return false }

func (s *fsnotifySource) AddDir(dir string, recursive bool) error {
	if !recursive {
		return s.add(dir)
	}

	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			logger.Log.Warn("failed to walk directory",
				zap.String("path", p),
				zap.Error(err))
			return nil
		}

		if d.IsDir() {
			if err := s.add(p); err != nil {
				if p == dir {
					return err
				}
				logger.Log.Warn("failed to watch directory",
					zap.String("path", p),
					zap.Error(err))
				return fs.SkipDir
			}
		}

		return nil
	})
}

func (s *fsnotifySource) add(dir string) error {
	if err := s.fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.dirs[dir] = true
	s.mu.Unlock()

	logger.Log.Debug("watching directory",
		zap.String("path", dir))
	return nil
}

func (s *fsnotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.fw.Close()
	})

	return err
}

func (s *fsnotifySource) run() {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return

		case fsEvent, ok := <-s.fw.Events:
			if !ok {
				return
			}

			if !s.handle(fsEvent) {
				return
			}
		}
	}
}

func (s *fsnotifySource) handle(fsEvent fsnotify.Event) bool {
	p := fsEvent.Name

	switch {
	case fsEvent.Op.Has(fsnotify.Create):
		info, err := os.Lstat(p)
		isDir := err == nil && info.IsDir()

		if !s.send(rawEvent{op: rawCreate, path: p, dir: isDir}) {
			return false
		}

		if isDir && s.recurse(p) {
			return s.scan(p)
		}

	case fsEvent.Op.Has(fsnotify.Write):
		return s.send(rawEvent{op: rawWrite, path: p})

	case fsEvent.Op.Has(fsnotify.Remove):
		return s.send(rawEvent{op: rawRemove, path: p, dir: s.forget(p)})

	case fsEvent.Op.Has(fsnotify.Rename):
		// the watch follows the inode, so the old paths are released and the
		// arrival side is watched afresh on Create
		return s.send(rawEvent{op: rawMovedFrom, path: p, dir: s.forget(p)})
	}

	return true
}

// forget drops the watches at and below p and reports whether p was a
// watched directory.
func (s *fsnotifySource) forget(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	watched := s.dirs[p]
	for dir := range s.dirs {
		if pathmap.Under(dir, p) {
			_ = s.fw.Remove(dir)
			delete(s.dirs, dir)
		}
	}

	return watched
}

func (s *fsnotifySource) scan(dir string) bool {
	ok := true
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if err := s.add(p); err != nil {
				logger.Log.Warn("failed to watch new directory",
					zap.String("path", p),
					zap.Error(err))
				return fs.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() && !s.send(rawEvent{op: rawExisting, path: p}) {
			ok = false
			return fs.SkipAll
		}

		return nil
	})

	return ok
}

func (s *fsnotifySource) send(ev rawEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
