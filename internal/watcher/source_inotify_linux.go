//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"mere/internal/logger"
	"mere/internal/pathmap"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_MODIFY | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF |
	unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK

// inotifySource talks to inotify directly because it needs IN_CLOSE_WRITE and
// rename cookies, which fsnotify does not surface.
type inotifySource struct {
	fd      int
	file    *os.File
	recurse func(string) bool

	mu        sync.Mutex
	watches   map[int32]string
	paths     map[string]int32
	roots     map[string]bool
	moving    map[uint32]string
	relocated map[int32]bool

	events    chan rawEvent
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newInotifySource(recurse func(string) bool, bufferSize int) (source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to init inotify: %w", err)
	}

	s := &inotifySource{
		fd:        fd,
		file:      os.NewFile(uintptr(fd), "inotify"),
		recurse:   recurse,
		watches:   make(map[int32]string),
		paths:     make(map[string]int32),
		roots:     make(map[string]bool),
		moving:    make(map[uint32]string),
		relocated: make(map[int32]bool),
		events:    make(chan rawEvent, bufferSize),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}

	go s.read()
	return s, nil
}

func (s *inotifySource) Events() <-chan rawEvent { return s.events }
func (s *inotifySource) Errors() <-chan error    { return s.errors }
func (s *inotifySource) CloseAware() bool        { return true }

func (s *inotifySource) AddDir(dir string, recursive bool) error {
	s.mu.Lock()
	s.roots[dir] = true
	s.mu.Unlock()

	if !recursive {
		return s.addWatch(dir)
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

		if !d.IsDir() {
			return nil
		}

		if err := s.addWatch(p); err != nil {
			if p == dir {
				return err
			}
			logger.Log.Warn("failed to watch directory",
				zap.String("path", p),
				zap.Error(err))
			return fs.SkipDir
		}

		return nil
	})
}

func (s *inotifySource) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(s.fd, dir, inotifyMask)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.watches[int32(wd)]; ok && old != dir {
		delete(s.paths, old)
	}
	s.watches[int32(wd)] = dir
	s.paths[dir] = int32(wd)

	logger.Log.Debug("watching directory",
		zap.String("path", dir))
	return nil
}

func (s *inotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.file.Close()
	})

	return err
}

func (s *inotifySource) read() {
	defer close(s.events)

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		n, err := s.file.Read(buf[:])
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				s.fail(fmt.Errorf("failed to read inotify events: %w", err))
			}
			return
		}

		if n < unix.SizeofInotifyEvent {
			s.fail(fmt.Errorf("short inotify read of %d bytes", n))
			continue
		}

		var offset int
		for offset <= n-unix.SizeofInotifyEvent {
			ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameLen := int(ev.Len)

			var name string
			if nameLen > 0 {
				raw := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
				name = strings.TrimRight(string(raw), "\x00")
			}

			if !s.handle(ev.Wd, ev.Mask, ev.Cookie, name) {
				return
			}
			offset += unix.SizeofInotifyEvent + nameLen
		}
	}
}

func (s *inotifySource) handle(wd int32, mask, cookie uint32, name string) bool {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		return s.send(rawEvent{op: rawOverflow})
	}

	s.mu.Lock()
	dir, ok := s.watches[wd]
	if ok && mask&unix.IN_IGNORED != 0 {
		delete(s.watches, wd)
		if s.paths[dir] == wd {
			delete(s.paths, dir)
		}
	}
	s.mu.Unlock()

	if !ok || mask&unix.IN_IGNORED != 0 {
		return true
	}

	p := dir
	if name != "" {
		p = filepath.Join(dir, name)
	}
	isDir := mask&unix.IN_ISDIR != 0

	switch {
	case mask&unix.IN_MOVE_SELF != 0:
		return s.movedSelf(wd, dir)

	case mask&unix.IN_DELETE_SELF != 0:
		s.mu.Lock()
		root := s.roots[dir]
		s.mu.Unlock()

		if root {
			return s.send(rawEvent{op: rawRemove, path: dir, dir: true})
		}

	case mask&unix.IN_MOVED_FROM != 0:
		if isDir {
			s.mu.Lock()
			if _, watched := s.paths[p]; watched {
				s.moving[cookie] = p
			}
			s.mu.Unlock()
		}
		return s.send(rawEvent{op: rawMovedFrom, path: p, cookie: cookie, dir: isDir})

	case mask&unix.IN_MOVED_TO != 0:
		if !s.send(rawEvent{op: rawMovedTo, path: p, cookie: cookie, dir: isDir}) {
			return false
		}
		if isDir {
			return s.arrived(p, cookie)
		}

	case mask&unix.IN_CREATE != 0:
		if !s.send(rawEvent{op: rawCreate, path: p, dir: isDir}) {
			return false
		}
		if isDir && s.recurse(p) {
			return s.scan(p)
		}

	case mask&unix.IN_DELETE != 0:
		return s.send(rawEvent{op: rawRemove, path: p, dir: isDir})

	case mask&unix.IN_CLOSE_WRITE != 0:
		return s.send(rawEvent{op: rawClose, path: p})

	case mask&unix.IN_MODIFY != 0:
		return s.send(rawEvent{op: rawWrite, path: p})
	}

	return true
}

// arrived handles a directory that appeared by rename. A watched directory
// keeps its watch descriptors, only their paths change; anything else is new
// to us and gets scanned.
func (s *inotifySource) arrived(p string, cookie uint32) bool {
	s.mu.Lock()
	old, ok := s.moving[cookie]
	delete(s.moving, cookie)
	s.mu.Unlock()

	if !ok {
		if s.recurse(p) {
			return s.scan(p)
		}
		return true
	}

	if !s.recurse(p) {
		s.dropTree(old)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved := make(map[string]int32)
	for path, wd := range s.paths {
		if pathmap.Under(path, old) {
			moved[p+strings.TrimPrefix(path, old)] = wd
			delete(s.paths, path)
		}
	}

	for path, wd := range moved {
		s.paths[path] = wd
		s.watches[wd] = path
	}

	if wd, ok := s.paths[p]; ok {
		s.relocated[wd] = true
	}

	return true
}

// movedSelf runs after the parent reported the move, if the parent is
// watched at all. A relocated directory needs nothing more. A root that moved
// away is reported as removed, and any other directory that left the watched
// tree loses its watches.
func (s *inotifySource) movedSelf(wd int32, dir string) bool {
	s.mu.Lock()
	if s.relocated[wd] {
		delete(s.relocated, wd)
		s.mu.Unlock()
		return true
	}

	root := s.roots[dir]
	for cookie, p := range s.moving {
		if p == dir {
			delete(s.moving, cookie)
		}
	}
	s.mu.Unlock()

	s.dropTree(dir)

	if root {
		logger.Log.Warn("watch target moved away",
			zap.String("path", dir))
		return s.send(rawEvent{op: rawRemove, path: dir, dir: true})
	}

	return true
}

func (s *inotifySource) dropTree(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, wd := range s.paths {
		if !pathmap.Under(p, dir) {
			continue
		}

		_, _ = unix.InotifyRmWatch(s.fd, uint32(wd))
		delete(s.paths, p)
		delete(s.watches, wd)
	}
}

// scan watches a directory that appeared after its parent was watched and
// reports the files already inside it, which may predate the new watches.
func (s *inotifySource) scan(dir string) bool {
	ok := true
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if err := s.addWatch(p); err != nil {
				logger.Log.Warn("failed to watch new directory",
					zap.String("path", p),
					zap.Error(err))
				return fs.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			if !s.send(rawEvent{op: rawExisting, path: p}) {
				ok = false
				return fs.SkipAll
			}
		}

		return nil
	})
	if err != nil {
		logger.Log.Warn("failed to scan new directory",
			zap.String("path", dir),
			zap.Error(err))
	}

	return ok
}

func (s *inotifySource) send(ev rawEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *inotifySource) fail(err error) {
	select {
	case s.errors <- err:
	default:
		logger.Log.Error("watcher error",
			zap.Error(err))
	}
}
