// Package watcher turns kernel filesystem notifications for the watch targets
// into an ordered stream of ChangeEvents.
package watcher

import (
	"context"
	"fmt"
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/pathmap"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"
)

type Options struct {
	Backend    string
	Settle     time.Duration
	Quiet      time.Duration
	MoveWindow time.Duration
	BufferSize int
	// OnOverflow runs when the kernel dropped notifications. Events were lost
	// and only a rescan can restore convergence.
	OnOverflow func()
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.Settle <= 0 {
		o.Settle = 100 * time.Millisecond
	}
	if o.Quiet <= 0 {
		o.Quiet = 500 * time.Millisecond
	}
	if o.MoveWindow <= 0 {
		o.MoveWindow = 100 * time.Millisecond
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}

	return o
}

type Watcher struct {
	mapper *pathmap.Mapper
	opts   Options
	src    source
	co     *coalescer

	eventCh  chan model.ChangeEvent
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(mapper *pathmap.Mapper, opts Options) (*Watcher, error) {
	opts = opts.withDefaults()

	src, err := newSource(opts.Backend, mapper.Recursive, opts.BufferSize)
	if err != nil {
		return nil, err
	}

	roots := make([]string, 0, len(mapper.Targets()))
	for _, t := range mapper.Targets() {
		roots = append(roots, t.LocalPath)
	}

	return &Watcher{
		mapper:  mapper,
		opts:    opts,
		src:     src,
		co:      newCoalescer(mapper.Contains, roots, src.CloseAware(), opts),
		eventCh: make(chan model.ChangeEvent, opts.BufferSize),
		doneCh:  make(chan struct{}),
	}, nil
}

func newSource(backend string, recurse func(string) bool, bufferSize int) (source, error) {
	switch backend {
	case BackendInotify:
		return newInotifySource(recurse, bufferSize)

	case BackendFsnotify:
		return newFsnotifySource(recurse, bufferSize)

	case BackendAuto:
		if runtime.GOOS == "linux" {
			src, err := newInotifySource(recurse, bufferSize)
			if err == nil {
				return src, nil
			}
			logger.Log.Warn("inotify unavailable, falling back to fsnotify",
				zap.Error(err))
		}
		return newFsnotifySource(recurse, bufferSize)

	default:
		return nil, fmt.Errorf("unknown watcher backend %q", backend)
	}
}

// Start registers every target and begins emitting. Directory targets are
// watched recursively; a file target is watched through its parent, since
// editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	for _, t := range w.mapper.Targets() {
		var err error
		if t.IsDir {
			err = w.src.AddDir(t.LocalPath, true)
		} else {
			err = w.src.AddDir(filepath.Dir(t.LocalPath), false)
		}

		if err != nil {
			_ = w.src.Close()
			return fmt.Errorf("failed to watch %s: %w", t.LocalPath, err)
		}

		logger.Log.Info("watcher started",
			zap.String("path", t.LocalPath),
			zap.Bool("dir", t.IsDir))
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *Watcher) Events() <-chan model.ChangeEvent {
	return w.eventCh
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.doneCh)
		_ = w.src.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.eventCh)

	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()

	rawCh := w.src.Events()
	errCh := w.src.Errors()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.doneCh:
			logger.Log.Info("watcher stopping")
			return

		case raw, ok := <-rawCh:
			if !ok {
				return
			}

			if raw.op == rawOverflow {
				logger.Log.Warn("kernel event queue overflowed, changes were lost")
				if w.opts.OnOverflow != nil {
					w.opts.OnOverflow()
				}
				continue
			}

			logger.Log.Debug("raw event",
				zap.Stringer("op", raw.op),
				zap.String("path", raw.path))

			if !w.emit(ctx, w.co.handle(raw, time.Now())) {
				return
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}

			logger.Log.Error("watcher error",
				zap.Error(err))

		case now := <-tick.C:
			if !w.co.pending() {
				continue
			}

			if !w.emit(ctx, w.co.flush(now)) {
				return
			}
		}
	}
}

// emit never drops. The engine drains this channel into its own queue.
func (w *Watcher) emit(ctx context.Context, events []model.ChangeEvent) bool {
	for _, ev := range events {
		select {
		case w.eventCh <- ev:
		case <-ctx.Done():
			return false
		case <-w.doneCh:
			return false
		}
	}

	return true
}

func (w *Watcher) tickInterval() time.Duration {
	d := min(w.opts.Settle, w.opts.Quiet, w.opts.MoveWindow) / 2
	return max(d, 5*time.Millisecond)
}
