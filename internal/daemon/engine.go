package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mere/internal/auth"
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/pathmap"
	"mere/internal/pipeline"
	"mere/internal/transport"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrEventStreamClosed is returned by Run when the event source stops before
// the engine was asked to shut down.
var ErrEventStreamClosed = errors.New("event stream closed")

type CredentialSource interface {
	Resolve() ([]auth.Credential, error)
}

type Recorder interface {
	Save(result model.SyncResult) error
}

type Options struct {
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	KeepaliveInterval time.Duration
	ShutdownGrace     time.Duration
	QueueWarn         int
	QueueLimit        int

	// Ignorer and Recorder are optional.
	Ignorer  *pipeline.Ignorer
	Recorder Recorder
}

// Engine mirrors the watch targets to one destination. It owns the transport
// session: every remote operation runs on the goroutine that called Run.
type Engine struct {
	dst    model.Destination
	mapper *pathmap.Mapper
	creds  CredentialSource
	dialer transport.Dialer
	opts   Options

	state *State
	queue *Queue

	sessMu      sync.Mutex
	session     transport.Session
	credentials []auth.Credential
	phase       model.EngineState
	dirs        map[string]bool
	// unsynced holds local paths whose last write did not reach the remote.
	unsynced    map[string]bool
	// leaks holds remote dirs where an upload broke off mid-transfer.
	leaks       map[string]bool
	bo          *backoff.ExponentialBackOff
	rescan      atomic.Bool
}

func NewEngine(dst model.Destination, mapper *pathmap.Mapper, creds CredentialSource, dialer transport.Dialer, opts Options) *Engine {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(opts.BackoffInitial, time.Minute)
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BackoffInitial
	bo.MaxInterval = opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Engine{
		dst:      dst,
		mapper:   mapper,
		creds:    creds,
		dialer:   dialer,
		opts:     opts,
		state:    NewState(dst, mapper.Targets()),
		queue:    NewQueue(opts.QueueWarn, opts.QueueLimit),
		dirs:     make(map[string]bool),
		unsynced: make(map[string]bool),
		leaks:    make(map[string]bool),
		bo:       bo,
	}
}

func (e *Engine) Snapshot() model.EngineSnapshot {
	snap := e.state.Snapshot()
	snap.Pending = e.queue.Len()
	return snap
}

// RequestRescan schedules a full mirror pass before the next queued event.
// The watcher calls it when the kernel dropped notifications.
func (e *Engine) RequestRescan() {
	e.state.AddOverflow()
	e.rescan.Store(true)
	e.queue.Notify()
}

// Run performs the initial mirror and, when events is not nil, applies events
// until ctx is cancelled. Cancellation is a graceful shutdown and returns nil.
func (e *Engine) Run(ctx context.Context, events <-chan model.ChangeEvent) (err error) {
	finished := make(chan struct{})
	defer close(finished)

	stopWatchdog := context.AfterFunc(ctx, func() {
		e.state.Set(model.StateShuttingDown)

		select {
		case <-time.After(e.opts.ShutdownGrace):
			logger.Log.Warn("shutdown grace period expired, closing session")
			e.dropSession()
		case <-finished:
		}
	})
	defer stopWatchdog()

	defer func() {
		e.dropSession()

		switch {
		case err != nil:
			e.state.Set(model.StateFailed)
			e.state.SetError(err)
		case events == nil && ctx.Err() == nil:
			e.state.Set(model.StateIdle)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if events != nil {
		g.Go(func() error {
			return e.pump(gctx, events)
		})
	}

	g.Go(func() error {
		return e.work(gctx, events != nil)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (e *Engine) work(ctx context.Context, watch bool) error {
	e.setPhase(model.StateInitializing)

	creds, err := e.creds.Resolve()
	if err != nil {
		return err
	}
	e.credentials = creds

	if _, err := e.ensureSession(ctx); err != nil {
		return err
	}

	e.setPhase(model.StateInitialMirror)
	if err := e.mirrorAll(ctx, false); err != nil {
		return err
	}

	if !watch {
		return nil
	}

	e.setPhase(model.StateWatching)
	return e.apply(ctx)
}

func (e *Engine) pump(ctx context.Context, events <-chan model.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEventStreamClosed
			}

			if e.queue.Push(ev) {
				e.RequestRescan()
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context) error {
	keepalive := time.NewTicker(e.keepaliveInterval())
	defer keepalive.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if e.rescan.Swap(false) {
			logger.Log.Info("rescanning watch targets")
			if err := e.mirrorAll(ctx, true); err != nil {
				return err
			}
		}

		ev, ok := e.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-e.queue.Ready():
			case <-keepalive.C:
				if err := e.ping(ctx); err != nil {
					return err
				}
			}
			continue
		}

		if err := e.applyEvent(ctx, ev); err != nil {
			return err
		}

		e.queue.Ack()
		keepalive.Reset(e.keepaliveInterval())
	}
}

// applyEvent returns only errors that end the engine. Anything else is
// recorded against the event, which is then acknowledged.
func (e *Engine) applyEvent(ctx context.Context, ev model.ChangeEvent) error {
	start := time.Now()
	result := model.SyncResult{Event: ev, LocalPath: ev.Path}

	remote, err := e.mapper.Map(ev.Path)
	if err != nil {
		result.Err = err
		e.record(result)
		return nil
	}
	result.RemotePath = remote

	switch ev.Type {
	case model.EventWritten:
		result.Bytes, result.Skipped, err = e.upload(ctx, ev.Path, remote)
		if result.Skipped || err != nil {
			e.unsynced[ev.Path] = true
		} else {
			delete(e.unsynced, ev.Path)
		}

	case model.EventDeleted:
		e.takeUnsynced(ev.Path)
		err = e.do(ctx, func(s transport.Session) error {
			return s.Delete(remote)
		})
		e.forgetDirs(remote)

	case model.EventMoved:
		result.Bytes, err = e.move(ctx, ev.From, ev.Path, remote)

	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}

	if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
		return err
	}

	result.Err = err
	result.Duration = time.Since(start)
	e.record(result)
	return nil
}

func (e *Engine) move(ctx context.Context, from, to, remoteTo string) (int64, error) {
	pending := e.takeUnsynced(from)

	remoteFrom, err := e.mapper.Map(from)
	if err != nil {
		return e.uploadPath(ctx, to)
	}

	err = e.do(ctx, func(s transport.Session) error {
		if err := e.ensureDir(s, path.Dir(remoteTo)); err != nil {
			return err
		}
		return s.Rename(remoteFrom, remoteTo)
	})
	e.forgetDirs(remoteFrom)
	e.forgetDirs(remoteTo)

	if errors.Is(err, transport.ErrRemoteNotFound) {
		logger.Log.Info("moved path missing remotely, uploading instead",
			zap.String("from", remoteFrom),
			zap.String("to", remoteTo))
		return e.uploadPath(ctx, to)
	}

	if err != nil {
		for _, p := range pending {
			e.unsynced[p] = true
		}
		return 0, err
	}

	// The rename only moved what the remote already had. Writes under from
	// that never got uploaded follow to their new name.
	var total int64
	for _, p := range pending {
		n, err := e.uploadPath(ctx, to+strings.TrimPrefix(p, from))
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// takeUnsynced removes and returns the unsynced paths at or below p.
func (e *Engine) takeUnsynced(p string) []string {
	var out []string
	for u := range e.unsynced {
		if pathmap.Under(u, p) {
			out = append(out, u)
			delete(e.unsynced, u)
		}
	}
	return out
}

// uploadPath uploads a file, or every file of a directory tree.
func (e *Engine) uploadPath(ctx context.Context, local string) (int64, error) {
	info, err := os.Lstat(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", local, err)
	}

	if info.IsDir() {
		return e.mirrorTree(ctx, local, false)
	}

	remote, err := e.mapper.Map(local)
	if err != nil {
		return 0, err
	}

	n, _, err := e.upload(ctx, local, remote)
	return n, err
}

// upload skips files that vanished or are not regular files. A vanished file
// is followed by its own Deleted or Moved event.
func (e *Engine) upload(ctx context.Context, local, remote string) (int64, bool, error) {
	info, err := os.Lstat(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("failed to stat %s: %w", local, err)
	}

	if !info.Mode().IsRegular() {
		logger.Log.Debug("skipping non-regular file",
			zap.String("path", local),
			zap.Stringer("mode", info.Mode()))
		return 0, true, nil
	}

	var n int64
	err = e.do(ctx, func(s transport.Session) error {
		if err := e.ensureDir(s, path.Dir(remote)); err != nil {
			return err
		}

		var err error
		n, err = s.Upload(local, remote)
		if transport.IsTransient(err) {
			e.leaks[path.Dir(remote)] = true
		}
		return err
	})

	if errors.Is(err, fs.ErrNotExist) {
		return 0, true, nil
	}

	if err == nil && len(e.leaks) > 0 {
		if err := e.sweep(ctx); err != nil {
			return n, false, err
		}
	}

	return n, false, err
}

// sweep removes the temp files that broken uploads left behind. It runs once
// a session is healthy again.
func (e *Engine) sweep(ctx context.Context) error {
	for dir := range e.leaks {
		delete(e.leaks, dir)

		err := e.do(ctx, func(s transport.Session) error {
			entries, err := s.List(dir)
			if err != nil {
				return err
			}

			for _, entry := range entries {
				if entry.IsDir() || !transport.IsTempName(entry.Name()) {
					continue
				}
				if err := s.Delete(path.Join(dir, entry.Name())); err != nil {
					return err
				}
			}
			return nil
		})

		if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
			return err
		}
		if err != nil {
			logger.Log.Warn("failed to remove leftover temp files",
				zap.String("dir", dir),
				zap.Error(err))
		}
	}

	return nil
}

// mirrorAll uploads every watch target. With prune set, remote entries that
// no longer exist locally are deleted as well.
func (e *Engine) mirrorAll(ctx context.Context, prune bool) error {
	start := time.Now()
	var total int64

	for _, t := range e.mapper.Targets() {
		n, err := e.mirrorTarget(ctx, t, prune)
		total += n
		if err != nil {
			return err
		}
	}

	logger.Log.Info("mirror pass complete",
		zap.String("destination", e.dst.String()),
		zap.String("bytes", humanize.Bytes(uint64(total))),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (e *Engine) mirrorTarget(ctx context.Context, t model.WatchTarget, prune bool) (int64, error) {
	if t.IsDir {
		return e.mirrorTree(ctx, t.LocalPath, prune)
	}

	remote, err := e.mapper.MapTarget(t, t.LocalPath)
	if err != nil {
		return 0, err
	}

	return e.mirrorFile(ctx, t.LocalPath, remote)
}

// mirrorTree uploads everything below root. Errors on single entries are
// recorded and skipped; only fatal transport errors and cancellation stop it.
func (e *Engine) mirrorTree(ctx context.Context, root string, prune bool) (int64, error) {
	var total int64

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			logger.Log.Warn("failed to read local path",
				zap.String("path", p),
				zap.Error(err))
			e.record(model.SyncResult{Event: model.Written(p), LocalPath: p, Err: err})
			return nil
		}

		if p != root && e.opts.Ignorer != nil && e.opts.Ignorer.Ignored(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		remote, err := e.mapper.Map(p)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			err := e.do(ctx, func(s transport.Session) error {
				return e.ensureDir(s, remote)
			})
			if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
				return err
			}
			if err != nil {
				logger.Log.Warn("failed to create remote directory",
					zap.String("path", remote),
					zap.Error(err))
				return fs.SkipDir
			}
			if prune {
				return e.prune(ctx, p, remote)
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		n, err := e.mirrorFile(ctx, p, remote)
		total += n
		return err
	})

	return total, err
}

// prune deletes the children of the remote dir that have no local
// counterpart, plus leftover upload temp files. Ignored names and entries
// that map to another target are left alone.
func (e *Engine) prune(ctx context.Context, local, remote string) error {
	var entries []os.FileInfo
	err := e.do(ctx, func(s transport.Session) error {
		var err error
		entries, err = s.List(remote)
		return err
	})
	if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
		return err
	}
	if err != nil {
		logger.Log.Warn("failed to list remote directory",
			zap.String("path", remote),
			zap.Error(err))
		return nil
	}

	for _, entry := range entries {
		lp := filepath.Join(local, entry.Name())
		rp := path.Join(remote, entry.Name())

		if !transport.IsTempName(entry.Name()) {
			if mapped, err := e.mapper.Map(lp); err != nil || mapped != rp {
				continue
			}
			if e.opts.Ignorer != nil && e.opts.Ignorer.Ignored(lp) {
				continue
			}
			if !stale(lp, entry) {
				continue
			}
		}

		start := time.Now()
		err := e.do(ctx, func(s transport.Session) error {
			return s.Delete(rp)
		})
		e.forgetDirs(rp)
		if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
			return err
		}

		e.record(model.SyncResult{
			Event:      model.Deleted(lp),
			LocalPath:  lp,
			RemotePath: rp,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	return nil
}

// stale reports whether a remote entry no longer matches the local path.
func stale(local string, remote os.FileInfo) bool {
	info, err := os.Lstat(local)
	switch {
	case err != nil:
		return errors.Is(err, fs.ErrNotExist)
	case info.IsDir():
		return !remote.IsDir()
	case info.Mode().IsRegular():
		return remote.IsDir()
	default:
		return true
	}
}

func (e *Engine) mirrorFile(ctx context.Context, local, remote string) (int64, error) {
	start := time.Now()
	n, skipped, err := e.upload(ctx, local, remote)
	if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
		return n, err
	}

	e.record(model.SyncResult{
		Event:      model.Written(local),
		LocalPath:  local,
		RemotePath: remote,
		Bytes:      n,
		Duration:   time.Since(start),
		Skipped:    skipped,
		Err:        err,
	})

	return n, nil
}

func (e *Engine) ping(ctx context.Context) error {
	err := e.do(ctx, func(s transport.Session) error {
		err := s.Ping()
		if err == nil || transport.IsTransient(err) {
			return err
		}

		// A failed keepalive means the peer is gone, whatever the cause.
		return &transport.Error{Kind: transport.Transient, Op: "keepalive", Err: err}
	})

	if err != nil && (ctx.Err() != nil || transport.IsFatal(err)) {
		return err
	}

	return nil
}

// do runs op against a live session. Transient failures drop the session and
// reconnect with backoff, then op runs again; the loop ends on success, a
// non-transient error or cancellation.
func (e *Engine) do(ctx context.Context, op func(transport.Session) error) error {
	for {
		s, err := e.ensureSession(ctx)
		if err != nil {
			return err
		}

		err = op(s)
		if err == nil {
			e.bo.Reset()
			return nil
		}

		if !transport.IsTransient(err) || ctx.Err() != nil {
			return err
		}

		logger.Log.Warn("transport failure, reconnecting",
			zap.String("destination", e.dst.String()),
			zap.Error(err))
		e.dropSession()
		e.state.Set(model.StateReconnecting)
	}
}

func (e *Engine) ensureSession(ctx context.Context) (transport.Session, error) {
	e.sessMu.Lock()
	s := e.session
	e.sessMu.Unlock()

	if s != nil {
		return s, nil
	}

	reconnect := e.state.Get() == model.StateReconnecting
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := e.dialer.Dial(ctx, e.dst, e.credentials)
		if err == nil {
			e.sessMu.Lock()
			e.session = s
			e.sessMu.Unlock()

			clear(e.dirs)
			if ctx.Err() != nil {
				return s, nil
			}

			if reconnect {
				e.state.AddReconnect()
				logger.Log.Info("reconnected",
					zap.String("destination", e.dst.String()))
			}
			e.state.Set(e.phase)
			return s, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if transport.IsFatal(err) {
			logger.Log.Error("cannot connect",
				zap.String("destination", e.dst.String()),
				zap.Error(err))
			return nil, err
		}

		wait := e.bo.NextBackOff()
		reconnect = true
		e.state.Set(model.StateReconnecting)
		e.state.SetError(err)

		logger.Log.Warn("connect failed, retrying",
			zap.String("destination", e.dst.String()),
			zap.Duration("in", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) dropSession() {
	e.sessMu.Lock()
	s := e.session
	e.session = nil
	e.sessMu.Unlock()

	if s == nil {
		return
	}

	if err := s.Close(); err != nil {
		logger.Log.Debug("failed to close session",
			zap.Error(err))
	}
}

// ensureDir creates dir unless it is already known to exist remotely.
func (e *Engine) ensureDir(s transport.Session, dir string) error {
	if dir == "." || dir == "/" || e.dirs[dir] {
		return nil
	}

	if err := s.EnsureDir(dir); err != nil {
		return err
	}

	for d := dir; d != "." && d != "/" && !e.dirs[d]; d = path.Dir(d) {
		e.dirs[d] = true
	}

	return nil
}

func (e *Engine) forgetDirs(remote string) {
	for d := range e.dirs {
		if pathmap.UnderRemote(d, remote) {
			delete(e.dirs, d)
		}
	}
}

func (e *Engine) setPhase(phase model.EngineState) {
	e.phase = phase
	e.state.Set(phase)
}

func (e *Engine) record(result model.SyncResult) {
	e.state.RecordSync(result)

	switch {
	case result.Err != nil:
		logger.Log.Error("sync failed",
			zap.Stringer("event", result.Event),
			zap.String("remote", result.RemotePath),
			zap.Error(result.Err))
	case result.Skipped:
		logger.Log.Debug("sync skipped",
			zap.Stringer("event", result.Event))
	default:
		logger.Log.Info("synced",
			zap.Stringer("event", result.Event),
			zap.String("remote", result.RemotePath),
			zap.String("size", humanize.Bytes(uint64(result.Bytes))))
	}

	if e.opts.Recorder == nil {
		return
	}

	if err := e.opts.Recorder.Save(result); err != nil {
		logger.Log.Warn("failed to save history",
			zap.Error(err))
	}
}

func (e *Engine) keepaliveInterval() time.Duration {
	if e.opts.KeepaliveInterval <= 0 {
		return 30 * time.Second
	}

	return e.opts.KeepaliveInterval
}
