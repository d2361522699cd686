package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mere/internal/auth"
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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteFS is the in-memory destination shared by every fake session.
type remoteFS struct {
	mu     sync.Mutex
	files  map[string]string
	dirs   map[string]bool
	ops    []string
	failOn map[string][]error

	// When gate is set, uploads signal started and wait for gate.
	gate    chan struct{}
	started chan struct{}
}

func newRemoteFS() *remoteFS {
	return &remoteFS{
		files:  make(map[string]string),
		dirs:   make(map[string]bool),
		failOn: make(map[string][]error),
	}
}

func (r *remoteFS) fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[op] = append(r.failOn[op], err)
}

func (r *remoteFS) injected(op string) error {
	errs := r.failOn[op]
	if len(errs) == 0 {
		return nil
	}

	r.failOn[op] = errs[1:]
	return errs[0]
}

func (r *remoteFS) seed(p, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.files[p] = content
	for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
		r.dirs[d] = true
	}
}

func (r *remoteFS) file(p string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[p]
	return content, ok
}

func (r *remoteFS) hasDir(p string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirs[p]
}

func (r *remoteFS) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for p := range r.files {
		out = append(out, p)
	}
	return out
}

func (r *remoteFS) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type fakeSession struct {
	remote *remoteFS
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newFakeSession(remote *remoteFS) *fakeSession {
	return &fakeSession{remote: remote, done: make(chan struct{})}
}

func (s *fakeSession) EnsureDir(dir string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if err := s.remote.injected("mkdir"); err != nil {
		return err
	}

	for d := dir; d != "." && d != "/"; d = filepath.Dir(d) {
		s.remote.dirs[d] = true
	}
	s.remote.ops = append(s.remote.ops, "mkdir "+dir)
	return nil
}

func (s *fakeSession) Upload(local, remote string) (int64, error) {
	data, err := os.ReadFile(local)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", local, err)
	}

	if s.remote.gate != nil {
		select {
		case s.remote.started <- struct{}{}:
		default:
		}

		select {
		case <-s.remote.gate:
		case <-s.done:
			return 0, &transport.Error{Kind: transport.Transient, Op: "upload", Err: io.ErrClosedPipe}
		}
	}

	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if err := s.remote.injected("upload"); err != nil {
		return 0, err
	}

	s.remote.files[remote] = string(data)
	s.remote.ops = append(s.remote.ops, "upload "+remote)
	return int64(len(data)), nil
}

func (s *fakeSession) Delete(remote string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if err := s.remote.injected("delete"); err != nil {
		return err
	}

	for p := range s.remote.files {
		if pathmap.UnderRemote(p, remote) {
			delete(s.remote.files, p)
		}
	}
	for d := range s.remote.dirs {
		if pathmap.UnderRemote(d, remote) {
			delete(s.remote.dirs, d)
		}
	}
	s.remote.ops = append(s.remote.ops, "delete "+remote)
	return nil
}

func (s *fakeSession) Rename(from, to string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if err := s.remote.injected("rename"); err != nil {
		return err
	}

	_, isFile := s.remote.files[from]
	if !isFile && !s.remote.dirs[from] {
		if _, ok := s.remote.files[to]; ok || s.remote.dirs[to] {
			return nil
		}
		return fmt.Errorf("failed to rename %s: %w", from, transport.ErrRemoteNotFound)
	}

	for p, content := range s.remote.files {
		if pathmap.UnderRemote(p, from) {
			delete(s.remote.files, p)
			s.remote.files[to+strings.TrimPrefix(p, from)] = content
		}
	}
	for d := range s.remote.dirs {
		if pathmap.UnderRemote(d, from) {
			delete(s.remote.dirs, d)
			s.remote.dirs[to+strings.TrimPrefix(d, from)] = true
		}
	}
	s.remote.ops = append(s.remote.ops, "rename "+from+" "+to)
	return nil
}

func (s *fakeSession) List(dir string) ([]os.FileInfo, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if err := s.remote.injected("list"); err != nil {
		return nil, err
	}

	var out []os.FileInfo
	for p := range s.remote.files {
		if path.Dir(p) == dir {
			out = append(out, fakeInfo{name: path.Base(p)})
		}
	}
	for d := range s.remote.dirs {
		if path.Dir(d) == dir {
			out = append(out, fakeInfo{name: path.Base(d), dir: true})
		}
	}
	s.remote.ops = append(s.remote.ops, "list "+dir)
	return out, nil
}

func (s *fakeSession) Ping() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	return s.remote.injected("ping")
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeInfo struct {
	name string
	dir  bool
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() any           { return nil }

func (i fakeInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}

type fakeDialer struct {
	remote   *remoteFS
	mu       sync.Mutex
	dialErrs []error
	dials    atomic.Int32
	last     *fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, _ model.Destination, _ []auth.Credential) (transport.Session, error) {
	d.dials.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}

	d.last = newFakeSession(d.remote)
	return d.last, nil
}

func (d *fakeDialer) session() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type staticCreds struct {
	err error
}

func (c staticCreds) Resolve() ([]auth.Credential, error) {
	if c.err != nil {
		return nil, c.err
	}

	return []auth.Credential{auth.NewKeyCredential("test", nil)}, nil
}

type memRecorder struct {
	mu      sync.Mutex
	results []model.SyncResult
}

func (r *memRecorder) Save(result model.SyncResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *memRecorder) failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, res := range r.results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type fixture struct {
	root   string
	remote *remoteFS
	dialer *fakeDialer
	rec    *memRecorder
	engine *Engine
}

func newFixture(t *testing.T, creds CredentialSource) *fixture {
	t.Helper()

	root := filepath.Join(t.TempDir(), "reports")
	require.NoError(t, os.MkdirAll(root, 0o755))

	mapper, err := pathmap.New([]model.WatchTarget{{LocalPath: root, IsDir: true}}, "")
	require.NoError(t, err)

	ig, err := pipeline.NewIgnorer([]string{".git", "*.swp"}, mapper)
	require.NoError(t, err)

	remote := newRemoteFS()
	f := &fixture{
		root:   root,
		remote: remote,
		dialer: &fakeDialer{remote: remote},
		rec:    &memRecorder{},
	}

	f.engine = NewEngine(model.Destination{Host: "backup", Port: 22}, mapper, creds, f.dialer, Options{
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		ShutdownGrace:     time.Second,
		Ignorer:           ig,
		Recorder:          f.rec,
	})

	return f
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()

	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// watch starts the engine in watch mode and returns the event channel and a
// function that stops it and returns Run's result.
func (f *fixture) watch(t *testing.T) (chan<- model.ChangeEvent, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.ChangeEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		errCh <- f.engine.Run(ctx, events)
	}()

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().State == model.StateWatching
	}, 5*time.Second, 5*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })

	return events, stop
}

func TestInitialMirrorIsIdempotent(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "a.txt", "alpha")
	f.write(t, "q3/summary.csv", "1,2,3")
	f.write(t, ".git/config", "ignored")
	f.write(t, "notes.swp", "ignored")
	require.NoError(t, os.Symlink(filepath.Join(f.root, "a.txt"), filepath.Join(f.root, "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "empty"), 0o755))

	require.NoError(t, f.engine.Run(context.Background(), nil))
	first := f.remote.paths()
	assert.ElementsMatch(t, []string{"reports/a.txt", "reports/q3/summary.csv"}, first)
	assert.True(t, f.remote.hasDir("reports/empty"))
	assert.Equal(t, model.StateIdle, f.engine.Snapshot().State)

	require.NoError(t, f.engine.Run(context.Background(), nil))
	assert.ElementsMatch(t, first, f.remote.paths())

	content, ok := f.remote.file("reports/q3/summary.csv")
	require.True(t, ok)
	assert.Equal(t, "1,2,3", content)
	assert.Equal(t, 0, f.rec.failed())
}

func TestWatchRenameIsRemoteRename(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	draft := f.write(t, "draft.txt", "quarterly numbers")
	events <- model.Written(draft)

	require.Eventually(t, func() bool {
		_, ok := f.remote.file("reports/draft.txt")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	final := filepath.Join(f.root, "final.txt")
	require.NoError(t, os.Rename(draft, final))
	events <- model.Moved(draft, final)

	require.Eventually(t, func() bool {
		_, ok := f.remote.file("reports/final.txt")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())

	_, ok := f.remote.file("reports/draft.txt")
	assert.False(t, ok)
	assert.Contains(t, f.remote.log(), "rename reports/draft.txt reports/final.txt")
	assert.Equal(t, 1, countPrefix(f.remote.log(), "upload "))
}

func TestWatchAppliesEventsInOrder(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	p := f.write(t, "x/a.txt", "v1")
	events <- model.Written(p)
	events <- model.Deleted(filepath.Join(f.root, "x"))

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().Pending == 0 && countPrefix(f.remote.log(), "delete ") == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	log := f.remote.log()
	upload, del := indexOf(log, "upload reports/x/a.txt"), indexOf(log, "delete reports/x")
	require.NotEqual(t, -1, upload)
	assert.Less(t, upload, del)
	_, ok := f.remote.file("reports/x/a.txt")
	assert.False(t, ok)
}

func TestReconnectReplaysUnacknowledgedHead(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	f.remote.fail("upload", &transport.Error{Kind: transport.Transient, Op: "upload", Err: errors.New("connection lost")})
	f.dialer.mu.Lock()
	f.dialer.dialErrs = []error{&transport.ConnectError{Kind: transport.ConnectNetwork, Addr: "backup:22", Err: errors.New("connection refused")}}
	f.dialer.mu.Unlock()

	p := f.write(t, "a.txt", "payload")
	events <- model.Written(p)
	events <- model.Deleted(filepath.Join(f.root, "gone.txt"))

	require.Eventually(t, func() bool {
		return countPrefix(f.remote.log(), "delete ") == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	content, ok := f.remote.file("reports/a.txt")
	require.True(t, ok)
	assert.Equal(t, "payload", content)

	snap := f.engine.Snapshot()
	assert.Equal(t, 1, snap.Reconnects)
	assert.Equal(t, int32(3), f.dialer.dials.Load())
	assert.Equal(t, 1, countPrefix(f.remote.log(), "upload "))
	assert.Equal(t, 0, f.rec.failed())
}

func TestKeepaliveFailureReconnects(t *testing.T) {
	f := newFixture(t, staticCreds{})
	_, stop := f.watch(t)

	f.remote.fail("ping", errors.New("keepalive rejected"))

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().Reconnects == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestMovedFallsBackToUpload(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	p := f.write(t, "dir/b.txt", "moved in")
	events <- model.Moved(filepath.Join(f.root, "old"), filepath.Join(f.root, "dir"))

	require.Eventually(t, func() bool {
		_, ok := f.remote.file("reports/dir/b.txt")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.FileExists(t, p)
	assert.Equal(t, 0, f.rec.failed())
}

func TestOperationErrorIsRecordedAndSkipped(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	f.remote.fail("delete", errors.New("permission denied"))
	events <- model.Deleted(filepath.Join(f.root, "locked.txt"))
	p := f.write(t, "next.txt", "still applied")
	events <- model.Written(p)

	require.Eventually(t, func() bool {
		_, ok := f.remote.file("reports/next.txt")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 1, f.rec.failed())
	snap := f.engine.Snapshot()
	assert.Equal(t, 1, snap.Failed)
	assert.Contains(t, snap.LastError, "permission denied")
}

func TestVanishedFileIsSkipped(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	events <- model.Written(filepath.Join(f.root, "never-existed.txt"))

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().Skipped == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Empty(t, f.remote.paths())
}

func TestRescanUploadsEverything(t *testing.T) {
	f := newFixture(t, staticCreds{})
	_, stop := f.watch(t)

	f.write(t, "missed.txt", "lost event")
	f.engine.RequestRescan()

	require.Eventually(t, func() bool {
		_, ok := f.remote.file("reports/missed.txt")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 1, f.engine.Snapshot().Overflows)
}

func TestRescanPrunesRemoteLeftovers(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "keep.txt", "kept")
	gone := f.write(t, "old/gone.txt", "stale")
	_, stop := f.watch(t)

	// Deleted locally while the watcher was dropping events.
	require.NoError(t, os.RemoveAll(filepath.Dir(gone)))
	tmp := "reports/.keep.txt.mere-" + uuid.NewString() + ".tmp"
	f.remote.seed(tmp, "partial")
	f.remote.seed("reports/.git/config", "ignored")

	f.engine.RequestRescan()

	require.Eventually(t, func() bool {
		_, ok := f.remote.file(tmp)
		return !ok && !f.remote.hasDir("reports/old")
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.ElementsMatch(t, []string{"reports/keep.txt", "reports/.git/config"}, f.remote.paths())
	assert.Contains(t, f.remote.log(), "delete reports/old")
	assert.Equal(t, 0, f.rec.failed())
}

func TestInitialMirrorKeepsRemoteExtras(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "a.txt", "alpha")
	f.remote.seed("reports/remote-only.txt", "kept")

	require.NoError(t, f.engine.Run(context.Background(), nil))

	assert.ElementsMatch(t, []string{"reports/a.txt", "reports/remote-only.txt"}, f.remote.paths())
}

func TestReplaceByRenameUploadsNewContent(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "b.txt", "old")
	events, stop := f.watch(t)

	// An editor saving through a temp file: the write is seen only after
	// the rename already happened.
	tmp := f.write(t, "b.txt.new", "new")
	final := filepath.Join(f.root, "b.txt")
	require.NoError(t, os.Rename(tmp, final))
	events <- model.Written(tmp)
	events <- model.Moved(tmp, final)

	require.Eventually(t, func() bool {
		content, _ := f.remote.file("reports/b.txt")
		return content == "new"
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	_, ok := f.remote.file("reports/b.txt.new")
	assert.False(t, ok)
	assert.Equal(t, 0, f.rec.failed())
}

func TestReplaceDirByRenameUploadsNewContent(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "out/r.csv", "old")
	events, stop := f.watch(t)

	staged := f.write(t, "out.tmp/r.csv", "new")
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "out")))
	require.NoError(t, os.Rename(filepath.Dir(staged), filepath.Join(f.root, "out")))
	events <- model.Written(staged)
	events <- model.Moved(filepath.Join(f.root, "out.tmp"), filepath.Join(f.root, "out"))

	require.Eventually(t, func() bool {
		content, _ := f.remote.file("reports/out/r.csv")
		return content == "new"
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestBrokenUploadTempFilesAreSwept(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events, stop := f.watch(t)

	tmp := "reports/.a.txt.mere-" + uuid.NewString() + ".tmp"
	f.remote.seed(tmp, "half")
	f.remote.seed("reports/.b.txt.mere-not-a-uuid.tmp", "foreign")
	f.remote.fail("upload", &transport.Error{Kind: transport.Transient, Op: "upload", Err: errors.New("connection lost")})

	p := f.write(t, "a.txt", "payload")
	events <- model.Written(p)

	require.Eventually(t, func() bool {
		_, ok := f.remote.file(tmp)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	content, ok := f.remote.file("reports/a.txt")
	require.True(t, ok)
	assert.Equal(t, "payload", content)
	_, ok = f.remote.file("reports/.b.txt.mere-not-a-uuid.tmp")
	assert.True(t, ok)
}

func TestClosedEventStreamFails(t *testing.T) {
	f := newFixture(t, staticCreds{})
	events := make(chan model.ChangeEvent)
	close(events)

	err := f.engine.Run(context.Background(), events)
	assert.ErrorIs(t, err, ErrEventStreamClosed)
	assert.Equal(t, model.StateFailed, f.engine.Snapshot().State)
}

func TestShutdownGraceDefault(t *testing.T) {
	mapper, err := pathmap.New([]model.WatchTarget{{LocalPath: t.TempDir(), IsDir: true}}, "")
	require.NoError(t, err)

	e := NewEngine(model.Destination{Host: "backup", Port: 22}, mapper, staticCreds{}, &fakeDialer{}, Options{})
	assert.Equal(t, 5*time.Second, e.opts.ShutdownGrace)
}

func TestShutdownWaitsForInFlightUpload(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.remote.gate = make(chan struct{})
	f.remote.started = make(chan struct{}, 1)
	events, stop := f.watch(t)

	p := f.write(t, "big.bin", "payload")
	events <- model.Written(p)
	<-f.remote.started

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for f.engine.Snapshot().State != model.StateShuttingDown && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(f.remote.gate)
	}()
	require.NoError(t, stop())

	content, ok := f.remote.file("reports/big.bin")
	require.True(t, ok)
	assert.Equal(t, "payload", content)
	assert.Equal(t, model.StateShuttingDown, f.engine.Snapshot().State)
}

func TestShutdownClosesSessionAfterGrace(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.engine.opts.ShutdownGrace = 100 * time.Millisecond
	f.remote.gate = make(chan struct{})
	f.remote.started = make(chan struct{}, 1)
	events, stop := f.watch(t)

	p := f.write(t, "big.bin", "payload")
	events <- model.Written(p)
	<-f.remote.started
	s := f.dialer.session()

	start := time.Now()
	require.NoError(t, stop())

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, s.closed.Load())
	_, ok := f.remote.file("reports/big.bin")
	assert.False(t, ok)
}

func TestTransientConnectFailuresAreRetried(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.write(t, "a.txt", "alpha")
	refused := &transport.ConnectError{Kind: transport.ConnectNetwork, Addr: "backup:22", Err: errors.New("connection refused")}
	f.dialer.dialErrs = []error{refused, refused}

	require.NoError(t, f.engine.Run(context.Background(), nil))

	assert.Equal(t, int32(3), f.dialer.dials.Load())
	_, ok := f.remote.file("reports/a.txt")
	assert.True(t, ok)
}

func TestFatalConnectErrorFails(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.dialer.dialErrs = []error{&transport.ConnectError{Kind: transport.ConnectAuthRejected, Addr: "backup:22", Err: errors.New("unable to authenticate")}}

	err := f.engine.Run(context.Background(), nil)
	assert.ErrorIs(t, err, transport.ErrAuthRejected)
	assert.Equal(t, model.StateFailed, f.engine.Snapshot().State)
	assert.Equal(t, int32(1), f.dialer.dials.Load())
}

func TestNoCredentialsFails(t *testing.T) {
	f := newFixture(t, staticCreds{err: auth.ErrNoCredentialAvailable})

	err := f.engine.Run(context.Background(), nil)
	assert.ErrorIs(t, err, auth.ErrNoCredentialAvailable)
	assert.Equal(t, int32(0), f.dialer.dials.Load())
}

func TestCancelDuringBackoffReturnsNil(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.engine.bo.InitialInterval = time.Hour
	f.engine.bo.MaxInterval = time.Hour
	f.engine.bo.Reset()
	f.dialer.dialErrs = []error{&transport.ConnectError{Kind: transport.ConnectNetwork, Err: errors.New("connection refused")}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.engine.Run(ctx, make(chan model.ChangeEvent))
	}()

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().State == model.StateReconnecting
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func countPrefix(log []string, prefix string) int {
	n := 0
	for _, op := range log {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func indexOf(log []string, op string) int {
	for i, o := range log {
		if o == op {
			return i
		}
	}
	return -1
}
