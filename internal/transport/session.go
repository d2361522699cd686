package transport

import (
	"errors"
	"fmt"
	"io"
	"mere/internal/logger"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

const (
	posixRenameExt = "posix-rename@openssh.com"
	tempMarker     = ".mere-"
	tempSuffix     = ".tmp"
)

var ErrNotRegular = errors.New("not a regular file")

// Session is one authenticated connection to the destination. It is not safe
// for concurrent use; the engine owns it exclusively.
type Session interface {
	EnsureDir(remote string) error
	Upload(local, remote string) (int64, error)
	Delete(remote string) error
	Rename(from, to string) error
	List(remote string) ([]os.FileInfo, error)
	Ping() error
	Close() error
}

// conn is the part of *ssh.Client a session needs after the handshake.
type conn interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

type sftpSession struct {
	client      *sftp.Client
	conn        conn
	posixRename bool
}

func newSession(client *sftp.Client, c conn) *sftpSession {
	_, posix := client.HasExtension(posixRenameExt)
	if !posix {
		logger.Log.Warn("server lacks posix-rename, uploads replace by remove and rename")
	}

	return &sftpSession{client: client, conn: c, posixRename: posix}
}

func (s *sftpSession) EnsureDir(remote string) error {
	if err := s.client.MkdirAll(remote); err != nil {
		return classify("mkdir", remote, err)
	}

	return nil
}

// Upload streams local into a hidden temporary name next to remote and then
// swaps it in, so readers only ever see a complete file.
func (s *sftpSession) Upload(local, remote string) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s", ErrNotRegular, local)
	}

	dir, name := path.Split(remote)
	tmp := path.Join(dir, "."+name+tempMarker+uuid.NewString()+tempSuffix)

	w, err := s.client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, classify("create", tmp, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		s.discard(tmp)
		return n, classify("write", tmp, err)
	}

	if err := w.Close(); err != nil {
		s.discard(tmp)
		return n, classify("close", tmp, err)
	}

	mode := info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
	if err := s.client.Chmod(tmp, mode); err != nil {
		s.discard(tmp)
		return n, classify("chmod", tmp, err)
	}

	if err := s.replace(tmp, remote); err != nil {
		s.discard(tmp)
		return n, err
	}

	return n, nil
}

func (s *sftpSession) replace(from, to string) error {
	if s.posixRename {
		return classify("rename", to, s.client.PosixRename(from, to))
	}

	if err := s.client.Remove(to); err != nil && !isNotExist(err) {
		return classify("remove", to, err)
	}

	return classify("rename", to, s.client.Rename(from, to))
}

func (s *sftpSession) discard(tmp string) {
	if err := s.client.Remove(tmp); err != nil && !isNotExist(err) {
		logger.Log.Debug("failed to remove temporary upload",
			zap.String("path", tmp),
			zap.Error(err))
	}
}

// Delete removes a file or a whole directory tree. A missing path is not an
// error.
func (s *sftpSession) Delete(remote string) error {
	info, err := s.client.Lstat(remote)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return classify("stat", remote, err)
	}

	if info.IsDir() {
		err = s.client.RemoveAll(remote)
	} else {
		err = s.client.Remove(remote)
	}

	if err != nil && !isNotExist(err) {
		return classify("delete", remote, err)
	}

	return nil
}

// Rename moves from onto to, replacing it. A missing source is accepted when
// to already exists, since a replayed or stale move has nothing left to do.
func (s *sftpSession) Rename(from, to string) error {
	src, err := s.client.Lstat(from)
	if err != nil {
		if !isNotExist(err) {
			return classify("stat", from, err)
		}

		if _, err := s.client.Lstat(to); err == nil {
			return nil
		} else if !isNotExist(err) {
			return classify("stat", to, err)
		}

		return fmt.Errorf("%w: %s", ErrRemoteNotFound, from)
	}

	if src.IsDir() {
		if dst, err := s.client.Lstat(to); err == nil && dst.IsDir() {
			if err := s.client.RemoveAll(to); err != nil {
				return classify("delete", to, err)
			}
		}
	}

	return s.replace(from, to)
}

// List returns the entries of a remote directory. A missing directory is
// empty.
func (s *sftpSession) List(remote string) ([]os.FileInfo, error) {
	entries, err := s.client.ReadDir(remote)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, classify("list", remote, err)
	}

	return entries, nil
}

func (s *sftpSession) Ping() error {
	if s.conn != nil {
		if _, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return &Error{Kind: Transient, Op: "keepalive", Err: err}
		}
	}

	if _, err := s.client.Getwd(); err != nil {
		return classify("keepalive", "", err)
	}

	return nil
}

func (s *sftpSession) Close() error {
	var errs []error
	if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, err)
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !isConnectionError(err) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// IsTempName reports whether name is the temporary file of an Upload, left
// behind when the connection died before the swap.
func IsTempName(name string) bool {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tempSuffix) {
		return false
	}

	i := strings.LastIndex(name, tempMarker)
	if i <= 0 {
		return false
	}

	_, err := uuid.Parse(strings.TrimSuffix(name[i+len(tempMarker):], tempSuffix))
	return err == nil
}
