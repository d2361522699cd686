package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/sftp"
)

var (
	ErrRemoteNotFound  = errors.New("remote path not found")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrHostUnreachable = errors.New("host unreachable")
	ErrHostKey         = errors.New("host key verification failed")
	ErrNoSFTP          = errors.New("sftp subsystem unavailable")
)

type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is an I/O failure of an open session. Failures that are neither
// transient nor fatal (permission denied on one file, a missing local file)
// are returned as plain errors so the caller can skip the single operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type ConnectKind int

const (
	ConnectNetwork ConnectKind = iota + 1
	ConnectAuthRejected
	ConnectHostUnreachable
	ConnectHostKey
	ConnectNoSFTP
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectNetwork:
		return "network"
	case ConnectAuthRejected:
		return "auth rejected"
	case ConnectHostUnreachable:
		return "host unreachable"
	case ConnectHostKey:
		return "host key"
	case ConnectNoSFTP:
		return "no sftp"
	default:
		return "unknown"
	}
}

type ConnectError struct {
	Kind ConnectKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrAuthRejected:
		return e.Kind == ConnectAuthRejected
	case ErrHostUnreachable:
		return e.Kind == ConnectHostUnreachable
	case ErrHostKey:
		return e.Kind == ConnectHostKey
	case ErrNoSFTP:
		return e.Kind == ConnectNoSFTP
	default:
		return false
	}
}

// IsTransient reports whether retrying after a reconnect can succeed.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == Transient
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind == ConnectNetwork
	}

	return false
}

// IsFatal reports whether the failure can never succeed on retry.
func IsFatal(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == Fatal
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind != ConnectNetwork
	}

	return false
}

func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if isConnectionError(err) {
		return &Error{Kind: Transient, Op: op, Path: path, Err: err}
	}

	return fmt.Errorf("failed to %s %s: %w", op, path, err)
}

func classifyDial(addr string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return &ConnectError{Kind: ConnectHostUnreachable, Addr: addr, Err: err}
	}

	return &ConnectError{Kind: ConnectNetwork, Addr: addr, Err: err}
}

func isConnectionError(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.FxCode() == sftp.ErrSSHFxConnectionLost || status.FxCode() == sftp.ErrSSHFxNoConnection
	}

	return false
}

func isNotExist(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	var status *sftp.StatusError
	return errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile
}
