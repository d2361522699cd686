package transport

import (
	"context"
	"errors"
	"fmt"
	"mere/internal/auth"
	"mere/internal/logger"
	"mere/internal/model"
	"net"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Dialer interface {
	Dial(ctx context.Context, dst model.Destination, creds []auth.Credential) (Session, error)
}

type SFTPDialer struct {
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// NewSFTPDialer verifies host keys against knownHosts unless insecure is set.
func NewSFTPDialer(knownHosts string, insecure bool, timeout time.Duration) (*SFTPDialer, error) {
	if insecure {
		logger.Log.Warn("host key verification disabled")
		return &SFTPDialer{HostKeyCallback: ssh.InsecureIgnoreHostKey(), Timeout: timeout}, nil
	}

	cb, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHosts, err)
	}

	return &SFTPDialer{HostKeyCallback: cb, Timeout: timeout}, nil
}

// Dial tries the credentials in order, each on a fresh connection. The ssh
// client gives up on an auth method type after its first rejection, so two
// public key sources cannot share one handshake.
func (d *SFTPDialer) Dial(ctx context.Context, dst model.Destination, creds []auth.Credential) (Session, error) {
	if len(creds) == 0 {
		return nil, &ConnectError{Kind: ConnectAuthRejected, Addr: dst.Addr(), Err: auth.ErrNoCredentialAvailable}
	}

	name := dst.User
	if name == "" {
		name = localUser()
	}

	var last error
	for _, c := range creds {
		s, err := d.dialWith(ctx, dst, name, c)
		if err == nil {
			logger.Log.Info("connected",
				zap.String("destination", dst.String()),
				zap.Stringer("credential", c))
			return s, nil
		}

		if !errors.Is(err, ErrAuthRejected) {
			return nil, err
		}

		logger.Log.Warn("credential rejected",
			zap.String("destination", dst.String()),
			zap.Stringer("credential", c),
			zap.Error(err))
		last = err
	}

	return nil, last
}

func (d *SFTPDialer) dialWith(ctx context.Context, dst model.Destination, name string, c auth.Credential) (Session, error) {
	addr := dst.Addr()

	method, closer, err := c.AuthMethod()
	if err != nil {
		return nil, &ConnectError{Kind: ConnectAuthRejected, Addr: addr, Err: err}
	}

	defer func() {
		_ = closer.Close()
	}()

	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: name,
		Auth: []ssh.AuthMethod{method},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := d.HostKeyCallback(hostname, remote, key); err != nil {
				hostKeyErr = err
				return err
			}
			return nil
		},
		Timeout: d.Timeout,
	}

	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(addr, err)
	}

	if d.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(d.Timeout))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Now())
	})
	defer stop()

	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()

		switch {
		case hostKeyErr != nil:
			return nil, &ConnectError{Kind: ConnectHostKey, Addr: addr, Err: err}
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, &ConnectError{Kind: ConnectAuthRejected, Addr: addr, Err: err}
		default:
			return nil, &ConnectError{Kind: ConnectNetwork, Addr: addr, Err: err}
		}
	}

	_ = nc.SetDeadline(time.Time{})
	client := ssh.NewClient(sc, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()

		if isConnectionError(err) {
			return nil, &ConnectError{Kind: ConnectNetwork, Addr: addr, Err: err}
		}
		return nil, &ConnectError{Kind: ConnectNoSFTP, Addr: addr, Err: err}
	}

	return newSession(sftpClient, client), nil
}

func localUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}

	return os.Getenv("USER")
}
