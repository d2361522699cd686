// Package auth decides which SSH credentials the transport offers, and in
// which order: passphrase-less private key files first, then the agent.
package auth

import (
	"errors"
	"fmt"
	"io"
	"mere/internal/logger"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var ErrNoCredentialAvailable = errors.New("no usable ssh credential available")

type Kind int

const (
	KindPrivateKeyFile Kind = iota
	KindAgent
)

func (k Kind) String() string {
	switch k {
	case KindPrivateKeyFile:
		return "private key"
	case KindAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Credential is one entry of the ordered attempt list. Path is the key file
// for KindPrivateKeyFile and the agent socket for KindAgent.
type Credential struct {
	Kind   Kind
	Path   string
	signer ssh.Signer
}

func (c Credential) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// AuthMethod builds the ssh auth method for c. The closer releases the agent
// connection and must be called once the handshake is over.
func (c Credential) AuthMethod() (ssh.AuthMethod, io.Closer, error) {
	switch c.Kind {
	case KindPrivateKeyFile:
		if c.signer == nil {
			return nil, nil, fmt.Errorf("credential %s has no signer", c)
		}
		return ssh.PublicKeys(c.signer), io.NopCloser(nil), nil

	case KindAgent:
		conn, err := net.DialTimeout("unix", c.Path, agentDialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}

		client := agent.NewClient(conn)
		return ssh.PublicKeysCallback(client.Signers), conn, nil

	default:
		return nil, nil, fmt.Errorf("unsupported credential kind %d", c.Kind)
	}
}

const agentDialTimeout = 2 * time.Second

type Resolver struct {
	KeyPaths    []string
	AgentSocket string
}

// Resolve returns every usable credential in attempt order. It fails with
// ErrNoCredentialAvailable when neither a key file nor the agent qualifies.
func (r Resolver) Resolve() ([]Credential, error) {
	var creds []Credential

	for _, p := range r.KeyPaths {
		c, ok := loadKey(p)
		if ok {
			creds = append(creds, c)
		}
	}

	if c, ok := r.agent(); ok {
		creds = append(creds, c)
	}

	if len(creds) == 0 {
		return nil, ErrNoCredentialAvailable
	}

	for _, c := range creds {
		logger.Log.Debug("credential available",
			zap.Stringer("credential", c))
	}

	return creds, nil
}

func loadKey(p string) (Credential, bool) {
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Log.Warn("failed to read private key",
				zap.String("path", p),
				zap.Error(err))
		}
		return Credential{}, false
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			logger.Log.Info("private key needs a passphrase, skipping",
				zap.String("path", p))
		} else {
			logger.Log.Warn("failed to parse private key, skipping",
				zap.String("path", p),
				zap.Error(err))
		}
		return Credential{}, false
	}

	return Credential{Kind: KindPrivateKeyFile, Path: p, signer: signer}, true
}

func (r Resolver) agent() (Credential, bool) {
	if r.AgentSocket == "" {
		return Credential{}, false
	}

	conn, err := net.DialTimeout("unix", r.AgentSocket, agentDialTimeout)
	if err != nil {
		logger.Log.Warn("ssh agent unreachable",
			zap.String("socket", r.AgentSocket),
			zap.Error(err))
		return Credential{}, false
	}
	defer func(conn net.Conn) {
		_ = conn.Close()
	}(conn)

	keys, err := agent.NewClient(conn).List()
	if err != nil {
		logger.Log.Warn("failed to list agent identities",
			zap.String("socket", r.AgentSocket),
			zap.Error(err))
		return Credential{}, false
	}

	if len(keys) == 0 {
		logger.Log.Info("ssh agent holds no identities",
			zap.String("socket", r.AgentSocket))
		return Credential{}, false
	}

	return Credential{Kind: KindAgent, Path: r.AgentSocket}, true
}

// NewKeyCredential wraps an already parsed signer, for callers that load keys
// themselves.
func NewKeyCredential(name string, signer ssh.Signer) Credential {
	return Credential{Kind: KindPrivateKeyFile, Path: name, signer: signer}
}
