package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bsync-project/bsync/config"
)

// ErrDNSSECNotImplemented is returned at dial time for the dnssec verify
// policy, which this build does not implement.
var ErrDNSSECNotImplemented = errors.New("transport: dnssec host-key verification is not implemented")

// SSHConfig bundles the dial parameters for an SSH-backed RemoteExec.
type SSHConfig struct {
	Host       string
	Port       uint16
	User       string
	KeyPath    string // empty => use ssh-agent
	Verify     config.VerifyPolicy
	KnownHosts string // defaults to ~/.ssh/known_hosts
	DialTimeout time.Duration
}

// SSHExec is the real RemoteExec implementation, driving an SSH session
// per invocation: one command, one session, simple request/response
// plumbing rather than multiplexing several commands over one session.
type SSHExec struct {
	client *ssh.Client
}

// Dial opens the SSH connection and verifies the host key per cfg.Verify.
func Dial(cfg SSHConfig) (*SSHExec, error) {
	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	authMethods, err := authMethods(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &SSHExec{client: client}, nil
}

func (s *SSHExec) Close() error {
	return s.client.Close()
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	switch cfg.Verify {
	case config.VerifyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case config.VerifyDNSSEC:
		return nil, ErrDNSSECNotImplemented
	case config.VerifyKnown, "":
		path := cfg.KnownHosts
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("transport: resolve known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		khCallback, err := knownhosts.New(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("transport: no known_hosts entry for this host; please connect once with a regular ssh client first: %w", err)
			}
			return nil, fmt.Errorf("transport: load known_hosts: %w", err)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := khCallback(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return fmt.Errorf("possible MITM attack: host key for %s does not match known_hosts: %w", hostname, err)
			}
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				return fmt.Errorf("no known_hosts entry for %s; please connect once with a regular ssh client first: %w", hostname, err)
			}
			return err
		}, nil
	default:
		return nil, fmt.Errorf("transport: unknown verify policy %q", cfg.Verify)
	}
}

func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath != "" {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("transport: read private key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("transport: parse private key %s: %w", keyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("transport: no key file configured and SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to ssh-agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
}

// Start implements RemoteExec.
func (s *SSHExec) Start(ctx context.Context, cmd string) (Session, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("transport: new session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("transport: start %q: %w", cmd, err)
	}

	return &sshSession{session: session, stdout: stdout, stderr: &stderr, cmd: cmd, ctx: ctx}, nil
}

type sshSession struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  *bytes.Buffer
	cmd     string
	ctx     context.Context
}

func (s *sshSession) Stdout() io.Reader { return s.stdout }

func (s *sshSession) Wait() error {
	err := s.session.Wait()
	defer s.session.Close()
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		re := &RemoteError{Cmd: s.cmd, ExitCode: exitErr.ExitStatus(), Stderr: s.stderr.String()}
		if sig := exitErr.Signal(); sig != "" {
			re.Signal = sig
		}
		return re
	}
	return fmt.Errorf("transport: wait %q: %w", s.cmd, err)
}
