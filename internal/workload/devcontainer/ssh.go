package devcontainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/common/shellutil"
)

var _ shellutil.Runner = (*SSHRunner)(nil)

// SSHRunner runs commands over SSH in a login shell so the user's PATH applies.
type SSHRunner struct {
	addr    string
	cfg     *ssh.ClientConfig
	timeout time.Duration
	logger  *logger.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner loads the private key at cfg.KeyPath. Host keys are trusted on
// first use and pinned for the life of the process.
func NewSSHRunner(cfg config.SSHConfig, log *logger.Logger) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return &SSHRunner{
		addr: addr,
		cfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: pinnedHostKey(),
			Timeout:         cfg.Timeout(),
		},
		timeout: cfg.Timeout(),
		logger:  log.WithFields(zap.String("component", "ssh"), zap.String("host", addr)),
	}, nil
}

// Host returns the remote host without port.
func (r *SSHRunner) Host() string {
	host, _, err := net.SplitHostPort(r.addr)
	if err != nil {
		return r.addr
	}
	return host
}

// Run executes cmd and returns stdout. A non-zero exit returns stderr in the error.
func (r *SSHRunner) Run(ctx context.Context, cmd string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sess, err := r.session()
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(shellutil.LoginShell(cmd)) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("ssh command timed out: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), fmt.Errorf("ssh command failed (exit %d): %s", exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
			}
			r.resetClient()
			return "", fmt.Errorf("ssh command failed: %w", err)
		}
		return stdout.String(), nil
	}
}

// Close closes the cached connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) session() (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		if s, err := r.client.NewSession(); err == nil {
			return s, nil
		}
		_ = r.client.Close()
		r.client = nil
	}

	client, err := ssh.Dial("tcp", r.addr, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", r.addr, err)
	}
	r.logger.Debug("SSH connected")
	r.client = client
	s, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	return s, nil
}

func (r *SSHRunner) resetClient() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

func pinnedHostKey() ssh.HostKeyCallback {
	var (
		mu     sync.Mutex
		pinned = map[string][]byte{}
	)
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		got := key.Marshal()
		if want, ok := pinned[hostname]; ok {
			if !bytes.Equal(want, got) {
				return fmt.Errorf("host key for %s changed", hostname)
			}
			return nil
		}
		pinned[hostname] = got
		return nil
	}
}
