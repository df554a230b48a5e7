package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	rerr "jobrelay/internal/errors"
	"jobrelay/internal/metrics"
	"jobrelay/util"
)

// SSHConfig holds everything needed to log into a remote hop.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	// Prompt asks for passwords and key passphrases; nil uses the
	// controlling terminal.
	Prompt Prompter

	// KeepAliveInterval enables keepalive@openssh.com probes.  A failed
	// probe closes the connection so the hop above notices the loss.
	KeepAliveInterval time.Duration
}

var _ Shell = (*SSHClient)(nil)

// SSHClient implements [Shell] over golang.org/x/crypto/ssh.
type SSHClient struct {
	config  *SSHConfig
	client  *ssh.Client
	logger  *util.Logger
	metrics *metrics.Collector
	mu      sync.RWMutex
	alive   bool
	done    chan struct{}
}

// NewSSHClient creates a client that is ready to [Connect].
func NewSSHClient(cfg *SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = util.Nop()
	}
	return &SSHClient{config: cfg, logger: logger, metrics: m}
}

// Addr returns host:port of the remote end.
func (c *SSHClient) Addr() string {
	return util.FormatAddr(c.config.Host, c.config.Port)
}

// Connect dials the remote host and completes the handshake.
func (c *SSHClient) Connect(ctx context.Context) error {
	authMethods, err := AuthMethods(c.config)
	if err != nil {
		return rerr.WrapSSH("auth", c.config.Host, c.config.Port, err)
	}

	hkCallback, err := hostKeys(c.config)
	if err != nil {
		return rerr.WrapSSH("hostkey", c.config.Host, c.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         c.config.ConnTimeout,
	}

	addr := c.Addr()
	c.logger.Debug("SSH: dialing %s as %s", addr, c.config.User)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnTimeout)
	defer cancel()
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return rerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return rerr.WrapSSH("handshake", c.config.Host, c.config.Port, handshakeError(err))
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	done := make(chan struct{})

	c.mu.Lock()
	c.client = client
	c.alive = true
	c.done = done
	c.mu.Unlock()

	go c.monitor(client, done)
	if c.config.KeepAliveInterval > 0 {
		go c.keepaliveLoop(client, done)
	}
	return nil
}

// handshakeError marks the handshake failures no retry can cure.
func handshakeError(err error) error {
	var ke *knownhosts.KeyError
	switch {
	case errors.As(err, &ke) && len(ke.Want) > 0:
		return fmt.Errorf("%w: %w", rerr.ErrHostKeyMismatch, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %w", rerr.ErrAuthFailed, err)
	}
	return err
}

// Start runs command in a new session.
func (c *SSHClient) Start(command string) (*Session, error) {
	c.mu.RLock()
	client := c.client
	alive := c.alive
	c.mu.RUnlock()

	if !alive || client == nil {
		return nil, rerr.ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, rerr.WrapSSH("session", c.config.Host, c.config.Port, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh stderr: %w", err)
	}
	go c.relayStderr(stderr)

	c.logger.Verbose("SSH %s: starting %s", c.Addr(), command)
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, rerr.WrapSSH("exec", c.config.Host, c.config.Port, err)
	}

	return NewSession(stdin, stdout, sess.Wait, sess.Close), nil
}

// Close shuts down the SSH connection.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alive = false
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the connection is still up.
func (c *SSHClient) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (c *SSHClient) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)

	c.mu.Lock()
	if c.client == client {
		c.alive = false
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("SSH connection closed: %v", err)
	} else {
		c.logger.Debug("SSH connection closed")
	}
}

// keepaliveLoop sends periodic keep-alive requests and closes the
// client once one fails, which surfaces as EOF on every session.
func (c *SSHClient) keepaliveLoop(client *ssh.Client, done chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				c.logger.Error("SSH keepalive to %s failed: %v", c.Addr(), err)
				c.metrics.RecordError(fmt.Sprintf("keepalive %s: %v", c.Addr(), err))
				client.Close()
				return
			}
			c.metrics.RecordHeartbeat()
			c.logger.Debug("SSH keepalive OK")
		}
	}
}

// relayStderr forwards the remote hop's diagnostics to the local log.
func (c *SSHClient) relayStderr(r io.Reader) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)
	for {
		n, err := r.Read(*buf)
		if n > 0 {
			c.logger.Verbose("%s stderr: %s", c.Addr(), trimNewline((*buf)[:n]))
		}
		if err != nil {
			return
		}
	}
}

func trimNewline(p []byte) string {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return string(p)
}
