// Package tunnel provides the SSH client used to reach remote hops.
// A hop is a jobrelay process started in an SSH session whose stdio
// carries the relay protocol.
package tunnel

import (
	"context"
	"io"
)

// Shell abstracts a remote login through which hop processes are
// started.
type Shell interface {
	// Connect establishes the connection to the remote host.
	Connect(ctx context.Context) error

	// Start runs command remotely and returns its stdio.
	Start(command string) (*Session, error)

	// Close tears down the connection and every session on it.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}

// Session is a command running on the remote host.
type Session struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	wait  func() error
	close func() error
}

// NewSession wraps the stdio of a started command.  wait blocks until
// the command exits; closeFn tears the session down.
func NewSession(stdin io.WriteCloser, stdout io.Reader, wait, closeFn func() error) *Session {
	return &Session{Stdin: stdin, Stdout: stdout, wait: wait, close: closeFn}
}

// Wait blocks until the remote command exits.
func (s *Session) Wait() error { return s.wait() }

// Close ends the session.  The remote command receives EOF on stdin
// and the channel is torn down.
func (s *Session) Close() error {
	s.Stdin.Close() //nolint:errcheck
	return s.close()
}
