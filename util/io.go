package util

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// DefaultBufSize is the standard buffer size for stream I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// halfCloser is implemented by downstream links that can signal EOF on
// their write side while still delivering output.
type halfCloser interface {
	CloseWrite() error
}

// Splice relays bytes between an upstream reader/writer pair (the stdio
// of a forwarding hop) and a downstream link (the next stage) until the
// downstream side finishes or ctx is cancelled.  The downstream link is
// closed when Splice returns.
//
// Upstream EOF half-closes the downstream link when it supports
// CloseWrite, so the next stage sees end of input and can drain.
// The upstream reader goroutine is not waited for: a blocked read on
// a process's stdin cannot be interrupted.
func Splice(ctx context.Context, upR io.Reader, upW io.Writer, down io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	downDone := make(chan error, 1)

	// downstream → upstream
	go func() {
		buf := GetBuf()
		defer PutBuf(buf)
		_, err := io.CopyBuffer(upW, down, *buf)
		downDone <- err
		cancel()
	}()

	// upstream → downstream
	go func() {
		buf := GetBuf()
		defer PutBuf(buf)
		_, err := io.CopyBuffer(down, upR, *buf)
		if hc, ok := down.(halfCloser); ok && err == nil {
			hc.CloseWrite() //nolint:errcheck
			return
		}
		// Upstream is gone or broken: nothing more will ever reach the
		// next stage, tear it down.
		cancel()
	}()

	<-ctx.Done()
	closeErr := down.Close()

	// Close unblocks the downstream read, so this cannot hang.
	if err := <-downDone; err != nil && !isHarmless(err) {
		return err
	}
	if closeErr != nil && !isHarmless(closeErr) {
		return closeErr
	}
	return nil
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
