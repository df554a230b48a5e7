package communicator

import (
	"bytes"
	"context"
	"sync"

	rerr "jobrelay/internal/errors"
)

// pipeCore is the state shared by both ends of a pipe.
type pipeCore struct {
	mu     sync.Mutex
	closed bool
}

// PipeEnd is one end of an in-process link.  It satisfies
// [Communicator] so an embedded repeater can sit on the other end.
// Both ends may be used from different goroutines.
type PipeEnd struct {
	name  string
	core  *pipeCore
	peer  *PipeEnd
	inbox [][]byte
	wake  chan<- struct{}
	// closer is true on the end whose Close tore the pipe down.
	closer bool
}

// NewPipe returns the two connected ends of an in-process link.
func NewPipe(name string) (parent, child *PipeEnd) {
	core := &pipeCore{}
	parent = &PipeEnd{name: name, core: core}
	child = &PipeEnd{name: name, core: core}
	parent.peer, child.peer = child, parent
	return parent, child
}

// SetWake installs the channel signalled when the peer sends a frame
// or closes the pipe.
func (p *PipeEnd) SetWake(wake chan<- struct{}) {
	p.core.mu.Lock()
	p.wake = wake
	p.core.mu.Unlock()
}

func (p *PipeEnd) Kind() Kind { return KindLocal }

func (p *PipeEnd) State() State {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	switch {
	case !p.core.closed:
		return Connected
	case p.closer:
		return Disconnected
	default:
		return Failed
	}
}

// Connect is a no-op on an open pipe.
func (p *PipeEnd) Connect(_ context.Context) error {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	if p.core.closed {
		return rerr.Connection(p.name, rerr.ErrChildClosed)
	}
	return nil
}

// Send queues frame for the peer.  The terminator is stripped so the
// peer sees frames exactly as a stream reader would produce them.
func (p *PipeEnd) Send(frame []byte) error {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	if p.core.closed {
		return &rerr.TransportError{Op: "send", Target: p.name, Err: rerr.ErrChildClosed}
	}
	line := bytes.TrimSpace(frame)
	if len(line) == 0 {
		return nil
	}
	f := make([]byte, len(line))
	copy(f, line)
	p.peer.inbox = append(p.peer.inbox, f)
	signal(p.peer.wake)
	return nil
}

// Poll returns the queued frames.  After the pipe is closed the
// remaining frames are delivered first, then the error.
func (p *PipeEnd) Poll() ([][]byte, error) {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	out := p.inbox
	p.inbox = nil
	if p.core.closed && !p.closer {
		return out, rerr.Connection(p.name, rerr.ErrChildClosed)
	}
	if p.core.closed {
		return nil, rerr.Connection(p.name, rerr.ErrChildClosed)
	}
	return out, nil
}

// Close tears down both ends.
func (p *PipeEnd) Close() error {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	if p.core.closed {
		return nil
	}
	p.core.closed = true
	p.closer = true
	signal(p.peer.wake)
	return nil
}
