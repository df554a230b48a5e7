package communicator

import (
	"context"
	"fmt"
	"io"
	"sync"

	rerr "jobrelay/internal/errors"
	"jobrelay/internal/protocol"
	"jobrelay/util"
)

// frameBacklog bounds the frames buffered between the reader goroutine
// and Poll.  A full backlog stalls the reader, which pushes back on the
// far side through the OS pipe.
const frameBacklog = 1024

// Stream frames an ordered byte stream: the stdin/stdout of a
// delegator, or the stdio of a spawned or remote hop process.
type Stream struct {
	name string
	kind Kind
	r    io.Reader
	w    io.Writer
	// closer releases the underlying stream; may be nil.
	closer func() error
	opts   Options

	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	state   State
	readErr error
	writeMu sync.Mutex
	once    sync.Once
}

// NewStream returns a disconnected stream communicator.  closer, if
// non-nil, is called once by Close.
func NewStream(name string, r io.Reader, w io.Writer, closer func() error, opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = util.Nop()
	}
	return &Stream{
		name:   name,
		kind:   KindStd,
		r:      r,
		w:      w,
		closer: closer,
		opts:   opts,
		frames: make(chan []byte, frameBacklog),
		done:   make(chan struct{}),
	}
}

// SetWake installs the channel signalled when frames arrive.  It must
// be called before Connect.
func (s *Stream) SetWake(wake chan<- struct{}) { s.opts.Wake = wake }

// Kind implements [Communicator].
func (s *Stream) Kind() Kind { return s.kind }

// State implements [Communicator].
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the reader goroutine.  Connecting an already connected
// stream is a no-op; a failed or closed stream cannot be reconnected.
func (s *Stream) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connected:
		return nil
	case Failed:
		return rerr.Connection(s.name, s.failure())
	}
	if s.readErr != nil {
		return rerr.Connection(s.name, s.readErr)
	}
	s.state = Connected
	go s.readLoop()
	return nil
}

// Send writes one terminated frame.
func (s *Stream) Send(frame []byte) error {
	if st := s.State(); st != Connected {
		return &rerr.TransportError{Op: "send", Target: s.name, Err: fmt.Errorf("link is %s", st)}
	}

	s.writeMu.Lock()
	n, err := s.w.Write(frame)
	s.writeMu.Unlock()
	s.opts.Metrics.BytesSent(int64(n))
	if err != nil {
		s.fail(err)
		return &rerr.TransportError{Op: "send", Target: s.name, Err: err}
	}
	return nil
}

// Poll implements [Communicator].  Frames read before the stream broke
// are delivered before the error.
func (s *Stream) Poll() ([][]byte, error) {
	var out [][]byte
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				s.markFailed()
				return out, rerr.Connection(s.name, s.cause())
			}
			out = append(out, f)
		default:
			if s.State() == Failed {
				return out, rerr.Connection(s.name, s.cause())
			}
			return out, nil
		}
	}
}

// Close releases the underlying stream.  Buffered frames are dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state != Failed {
		s.state = Disconnected
	}
	if s.readErr == nil {
		s.readErr = rerr.ErrChildClosed
	}
	s.mu.Unlock()

	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.frames)

	buf := util.GetBuf()
	defer util.PutBuf(buf)

	var split protocol.Splitter
	for {
		n, err := s.r.Read(*buf)
		if n > 0 {
			s.opts.Metrics.BytesReceived(int64(n))
			frames, ferr := split.Feed((*buf)[:n])
			for _, f := range frames {
				select {
				case s.frames <- f:
				case <-s.done:
					return
				}
			}
			if len(frames) > 0 {
				signal(s.opts.Wake)
			}
			if ferr != nil {
				s.setReadErr(ferr)
				signal(s.opts.Wake)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
				if split.Pending() == 0 {
					err = rerr.ErrChildClosed
				}
			}
			s.setReadErr(err)
			s.opts.Logger.Debug("%s: reader stopped: %v", s.name, err)
			signal(s.opts.Wake)
			return
		}
	}
}

func (s *Stream) setReadErr(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
}

func (s *Stream) fail(err error) {
	s.setReadErr(err)
	s.markFailed()
}

func (s *Stream) markFailed() {
	s.mu.Lock()
	if s.state == Connected {
		s.state = Failed
	}
	s.mu.Unlock()
}

func (s *Stream) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure()
}

// failure returns the recorded cause.  Callers hold s.mu.
func (s *Stream) failure() error {
	if s.readErr != nil {
		return s.readErr
	}
	return rerr.ErrNotConnected
}
