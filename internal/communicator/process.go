package communicator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	rerr "jobrelay/internal/errors"
	"jobrelay/tunnel"
)

// stopGrace is how long a spawned hop gets to exit after its stdin is
// closed before it is killed.
const stopGrace = 3 * time.Second

// ── conduit ──────────────────────────────────────────────────────────

// conduit is the raw stdio of a started hop process.
type conduit struct {
	r    io.Reader
	w    io.WriteCloser
	stop func() error
	once sync.Once
	err  error
}

func (c *conduit) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *conduit) Write(p []byte) (int, error) { return c.w.Write(p) }

// CloseWrite signals end of input to the hop process.
func (c *conduit) CloseWrite() error { return c.w.Close() }

// Close ends the hop process and releases its stdio.
func (c *conduit) Close() error {
	c.once.Do(func() {
		c.w.Close() //nolint:errcheck
		c.err = c.stop()
	})
	return c.err
}

// Open starts the far end of spec and returns its raw stdio.  When the
// stage is chained, the header describing the next stage has already
// been written.  Forwarding hops splice their own stdio onto it.
func Open(ctx context.Context, spec Spec, opts Options) (io.ReadWriteCloser, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	argv := Argv(spec, opts.Binary)

	var (
		c   *conduit
		err error
	)
	switch spec.Output {
	case KindExec:
		c, err = startLocal(ctx, argv, opts)
	case KindSSH:
		c, err = startRemote(ctx, spec, argv, opts)
	default:
		return nil, fmt.Errorf("stage %s: cannot open a %s stage as a process", spec.Label(), spec.Output)
	}
	if err != nil {
		return nil, err
	}

	if spec.Next != nil {
		if err := writeHeader(c, *spec.Next); err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %s: %w", spec.Label(), err)
		}
	}
	return c, nil
}

func startLocal(ctx context.Context, argv []string, opts Options) (*conduit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Own pipes instead of cmd.StdoutPipe: Wait must not close the read
	// side while frames are still buffered in it.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = opts.Stderr

	opts.Logger.Verbose("exec: starting %v", argv)
	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	inR.Close()
	outW.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	out := &eofReader{r: outR, eof: make(chan struct{})}

	stop := func() error {
		defer outR.Close()
		// Nothing reads frames any more; keep draining so EOF is seen.
		go io.Copy(io.Discard, out) //nolint:errcheck
		timer := time.NewTimer(stopGrace)
		defer timer.Stop()
		select {
		case err := <-exited:
			return exitErr(err)
		case <-out.eof:
			// A hop that closed its stdout keeps running jobs after
			// its parent left.
			opts.Logger.Verbose("exec: %s detached", argv[0])
			return nil
		case <-timer.C:
		}
		opts.Logger.Warn("exec: %s did not exit after stdin closed, killing", argv[0])
		cmd.Process.Kill() //nolint:errcheck
		<-exited
		return nil
	}
	return &conduit{r: out, w: inW, stop: stop}, nil
}

// eofReader closes eof once r reports end of stream.
type eofReader struct {
	r    io.Reader
	eof  chan struct{}
	once sync.Once
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.eof) })
	}
	return n, err
}

func startRemote(ctx context.Context, spec Spec, argv []string, opts Options) (*conduit, error) {
	shell := opts.Shell(&tunnel.SSHConfig{
		User:              spec.UID,
		Host:              spec.Host,
		Port:              spec.Port,
		KeyPath:           spec.KeyPath,
		Password:          spec.Password,
		PromptPass:        spec.PromptPassword,
		UseAgent:          spec.UseAgent,
		StrictHostKey:     spec.StrictHostKey,
		KnownHosts:        spec.KnownHosts,
		KeepAliveInterval: opts.KeepAlive,
	})

	if err := shell.Connect(ctx); err != nil {
		return nil, err
	}
	sess, err := shell.Start(ShellJoin(argv))
	if err != nil {
		shell.Close()
		return nil, err
	}
	out := &eofReader{r: sess.Stdout, eof: make(chan struct{})}

	// Same contract as a local hop: EOF on stdin asks it to exit, a
	// closed stdout means it stays behind on purpose.
	stop := func() error {
		defer shell.Close()         //nolint:errcheck
		sess.Stdin.Close()          //nolint:errcheck
		go io.Copy(io.Discard, out) //nolint:errcheck
		if shell.IsAlive() {
			exited := make(chan error, 1)
			go func() { exited <- sess.Wait() }()
			timer := time.NewTimer(stopGrace)
			defer timer.Stop()
			select {
			case <-exited:
			case <-out.eof:
				opts.Logger.Verbose("ssh: %s detached", spec.Label())
			case <-timer.C:
				opts.Logger.Warn("ssh: %s did not exit after stdin closed, closing session", spec.Label())
			}
		}
		if err := sess.Close(); err != nil && err != io.EOF {
			return err
		}
		return nil
	}
	return &conduit{r: out, w: sess.Stdin, stop: stop}, nil
}

// exitErr drops the error of a hop that was told to exit and did.
func exitErr(err error) error {
	var ee *exec.ExitError
	if rerr.As(err, &ee) {
		return nil
	}
	return err
}

// ── processLink ──────────────────────────────────────────────────────

// processLink is the communicator for exec and ssh stages: a Stream
// over the stdio of a hop process started on Connect.
type processLink struct {
	spec Spec
	opts Options

	mu      sync.Mutex
	stream  *Stream
	state   State
	lastErr error
}

func newProcessLink(spec Spec, opts Options) *processLink {
	return &processLink{spec: spec, opts: opts}
}

func (l *processLink) Kind() Kind { return l.spec.Output }

func (l *processLink) State() State {
	l.mu.Lock()
	s := l.stream
	st := l.state
	l.mu.Unlock()
	if s != nil {
		return s.State()
	}
	return st
}

// Connect starts the hop process.  It is a no-op while connected; a
// failed link must be replaced rather than reconnected.
func (l *processLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stream != nil {
		return l.stream.Connect(ctx)
	}
	if l.state == Failed {
		return rerr.Connection(l.spec.Label(), l.lastErr)
	}

	l.state = Connecting
	rwc, err := Open(ctx, l.spec, l.opts)
	if err != nil {
		l.state = Failed
		l.lastErr = err
		return rerr.Connection(l.spec.Label(), err)
	}

	s := NewStream(l.spec.Label(), rwc, rwc, rwc.Close, l.opts)
	s.kind = l.spec.Output
	if err := s.Connect(ctx); err != nil {
		rwc.Close()
		l.state = Failed
		l.lastErr = err
		return err
	}
	l.stream = s
	l.state = Connected
	return nil
}

func (l *processLink) Send(frame []byte) error {
	l.mu.Lock()
	s := l.stream
	l.mu.Unlock()
	if s == nil {
		return &rerr.TransportError{Op: "send", Target: l.spec.Label(), Err: rerr.ErrNotConnected}
	}
	return s.Send(frame)
}

func (l *processLink) Poll() ([][]byte, error) {
	l.mu.Lock()
	s := l.stream
	st, cause := l.state, l.lastErr
	l.mu.Unlock()
	if s != nil {
		return s.Poll()
	}
	if st == Failed {
		return nil, rerr.Connection(l.spec.Label(), cause)
	}
	return nil, nil
}

func (l *processLink) Close() error {
	l.mu.Lock()
	s := l.stream
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
