package communicator

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerr "jobrelay/internal/errors"
	"jobrelay/tunnel"
)

// ── helpers ──────────────────────────────────────────────────────────

// pollUntil polls c, waiting on wake between attempts, until want
// frames arrived or an error is reported.
func pollUntil(t *testing.T, c Communicator, wake <-chan struct{}, want int) ([][]byte, error) {
	t.Helper()
	var got [][]byte
	deadline := time.After(5 * time.Second)
	for {
		frames, err := c.Poll()
		got = append(got, frames...)
		if err != nil || len(got) >= want {
			return got, err
		}
		select {
		case <-wake:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out with %d/%d frames", len(got), want)
		}
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// echoSpec is an exec stage whose hop process echoes stdin back.
func echoSpec(name string) Spec {
	return Spec{Name: name, Output: KindExec, Command: []string{"sh", "-c", "exec cat", "--"}}
}

// ── Spec ─────────────────────────────────────────────────────────────

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"local", Spec{Output: KindLocal}, false},
		{"exec", Spec{Output: KindExec, Input: KindStd}, false},
		{"ssh with host", Spec{Output: KindSSH, Host: "login"}, false},
		{"ssh without host", Spec{Output: KindSSH}, true},
		{"unknown output", Spec{Output: "carrier-pigeon"}, true},
		{"empty output", Spec{}, true},
		{"bad input", Spec{Output: KindExec, Input: "tty"}, true},
		{"chained", Spec{Output: KindSSH, Host: "h", Next: &Spec{Output: KindExec}}, false},
		{"bad chained", Spec{Output: KindSSH, Host: "h", Next: &Spec{Output: KindSSH}}, true},
		{"chained local", Spec{Output: KindLocal, Next: &Spec{Output: KindExec}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				var ce *rerr.ConfigError
				assert.True(t, rerr.As(err, &ce), "want *ConfigError, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSpec_ValidateCycle(t *testing.T) {
	a := &Spec{Name: "a", Output: KindExec}
	b := &Spec{Name: "b", Output: KindExec, Next: a}
	a.Next = b
	assert.Error(t, a.Validate())
}

func TestSpec_Label(t *testing.T) {
	assert.Equal(t, "cluster", Spec{Name: "cluster", Output: KindSSH}.Label())
	assert.Equal(t, "ssh://login", Spec{Output: KindSSH, Host: "login"}.Label())
	assert.Equal(t, "exec", Spec{Output: KindExec}.Label())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNew_RejectsLocal(t *testing.T) {
	_, err := New(Spec{Output: KindLocal}, Options{})
	assert.Error(t, err)
}

// ── command line ─────────────────────────────────────────────────────

func TestArgv(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			"local binary",
			Spec{Name: "rank0", Output: KindExec},
			[]string{"/usr/bin/jobrelay", "delegator", "--name", "rank0"},
		},
		{
			"launcher and install path",
			Spec{Name: "rank0", Output: KindExec, Command: []string{"mpiexec", "-n", "1"}, InstallPath: "/opt/jr", Workspace: "/scratch"},
			[]string{"mpiexec", "-n", "1", "/opt/jr/jobrelay", "delegator", "--name", "rank0", "--workspace", "/scratch"},
		},
		{
			"chained",
			Spec{Name: "login", Output: KindSSH, Host: "h", InstallPath: "/opt/jr", Next: &Spec{Output: KindExec}},
			[]string{"/opt/jr/jobrelay", "forward"},
		},
		{
			"extra args",
			Spec{Name: "n", Output: KindExec, Args: []string{"-vv"}},
			[]string{"/usr/bin/jobrelay", "delegator", "--name", "n", "-vv"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Argv(tt.spec, "/usr/bin/jobrelay"))
		})
	}
}

func TestShellJoin(t *testing.T) {
	got := ShellJoin([]string{"/opt/jr/jobrelay", "delegator", "--name", "my job", "it's", ""})
	assert.Equal(t, `/opt/jr/jobrelay delegator --name 'my job' 'it'\''s' ''`, got)
}

func TestHeader_RoundTrip(t *testing.T) {
	var sb strings.Builder
	next := Spec{Name: "rank0", Output: KindExec, Command: []string{"mpiexec"}}
	require.NoError(t, writeHeader(&sb, next))
	sb.WriteString(`{"type":"req"}` + "\n")

	r := bufio.NewReader(strings.NewReader(sb.String()))
	got, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, next.Name, got.Name)
	assert.Equal(t, next.Command, got.Command)

	// The first protocol frame stays buffered for the forwarder.
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"req"}`+"\n", string(rest))
}

func TestReadHeader_Invalid(t *testing.T) {
	_, err := ReadHeader(bufio.NewReader(strings.NewReader("not json\n")))
	assert.Error(t, err)

	_, err = ReadHeader(bufio.NewReader(strings.NewReader(`{"output":"ssh"}` + "\n")))
	assert.Error(t, err, "ssh stage without host must be rejected")

	_, err = ReadHeader(bufio.NewReader(strings.NewReader("")))
	assert.Error(t, err)
}

// ── pipe ─────────────────────────────────────────────────────────────

func TestPipe_SendPoll(t *testing.T) {
	parent, child := NewPipe("local")
	wake := make(chan struct{}, 1)
	child.SetWake(wake)

	require.NoError(t, parent.Connect(context.Background()))
	require.NoError(t, parent.Send([]byte("one\n")))
	require.NoError(t, parent.Send([]byte("two\n")))

	select {
	case <-wake:
	default:
		t.Fatal("send did not signal the peer")
	}

	frames, err := child.Poll()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "one", string(frames[0]))
	assert.Equal(t, "two", string(frames[1]))

	frames, err = child.Poll()
	assert.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, KindLocal, parent.Kind())
}

func TestPipe_Close(t *testing.T) {
	parent, child := NewPipe("local")
	require.NoError(t, child.Send([]byte("last\n")))
	require.NoError(t, child.Close())

	assert.Equal(t, Disconnected, child.State())
	assert.Equal(t, Failed, parent.State())

	frames, err := parent.Poll()
	require.Len(t, frames, 1, "frames sent before close are delivered")
	var ce *rerr.ConnectionError
	assert.True(t, rerr.As(err, &ce))

	err = parent.Send([]byte("x\n"))
	var te *rerr.TransportError
	assert.True(t, rerr.As(err, &te))

	assert.Error(t, parent.Connect(context.Background()))
	assert.NoError(t, child.Close(), "second close is a no-op")
}

// ── stream ───────────────────────────────────────────────────────────

func TestStream_RoundTrip(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	wake := make(chan struct{}, 1)

	s := NewStream("std", inR, outW, nil, Options{Wake: wake})
	assert.Equal(t, Disconnected, s.State())

	err := s.Send([]byte("early\n"))
	var te *rerr.TransportError
	require.True(t, rerr.As(err, &te), "send before connect")

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()), "connect is idempotent")

	go func() {
		inW.Write([]byte("{\"a\":1}\n{\"b\"")) //nolint:errcheck
		inW.Write([]byte(":2}\n"))             //nolint:errcheck
	}()
	frames, err := pollUntil(t, s, wake, 2)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, `{"b":2}`, string(frames[1]))

	go func() { assert.NoError(t, s.Send([]byte("reply\n"))) }()
	line, err := bufio.NewReader(outR).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "reply\n", line)
}

func TestStream_EOFFailsAfterFrames(t *testing.T) {
	wake := make(chan struct{}, 1)
	s := NewStream("std", strings.NewReader("last\n"), io.Discard, nil, Options{Wake: wake})
	require.NoError(t, s.Connect(context.Background()))

	frames, err := pollUntil(t, s, wake, 2)
	require.Len(t, frames, 1)
	assert.Equal(t, "last", string(frames[0]))
	assert.ErrorIs(t, err, rerr.ErrChildClosed)
	assert.Equal(t, Failed, s.State())

	assert.Error(t, s.Connect(context.Background()), "a failed stream is not reconnected")
}

func TestStream_CloseCallsCloserOnce(t *testing.T) {
	calls := 0
	s := NewStream("std", strings.NewReader(""), io.Discard, func() error { calls++; return nil }, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
	assert.Error(t, s.Connect(context.Background()))
}

// ── process links ────────────────────────────────────────────────────

func TestExec_EchoHop(t *testing.T) {
	requireShell(t)
	wake := make(chan struct{}, 1)

	c, err := New(echoSpec("echo"), Options{Wake: wake})
	require.NoError(t, err)
	assert.Equal(t, KindExec, c.Kind())
	assert.Equal(t, Disconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Send([]byte(`{"type":"req"}`+"\n")))
	frames, err := pollUntil(t, c, wake, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"req"}`, string(frames[0]))

	assert.NoError(t, c.Close())
}

func TestExec_HopExitFails(t *testing.T) {
	requireShell(t)
	wake := make(chan struct{}, 1)
	spec := Spec{Name: "dies", Output: KindExec, Command: []string{"sh", "-c", "exit 3", "--"}}

	c, err := New(spec, Options{Wake: wake})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = pollUntil(t, c, wake, 1)
	var ce *rerr.ConnectionError
	require.True(t, rerr.As(err, &ce), "got %v", err)
	assert.Equal(t, "dies", ce.Target)
	assert.Equal(t, Failed, c.State())
	c.Close()
}

func TestExec_DetachedHopKeepsRunning(t *testing.T) {
	requireShell(t)
	marker := filepath.Join(t.TempDir(), "marker")
	spec := Spec{Name: "lingers", Output: KindExec,
		Command: []string{"sh", "-c", "exec >&-; sleep 1; touch " + marker, "--"}}

	c, err := New(spec, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), stopGrace, "a hop that closed stdout is not waited for")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "the hop outlives its link")
}

func TestExec_SpawnFailure(t *testing.T) {
	spec := Spec{Name: "missing", Output: KindExec, Command: []string{"/nonexistent/launcher"}}
	c, err := New(spec, Options{})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	var ce *rerr.ConnectionError
	require.True(t, rerr.As(err, &ce), "got %v", err)
	assert.Equal(t, Failed, c.State())

	_, err = c.Poll()
	assert.Error(t, err)
	assert.Error(t, c.Send([]byte("x\n")))
	assert.Error(t, c.Connect(context.Background()), "failed links are replaced, not reconnected")
}

// fakeShell is a login whose remote command echoes stdin to stdout.
type fakeShell struct {
	cfg     *tunnel.SSHConfig
	connErr error
	command string
	alive   bool
	closed  bool
}

func (f *fakeShell) Connect(context.Context) error {
	if f.connErr != nil {
		return f.connErr
	}
	f.alive = true
	return nil
}

func (f *fakeShell) Start(command string) (*tunnel.Session, error) {
	f.command = command
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})
	go func() {
		io.Copy(outW, inR) //nolint:errcheck
		outW.Close()
		close(done)
	}()
	wait := func() error { <-done; return nil }
	closeFn := func() error {
		inR.Close()
		outR.Close()
		return nil
	}
	return tunnel.NewSession(inW, outR, wait, closeFn), nil
}

func (f *fakeShell) Close() error {
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeShell) IsAlive() bool { return f.alive }

func TestSSH_RunsHopThroughShell(t *testing.T) {
	wake := make(chan struct{}, 1)
	shell := &fakeShell{}
	spec := Spec{Name: "cluster", Output: KindSSH, Host: "login", Port: 2222, UID: "alice", InstallPath: "/opt/jr"}
	c, err := New(spec, Options{Wake: wake, Shell: func(cfg *tunnel.SSHConfig) tunnel.Shell {
		shell.cfg = cfg
		return shell
	}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, "alice", shell.cfg.User)
	assert.Equal(t, "login", shell.cfg.Host)
	assert.Equal(t, 2222, shell.cfg.Port)
	assert.Equal(t, "/opt/jr/jobrelay delegator --name cluster", shell.command)

	require.NoError(t, c.Send([]byte(`{"type":"req"}`+"\n")))
	frames, err := pollUntil(t, c, wake, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"req"}`, string(frames[0]))

	require.NoError(t, c.Close())
	assert.True(t, shell.closed, "closing the link logs out")
}

func TestSSH_LoginRejected(t *testing.T) {
	shell := &fakeShell{connErr: rerr.WrapSSH("handshake", "login", 22, rerr.ErrAuthFailed)}
	spec := Spec{Name: "cluster", Output: KindSSH, Host: "login"}
	c, err := New(spec, Options{Shell: func(*tunnel.SSHConfig) tunnel.Shell { return shell }})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	var ce *rerr.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, rerr.ErrAuthFailed)
	assert.False(t, rerr.IsRetryable(err))
	assert.Equal(t, Failed, c.State())
}

func TestOpen_WritesHeaderForChainedStage(t *testing.T) {
	requireShell(t)
	spec := echoSpec("login")
	spec.Next = &Spec{Name: "rank0", Output: KindExec}

	rwc, err := Open(context.Background(), spec, Options{})
	require.NoError(t, err)
	defer rwc.Close()

	got, err := ReadHeader(bufio.NewReader(rwc))
	require.NoError(t, err)
	assert.Equal(t, "rank0", got.Name)
}
