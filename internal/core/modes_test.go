package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"jobrelay/config"
	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/metrics"
	"jobrelay/internal/protocol"
	"jobrelay/util"
)

func localCall(t *testing.T, action string, data string, route protocol.Address) (*CallMode, *bytes.Buffer) {
	t.Helper()
	topo, err := config.ParseTopology([]byte(`
communicators:
  - name: sandbox
    output: local
executor:
  kind: sleep
  params:
    duration: 30s
`))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	m := &CallMode{
		Topology:        topo,
		Route:           route,
		Action:          action,
		Timeout:         5 * time.Second,
		Tick:            10 * time.Millisecond,
		ConnectAttempts: 1,
		WorkspaceRoot:   t.TempDir(),
		Metrics:         metrics.New(),
		Logger:          util.NewLogger(0),
	}
	if data != "" {
		m.Data = json.RawMessage(data)
	}
	m.Stdout = &out
	return m, &out
}

// TestCallMode_GetState verifies a fresh hop reports Created.
func TestCallMode_GetState(t *testing.T) {
	m, out := localCall(t, protocol.ActionGetState, "", nil)
	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != `"Created"` {
		t.Errorf("output = %s", got)
	}
}

// TestCallMode_StartFromTopology verifies start_service without data
// uses the topology's executor section.
func TestCallMode_StartFromTopology(t *testing.T) {
	m, out := localCall(t, protocol.ActionStartService, "", nil)
	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != `"Running"` {
		t.Errorf("output = %s", got)
	}
}

// TestCallMode_ExplicitData verifies --data wins over the topology.
func TestCallMode_ExplicitData(t *testing.T) {
	m, _ := localCall(t, protocol.ActionStartService, `{"kind":"teleport"}`, nil)
	err := m.Run(context.Background())
	if !rerr.IsKind(err, rerr.KindExecutorInstantiation) {
		t.Fatalf("expected executor instantiation error, got %v", err)
	}
}

// TestCallMode_UnknownRoute verifies a route below a missing child
// fails with an unknown route error.
func TestCallMode_UnknownRoute(t *testing.T) {
	m, _ := localCall(t, protocol.ActionGetState, "", protocol.Address{3})
	err := m.Run(context.Background())
	if !rerr.IsKind(err, rerr.KindUnknownRoute) {
		t.Fatalf("expected unknown route error, got %v", err)
	}
}

// TestCallMode_UnknownStage verifies the stage name is resolved.
func TestCallMode_UnknownStage(t *testing.T) {
	m, _ := localCall(t, protocol.ActionGetState, "", nil)
	m.Stage = "cluster"
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

// TestCallMode_ConnectFailure verifies connect errors surface after
// the configured attempts.
func TestCallMode_ConnectFailure(t *testing.T) {
	topo, err := config.ParseTopology([]byte(`
communicators:
  - name: broken
    output: exec
    command: [/nonexistent/launcher]
`))
	if err != nil {
		t.Fatal(err)
	}
	m := &CallMode{
		Topology:        topo,
		Action:          protocol.ActionGetState,
		Timeout:         time.Second,
		Tick:            10 * time.Millisecond,
		ConnectAttempts: 1,
		Logger:          util.NewLogger(0),
	}
	m.Stdout = io.Discard
	err = m.Run(context.Background())
	if !rerr.IsKind(err, rerr.KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

// TestDelegatorMode_Stdio verifies a delegator answers requests read
// from stdin on stdout and exits when stdin closes.
func TestDelegatorMode_Stdio(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	m := &DelegatorMode{
		Name:          "rank0",
		WorkspaceRoot: t.TempDir(),
		Tick:          10 * time.Millisecond,
		Metrics:       metrics.New(),
		Logger:        util.NewLogger(0),
	}
	m.Stdin = inR
	m.Stdout = outW

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	frame, err := protocol.EncodeRequest(protocol.Request{ID: 9, Action: protocol.ActionGetState})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inW.Write(frame); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(outR).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	fr, err := protocol.Decode(line)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Response == nil || fr.Response.ID != 9 {
		t.Fatalf("unexpected frame %s", line)
	}
	if string(fr.Response.Result) != `"Created"` {
		t.Errorf("result = %s", fr.Response.Result)
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delegator did not stop after stdin closed")
	}
}

// request writes one request frame to w and reads its answer from r.
func request(t *testing.T, w io.Writer, r *bufio.Reader, req protocol.Request) *protocol.Response {
	t.Helper()
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatal(err)
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	fr, err := protocol.Decode(line)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Response == nil || fr.Response.ID != req.ID {
		t.Fatalf("unexpected frame %s", line)
	}
	return fr.Response
}

func startShellJob(t *testing.T, w io.Writer, r *bufio.Reader, script string) {
	t.Helper()
	data := json.RawMessage(fmt.Sprintf(`{"kind":"process","params":{"shell":%q}}`, script))
	resp := request(t, w, r, protocol.Request{ID: 1, Action: protocol.ActionStartService, Data: data})
	if resp.Error != "" || string(resp.Result) != `"Running"` {
		t.Fatalf("start: result %s error %q", resp.Result, resp.Error)
	}
}

// TestDelegatorMode_JobOutlivesParent verifies a job started by a
// controller that disconnects right away still runs to completion.
func TestDelegatorMode_JobOutlivesParent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	marker := filepath.Join(t.TempDir(), "marker")

	m := &DelegatorMode{
		Name:          "rank0",
		WorkspaceRoot: t.TempDir(),
		Tick:          10 * time.Millisecond,
		Logger:        util.NewLogger(0),
	}
	m.Stdin = inR
	m.Stdout = outW

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	out := bufio.NewReader(outR)
	startShellJob(t, inW, out, "sleep 1; touch "+marker)
	inW.Close()

	// The lingering hop closes its stdout.
	eof := make(chan error, 1)
	go func() {
		_, err := out.ReadBytes('\n')
		eof <- err
	}()
	select {
	case err := <-eof:
		if err != io.EOF {
			t.Errorf("stdout: want EOF, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stdout still open after the parent left")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("delegator did not stop after the job ended")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("job did not complete after the parent left: %v", err)
	}
}

// TestDelegatorMode_CancelWhileLingering verifies cancelling a hop that
// waits for its jobs ends it at once.
func TestDelegatorMode_CancelWhileLingering(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	m := &DelegatorMode{
		Name:          "rank0",
		WorkspaceRoot: t.TempDir(),
		Tick:          10 * time.Millisecond,
		Logger:        util.NewLogger(0),
	}
	m.Stdin = inR
	m.Stdout = outW

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	out := bufio.NewReader(outR)
	startShellJob(t, inW, out, "sleep 30")
	inW.Close()
	io.Copy(io.Discard, out) //nolint:errcheck

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delegator did not stop after cancel")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stop took %s", elapsed)
	}
}

// TestDelegatorMode_Cancel verifies the delegator stops with its
// context.
func TestDelegatorMode_Cancel(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()

	m := &DelegatorMode{
		Name:          "rank0",
		WorkspaceRoot: t.TempDir(),
		Tick:          10 * time.Millisecond,
		Logger:        util.NewLogger(0),
	}
	m.Stdin = inR
	m.Stdout = io.Discard

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delegator did not stop after cancel")
	}
}

// freePort returns a TCP port on 127.0.0.1 that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestDelegatorMode_DebugServer verifies the debug listener exposes the
// hop's service state.
func TestDelegatorMode_DebugServer(t *testing.T) {
	port := freePort(t)
	inR, inW := io.Pipe()
	defer inW.Close()

	m := &DelegatorMode{
		Name:          "rank0",
		WorkspaceRoot: t.TempDir(),
		Tick:          10 * time.Millisecond,
		DebugAddr:     util.FormatAddr("127.0.0.1", port),
		Metrics:       metrics.New(),
		Logger:        util.NewLogger(0),
	}
	m.Stdin = inR
	m.Stdout = io.Discard

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx) //nolint:errcheck

	url := fmt.Sprintf("http://%s/state", m.DebugAddr)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			var st struct {
				State string `json:"state"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&st)
			resp.Body.Close()
			if derr != nil {
				t.Fatal(derr)
			}
			if st.State != "Created" {
				t.Errorf("state = %q", st.State)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("debug server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestForwardMode_Splice verifies a forwarder starts the stage named in
// its header and relays bytes both ways.
func TestForwardMode_Splice(t *testing.T) {
	header, err := json.Marshal(communicator.Spec{
		Name:    "echo",
		Output:  communicator.KindExec,
		Command: []string{"sh", "-c", "cat", "--"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	m := &ForwardMode{
		Options: communicator.Options{Binary: "jobrelay", Stderr: io.Discard},
		Logger:  util.NewLogger(0),
	}
	m.Stdin = strings.NewReader(string(header) + "\nhello\nworld\n")
	m.Stdout = &out

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello\nworld\n" {
		t.Errorf("output = %q", out.String())
	}
}

// TestForwardMode_BadHeader verifies a garbled header is rejected
// before anything is started.
func TestForwardMode_BadHeader(t *testing.T) {
	m := &ForwardMode{Logger: util.NewLogger(0)}
	m.Stdin = strings.NewReader("not a header\n")
	m.Stdout = io.Discard
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
