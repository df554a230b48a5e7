package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"jobrelay/util"
)

const (
	// OutputDir is the directory inside a workspace that holds job output.
	OutputDir = ".jobrelay"
	// OutputFile receives the combined stdout and stderr of a process job.
	OutputFile = "std_out.txt"

	defaultStopGrace = 10 * time.Second
)

// ProcessParams are the params of a process executor.  Exactly one of
// Command or Shell must be set.
type ProcessParams struct {
	// Command is the argv of the job.  A single string is split on spaces.
	Command []string `mapstructure:"command"`
	// Shell is run through the system shell instead.
	Shell string `mapstructure:"shell"`
	// WorkDir is resolved against the workspace when relative.
	WorkDir string            `mapstructure:"work_dir"`
	Env     map[string]string `mapstructure:"env"`
	// TimeLimit stops the job once exceeded.  Zero means no limit.
	TimeLimit time.Duration `mapstructure:"time_limit"`
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// Process runs an OS process in the workspace.
type Process struct {
	tracker
	params ProcessParams
	env    Env
	log    *util.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewProcess is the constructor of the process kind.
func NewProcess(params map[string]any, env Env) (Executor, error) {
	var p ProcessParams
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	switch {
	case len(p.Command) == 0 && p.Shell == "":
		return nil, fmt.Errorf("one of command or shell is required")
	case len(p.Command) > 0 && p.Shell != "":
		return nil, fmt.Errorf("command and shell are mutually exclusive")
	case p.TimeLimit < 0:
		return nil, fmt.Errorf("time_limit must not be negative")
	}
	if p.StopGrace <= 0 {
		p.StopGrace = defaultStopGrace
	}
	if env.Logger == nil {
		env.Logger = util.Nop()
	}
	return &Process{tracker: tracker{done: make(chan struct{})}, params: p, env: env, log: env.Logger}, nil
}

// Params returns the decoded params.
func (p *Process) Params() ProcessParams { return p.params }

func (p *Process) command() *exec.Cmd {
	if p.params.Shell != "" {
		if runtime.GOOS == "windows" {
			return exec.Command("cmd.exe", "/C", p.params.Shell)
		}
		return exec.Command("/bin/sh", "-c", p.params.Shell)
	}
	return exec.Command(p.params.Command[0], p.params.Command[1:]...)
}

func (p *Process) workDir() string {
	dir := p.params.WorkDir
	switch {
	case dir == "":
		return p.env.Workspace
	case filepath.IsAbs(dir) || p.env.Workspace == "":
		return dir
	default:
		return filepath.Join(p.env.Workspace, dir)
	}
}

// Exec starts the process.  Its output goes to
// <workspace>/.jobrelay/std_out.txt when a workspace is set.
func (p *Process) Exec(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	cmd := p.command()
	cmd.Dir = p.workDir()
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(p.params.Env))
	for k := range p.params.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.params.Env[k])
	}

	var out *os.File
	if p.env.Workspace != "" {
		var err error
		if out, err = openOutput(p.env.Workspace); err != nil {
			p.fail(err)
			return err
		}
		cmd.Stdout = out
		cmd.Stderr = out
	}

	p.log.Debug("exec: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		err = fmt.Errorf("exec %q: %w", cmd.Path, err)
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go p.wait(cmd, out)
	go p.watch(ctx)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, out *os.File) {
	err := cmd.Wait()
	if out != nil {
		out.Close()
	}
	p.finish(func(r *Result) {
		r.ExitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			r.Error = err.Error()
		}
	})
	p.log.Verbose("exec: %s exited with %d", cmd.Path, cmd.ProcessState.ExitCode())
}

// watch enforces the time limit and the lifetime of ctx.
func (p *Process) watch(ctx context.Context) {
	var limit <-chan time.Time
	if p.params.TimeLimit > 0 {
		t := time.NewTimer(p.params.TimeLimit)
		defer t.Stop()
		limit = t.C
	}
	select {
	case <-p.Done():
	case <-limit:
		p.log.Warn("exec: time limit %s exceeded", p.params.TimeLimit)
		p.flag(func(r *Result) { r.TimedOut = true })
		p.Stop() //nolint:errcheck
	case <-ctx.Done():
		p.Kill() //nolint:errcheck
	}
}

func (p *Process) fail(err error) {
	p.finish(func(r *Result) {
		r.ExitCode = -1
		r.Error = err.Error()
	})
}

// Stop sends SIGTERM and kills the process if it is still running
// after the stop grace period.
func (p *Process) Stop() error {
	proc := p.process()
	if proc == nil || !p.isRunning() {
		return nil
	}
	p.flag(func(r *Result) { r.Stopped = true })
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return p.Kill()
	}
	go func() {
		t := time.NewTimer(p.params.StopGrace)
		defer t.Stop()
		select {
		case <-p.Done():
		case <-t.C:
			p.log.Warn("exec: no exit %s after SIGTERM, killing", p.params.StopGrace)
			p.Kill() //nolint:errcheck
		}
	}()
	return nil
}

// Kill ends the process at once.
func (p *Process) Kill() error {
	proc := p.process()
	if proc == nil || !p.isRunning() {
		return nil
	}
	p.flag(func(r *Result) { r.Killed = true })
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *Process) process() *os.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Process
}

func openOutput(workspace string) (*os.File, error) {
	dir := filepath.Join(workspace, OutputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, OutputFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
