// Package service implements the job lifecycle each hop exposes, and
// the proxy that calls it from the root of the relay tree.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/executor"
	"jobrelay/internal/repeater"
	"jobrelay/util"
)

// Lifecycle is the set of operations a hop's service offers.  Service
// implements it in place; Proxy implements it across the relay.
type Lifecycle interface {
	StartService(ctx context.Context, cfg executor.Config) error
	KillService(ctx context.Context, cfg executor.Config) error
	CleanWorkspace(ctx context.Context) error
	RequestStop(ctx context.Context) error
	StartChild(ctx context.Context, spec communicator.Spec) (int, error)
	StopChild(ctx context.Context, index int) error
	State(ctx context.Context) (State, error)
	Status(ctx context.Context) (Status, error)
}

var (
	_ Lifecycle = (*Service)(nil)
	_ Lifecycle = (*Proxy)(nil)
)

// Status is the answer to get_status.
type Status struct {
	State     State            `json:"state"`
	Workspace string           `json:"workspace,omitempty"`
	Executor  executor.Kind    `json:"executor,omitempty"`
	Result    *executor.Result `json:"result,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithWorkspaceRoot sets the directory job workspaces are created in.
func WithWorkspaceRoot(dir string) Option { return func(s *Service) { s.root = dir } }

// WithRegistry sets the executor registry.
func WithRegistry(reg *executor.Registry) Option { return func(s *Service) { s.registry = reg } }

// WithLogger sets the logger.
func WithLogger(l *util.Logger) Option { return func(s *Service) { s.log = l } }

// Service controls one executor at a hop.
type Service struct {
	node     *repeater.Repeater
	root     string
	registry *executor.Registry
	log      *util.Logger

	mu        sync.Mutex
	state     State
	cfg       executor.Config
	exec      executor.Executor
	workspace string
}

// New returns a service in the Created state.  node is the hop the
// service lives at; StartChild adds children to it.
func New(node *repeater.Repeater, opts ...Option) *Service {
	s := &Service{node: node}
	for _, o := range opts {
		o(s)
	}
	if s.root == "" {
		s.root = filepath.Join(os.TempDir(), "jobrelay")
	}
	if s.registry == nil {
		s.registry = executor.DefaultRegistry()
	}
	if s.log == nil {
		s.log = util.Nop()
	}
	if node != nil {
		s.log = s.log.With(node.Name())
	}
	return s
}

// Factory returns a dispatcher factory that gives every hop of a tree
// its own service.  created, when non-nil, sees each new service.
func Factory(created func(*Service), opts ...Option) repeater.DispatcherFactory {
	return func(node *repeater.Repeater) repeater.Dispatcher {
		s := New(node, opts...)
		if created != nil {
			created(s)
		}
		return NewDispatcher(s)
	}
}

// refresh moves a service whose executor ended on its own to Stopped.
// The caller holds s.mu.
func (s *Service) refresh() {
	if s.exec == nil || (s.state != Running && s.state != Stopping) {
		return
	}
	select {
	case <-s.exec.Done():
		s.state = Stopped
		s.log.Info("executor finished (exit %d)", s.exec.Result().ExitCode)
	default:
	}
}

// StartService instantiates cfg in a fresh workspace and starts it.
func (s *Service) StartService(ctx context.Context, cfg executor.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	if s.state != Created {
		return &rerr.InvalidStateError{Op: "start_service", State: s.state.String()}
	}

	ws := filepath.Join(s.root, uuid.NewString())
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	ex, err := s.registry.New(cfg, executor.Env{Workspace: ws, Logger: s.log})
	if err != nil {
		os.RemoveAll(ws) //nolint:errcheck
		return err
	}
	// The job belongs to the hop, not to the request that started it:
	// only KillService or Close end it early.
	if err := ex.Exec(context.WithoutCancel(ctx)); err != nil {
		os.RemoveAll(ws) //nolint:errcheck
		return &rerr.ExecutorInstantiationError{Kind: string(cfg.Kind), Err: err}
	}

	s.cfg, s.exec, s.workspace = cfg, ex, ws
	s.state = Running
	s.log.Info("started %s executor in %s", cfg.Kind, ws)
	return nil
}

// KillService ends the executor at once.  It never fails on a service
// whose executor already ended.
func (s *Service) KillService(_ context.Context, _ executor.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	if s.state.Terminated() {
		return nil
	}
	if s.exec != nil {
		if err := s.exec.Kill(); err != nil {
			s.log.Warn("kill: %v", err)
		}
	}
	s.state = Killed
	s.log.Info("killed")
	return nil
}

// CleanWorkspace removes the workspace of a terminated service and
// makes it ready for the next StartService.
func (s *Service) CleanWorkspace(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	if !s.state.Terminated() {
		return &rerr.InvalidStateError{Op: "clean_workspace", State: s.state.String()}
	}
	if s.workspace != "" {
		if err := os.RemoveAll(s.workspace); err != nil {
			return fmt.Errorf("clean workspace: %w", err)
		}
		s.log.Verbose("removed %s", s.workspace)
	}
	s.cfg, s.exec, s.workspace = executor.Config{}, nil, ""
	s.state = Created
	return nil
}

// RequestStop asks a running executor to finish.  Completion shows up
// as Stopped in a later State.
func (s *Service) RequestStop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	switch s.state {
	case Created:
		return &rerr.InvalidStateError{Op: "request_stop", State: s.state.String()}
	case Running:
	default:
		return nil
	}
	if err := s.exec.Stop(); err != nil {
		return err
	}
	s.state = Stopping
	s.refresh()
	return nil
}

// StartChild connects a new child of this hop and returns its index.
func (s *Service) StartChild(ctx context.Context, spec communicator.Spec) (int, error) {
	if s.node == nil {
		return -1, rerr.ErrNoService
	}
	index, err := s.node.StartChild(ctx, spec)
	if err != nil {
		return -1, err
	}
	s.log.Info("started child %d (%s)", index, spec.Label())
	return index, nil
}

// StopChild disconnects child index of this hop.
func (s *Service) StopChild(_ context.Context, index int) error {
	if s.node == nil {
		return rerr.ErrNoService
	}
	if err := s.node.CloseChild(index); err != nil {
		return err
	}
	s.log.Info("stopped child %d", index)
	return nil
}

func (s *Service) State(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return s.state, nil
}

func (s *Service) Status(_ context.Context) (Status, error) {
	return s.Snapshot(), nil
}

// Snapshot is Status without a context.  Unlike the other methods it
// may be called from any goroutine.
func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	st := Status{State: s.state, Workspace: s.workspace, Executor: s.cfg.Kind}
	if s.exec != nil {
		res := s.exec.Result()
		st.Result = &res
	}
	return st
}

// Busy reports whether an executor is still running.
func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return s.state == Running || s.state == Stopping
}

// Done is closed once the current executor has ended.  Without an
// executor it is already closed.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return closedChan
	}
	return s.exec.Done()
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Close kills a running executor.  The repeater calls it when the hop
// shuts down.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	if s.exec == nil || s.state.Terminated() {
		return nil
	}
	s.log.Warn("hop closing, killing %s executor", s.cfg.Kind)
	s.state = Killed
	return s.exec.Kill()
}

// Workspace returns the current workspace directory, if any.
func (s *Service) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace
}
