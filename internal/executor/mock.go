package executor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SleepParams are the params of a sleep executor.
type SleepParams struct {
	Duration time.Duration `mapstructure:"duration"`
	ExitCode int           `mapstructure:"exit_code"`
}

// Sleep is an in-process job that ends after a fixed duration.  It
// stands in for a real application in tests and dry runs.
type Sleep struct {
	tracker
	params SleepParams

	halt     chan struct{}
	haltOnce sync.Once
}

// NewSleep is the constructor of the sleep kind.
func NewSleep(params map[string]any, _ Env) (Executor, error) {
	p := SleepParams{Duration: time.Second}
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Duration < 0 {
		return nil, fmt.Errorf("duration must not be negative")
	}
	return &Sleep{tracker: tracker{done: make(chan struct{})}, params: p, halt: make(chan struct{})}, nil
}

func (s *Sleep) Exec(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	go func() {
		t := time.NewTimer(s.params.Duration)
		defer t.Stop()
		select {
		case <-t.C:
			s.finish(func(r *Result) { r.ExitCode = s.params.ExitCode })
		case <-s.halt:
			s.finish(func(r *Result) {
				if r.Killed {
					r.ExitCode = -1
				}
			})
		case <-ctx.Done():
			s.finish(func(r *Result) {
				r.Killed = true
				r.ExitCode = -1
			})
		}
	}()
	return nil
}

func (s *Sleep) Stop() error {
	if !s.isRunning() {
		return nil
	}
	s.flag(func(r *Result) { r.Stopped = true })
	s.haltOnce.Do(func() { close(s.halt) })
	return nil
}

func (s *Sleep) Kill() error {
	if !s.isRunning() {
		return nil
	}
	s.flag(func(r *Result) { r.Killed = true })
	s.haltOnce.Do(func() { close(s.halt) })
	return nil
}

// Noop finishes as soon as it is started.
type Noop struct {
	tracker
}

// NewNoop is the constructor of the noop kind.  It takes no params.
func NewNoop(params map[string]any, _ Env) (Executor, error) {
	var p struct{}
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	return &Noop{tracker: tracker{done: make(chan struct{})}}, nil
}

func (n *Noop) Exec(_ context.Context) error {
	if err := n.begin(); err != nil {
		return err
	}
	n.finish(func(*Result) {})
	return nil
}

func (n *Noop) Stop() error { return nil }
func (n *Noop) Kill() error { return nil }
