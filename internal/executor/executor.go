// Package executor runs the job a service manages.  Executors are
// created from a tagged configuration through a [Registry]: the kind
// selects a constructor and the params are decoded into that kind's
// typed parameters.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	rerr "jobrelay/internal/errors"
	"jobrelay/util"
)

// Kind tags an executor variant.
type Kind string

const (
	KindProcess Kind = "process"
	KindSleep   Kind = "sleep"
	KindNoop    Kind = "noop"
)

// Config is the wire form of an executor: a kind plus free-form params.
type Config struct {
	Kind   Kind           `json:"kind" yaml:"kind"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Env is what a service hands to a new executor.
type Env struct {
	// Workspace is the directory the job runs in.
	Workspace string
	Logger    *util.Logger
}

// Result describes a finished (or still running) job.
type Result struct {
	Running    bool      `json:"running"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Stopped    bool      `json:"stopped,omitempty"`
	Killed     bool      `json:"killed,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Executor is a started or startable job.
type Executor interface {
	// Exec starts the job and returns without waiting for it.
	Exec(ctx context.Context) error
	// Stop asks the job to finish gracefully.
	Stop() error
	// Kill ends the job immediately.  Killing a finished job is a no-op.
	Kill() error
	// Done is closed once the job has ended.
	Done() <-chan struct{}
	Result() Result
}

// Constructor builds an executor from decoded-on-demand params.
type Constructor func(params map[string]any, env Env) (Executor, error)

// Registry maps kinds to constructors.  It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[Kind]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[Kind]Constructor)}
}

// DefaultRegistry returns a registry with the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindProcess, NewProcess)
	r.Register(KindSleep, NewSleep)
	r.Register(KindNoop, NewNoop)
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind Kind, c Constructor) {
	r.mu.Lock()
	r.kinds[kind] = c
	r.mu.Unlock()
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New instantiates cfg.  Every failure is an
// *errors.ExecutorInstantiationError.
func (r *Registry) New(cfg Config, env Env) (Executor, error) {
	r.mu.RLock()
	c, ok := r.kinds[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &rerr.ExecutorInstantiationError{Kind: string(cfg.Kind), Err: rerr.ErrUnknownExecutor}
	}
	if env.Logger == nil {
		env.Logger = util.Nop()
	}
	e, err := c(cfg.Params, env)
	if err != nil {
		return nil, &rerr.ExecutorInstantiationError{Kind: string(cfg.Kind), Err: err}
	}
	return e, nil
}

// DecodeParams decodes params into out, a pointer to a struct with
// mapstructure tags.  Strings convert to durations and numbers, and a
// command given as one string is split on spaces.  Unknown keys are an
// error.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// ── lifecycle bookkeeping shared by the built-in kinds ───────────────

// tracker holds the result and completion channel of one job.
type tracker struct {
	mu      sync.Mutex
	started bool
	done    chan struct{}
	result  Result
}

// begin marks the job started; a second call is an error.
func (t *tracker) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("executor already started")
	}
	t.started = true
	t.result.Running = true
	t.result.StartedAt = time.Now()
	return nil
}

// finish records the outcome and closes Done.  Only the first call
// has an effect.
func (t *tracker) finish(update func(*Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.result.Running {
		return
	}
	update(&t.result)
	t.result.Running = false
	t.result.FinishedAt = time.Now()
	close(t.done)
}

// flag marks the result while the job is still running.
func (t *tracker) flag(update func(*Result)) {
	t.mu.Lock()
	if t.result.Running {
		update(&t.result)
	}
	t.mu.Unlock()
}

func (t *tracker) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.Running
}

func (t *tracker) Done() <-chan struct{} { return t.done }

func (t *tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}
