// Package communicator moves relay frames between a repeater and one of
// its neighbours.  Every transport presents the same non-blocking
// interface: the owner sends whole frames and polls for complete frames
// received so far, and a background reader signals the owner's wake
// channel when something arrives.
package communicator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	rerr "jobrelay/internal/errors"
	"jobrelay/internal/metrics"
	"jobrelay/tunnel"
	"jobrelay/util"
)

// Kind names a transport.
type Kind string

const (
	KindNone  Kind = "none"
	KindStd   Kind = "std"
	KindLocal Kind = "local"
	KindExec  Kind = "exec"
	KindSSH   Kind = "ssh"
)

// State is the connection state of a communicator.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Communicator is one end of a framed, ordered link.
//
// Send and Poll are called only by the owning repeater.  Poll never
// blocks: it returns every complete frame buffered so far and, once the
// link is lost, a *errors.ConnectionError after the last frame.
type Communicator interface {
	Kind() Kind
	State() State
	Connect(ctx context.Context) error
	Send(frame []byte) error
	Poll() ([][]byte, error)
	Close() error
}

// Spec describes how to reach a hop.
type Spec struct {
	Name   string `json:"name"`
	Input  Kind   `json:"input,omitempty"`
	Output Kind   `json:"output"`

	// Next chains a further stage: the process started by this stage
	// forwards its stdio to Next instead of serving requests itself.
	Next *Spec `json:"next,omitempty"`

	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	UID            string `json:"uid,omitempty"`
	Password       string `json:"pwd,omitempty"`
	KeyPath        string `json:"key_path,omitempty"`
	UseAgent       bool   `json:"use_agent,omitempty"`
	PromptPassword bool   `json:"prompt_password,omitempty"`
	StrictHostKey  bool   `json:"strict_host_key,omitempty"`
	KnownHosts     string `json:"known_hosts,omitempty"`

	// InstallPath is the directory holding the jobrelay binary on the
	// far side.  Empty means the binary running this hop.
	InstallPath string `json:"install_path,omitempty"`
	// Command is the launcher prefix, e.g. ["mpiexec", "-n", "1"].
	Command []string `json:"command,omitempty"`
	// Args are appended to the hop's own command line.
	Args []string `json:"args,omitempty"`
	// Workspace is the service workspace root on the far side.
	Workspace string `json:"workspace,omitempty"`
}

// Label returns the name used in logs and errors.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Host != "" {
		return string(s.Output) + "://" + s.Host
	}
	return string(s.Output)
}

// Validate checks the stage and every chained stage after it.
func (s Spec) Validate() error {
	seen := 0
	for cur := &s; cur != nil; cur = cur.Next {
		if seen++; seen > 64 {
			return &rerr.ConfigError{Field: "next_communicator", Value: s.Label(), Message: "chain is too long or cyclic"}
		}
		switch cur.Output {
		case KindLocal:
			if cur.Next != nil {
				return &rerr.ConfigError{Field: "next_communicator", Value: cur.Label(), Message: "local stages cannot be chained"}
			}
		case KindExec:
		case KindSSH:
			if cur.Host == "" {
				return &rerr.ConfigError{Field: "host", Value: cur.Label(), Message: "ssh stages need a host"}
			}
		default:
			return &rerr.ConfigError{Field: "output", Value: string(cur.Output), Message: "unsupported transport", Hint: "use local, exec or ssh"}
		}
		switch cur.Input {
		case "", KindStd, KindNone:
		default:
			return &rerr.ConfigError{Field: "input", Value: string(cur.Input), Message: "unsupported input", Hint: "use std or none"}
		}
	}
	return nil
}

// Options carries the owner's ambient dependencies.
type Options struct {
	Logger  *util.Logger
	Metrics *metrics.Collector
	// Wake is signalled, without blocking, whenever frames arrive.
	Wake chan<- struct{}
	// Binary is the local jobrelay executable used when a stage has
	// no InstallPath.
	Binary string
	// Stderr receives the diagnostics of spawned local processes.
	Stderr io.Writer
	// KeepAlive is the SSH keepalive interval of ssh stages; 0 disables.
	KeepAlive time.Duration
	// Shell opens the login of an ssh stage.  Nil uses tunnel.SSHClient.
	Shell func(cfg *tunnel.SSHConfig) tunnel.Shell
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = util.Nop()
	}
	if o.Binary == "" {
		if exe, err := os.Executable(); err == nil {
			o.Binary = exe
		} else {
			o.Binary = "jobrelay"
		}
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Shell == nil {
		logger, m := o.Logger, o.Metrics
		o.Shell = func(cfg *tunnel.SSHConfig) tunnel.Shell {
			return tunnel.NewSSHClient(cfg, logger, m)
		}
	}
	return o
}

// New builds a disconnected communicator for spec.  Local stages are
// owned by the repeater, which embeds the child in-process.
func New(spec Spec, opts Options) (Communicator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	switch spec.Output {
	case KindExec, KindSSH:
		return newProcessLink(spec, opts), nil
	default:
		return nil, fmt.Errorf("communicator %s: %s stages are built by the repeater", spec.Label(), spec.Output)
	}
}

// signal performs a non-blocking send on wake.
func signal(wake chan<- struct{}) {
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
