// Package core is the orchestration layer.  It turns a Config into one
// of the run modes of the jobrelay binary and owns that mode's full
// lifecycle.
//
// Architecture layers (bottom → top):
//
//	communicator  →  repeater  →  service  →  core  →  cmd (CLI)
//
// A delegator serves the relay protocol on its stdio, a forwarder
// splices its stdio onto the next stage of a chain, and call drives one
// lifecycle action from the controller side.
package core

import (
	"context"
	"io"
	"os"
)

// Mode represents a complete operational mode of jobrelay.
type Mode interface {
	Run(ctx context.Context) error
}

// stdio holds the streams of a mode.  Nil fields fall back to the
// process's own stdin and stdout; tests override them.
type stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
}

func (s stdio) stdin() io.Reader {
	if s.Stdin != nil {
		return s.Stdin
	}
	return os.Stdin
}

func (s stdio) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}
