package core

import (
	"bufio"
	"context"

	"jobrelay/internal/communicator"
	"jobrelay/util"
)

// ForwardMode is the middle of a chained stage.  It reads the next
// stage from a header line, starts it, and then relays raw bytes in
// both directions without decoding frames.
type ForwardMode struct {
	stdio

	Options communicator.Options
	Logger  *util.Logger
}

// Run forwards until either side closes.
func (m *ForwardMode) Run(ctx context.Context) error {
	in := bufio.NewReaderSize(m.stdin(), util.DefaultBufSize)
	next, err := communicator.ReadHeader(in)
	if err != nil {
		return err
	}

	m.Logger.Verbose("forwarding to %s (%s)", next.Label(), next.Output)
	down, err := communicator.Open(ctx, next, m.Options)
	if err != nil {
		return err
	}

	// in may already hold frames sent right behind the header.
	return util.Splice(ctx, in, m.stdout(), down)
}
