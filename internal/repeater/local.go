package repeater

import (
	"context"
	"strconv"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
)

// localLink embeds a child hop in this process.  The child is a full
// repeater at the far end of an in-process pipe; polling the link runs
// one pass of the child, so the whole local subtree advances inside the
// owner's Run.
type localLink struct {
	owner *Repeater
	index int
	spec  communicator.Spec
	end   *communicator.PipeEnd
	node  *Repeater
}

func newLocalLink(owner *Repeater, index int, spec communicator.Spec) *localLink {
	return &localLink{owner: owner, index: index, spec: spec}
}

func (l *localLink) Kind() communicator.Kind { return communicator.KindLocal }

func (l *localLink) State() communicator.State {
	if l.end == nil {
		return communicator.Disconnected
	}
	return l.end.State()
}

// Connect creates the embedded hop with its own service.
func (l *localLink) Connect(_ context.Context) error {
	if l.end != nil {
		return l.end.Connect(context.Background())
	}
	name := l.spec.Name
	if name == "" {
		name = l.owner.name + "/" + strconv.Itoa(l.index)
	}
	parentEnd, childEnd := communicator.NewPipe(name)
	l.end = parentEnd
	l.node = New(
		WithName(name),
		WithLogger(l.owner.baseLog),
		WithParent(childEnd),
		WithDispatcherFactory(l.owner.factory),
		WithBreaker(l.owner.breakerCfg),
		WithCommunicatorOptions(l.owner.commOpts),
		withWake(l.owner.wake),
	)
	return nil
}

func (l *localLink) Send(frame []byte) error {
	if l.end == nil {
		return &rerr.TransportError{Op: "send", Target: l.spec.Label(), Err: rerr.ErrNotConnected}
	}
	return l.end.Send(frame)
}

// Poll advances the embedded hop by one non-blocking run, then returns
// what it wrote back.
func (l *localLink) Poll() ([][]byte, error) {
	if l.end == nil {
		return nil, nil
	}
	if !l.node.closed && l.node.parentErr == nil {
		if err := l.node.Run(0); err != nil {
			l.node.log.Warn("%v", err)
		}
	}
	return l.end.Poll()
}

func (l *localLink) Close() error {
	if l.node != nil {
		l.node.Close() //nolint:errcheck
	}
	if l.end != nil {
		return l.end.Close()
	}
	return nil
}
