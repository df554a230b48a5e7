package service

import (
	"context"
	"fmt"
	"time"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/executor"
	"jobrelay/internal/protocol"
	"jobrelay/internal/repeater"
	"jobrelay/util"
)

const (
	DefaultCallTimeout = 30 * time.Second
	defaultTick        = 50 * time.Millisecond
)

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithCallTimeout bounds every call.  The context deadline still wins
// when it is earlier.
func WithCallTimeout(d time.Duration) ProxyOption { return func(p *Proxy) { p.timeout = d } }

// WithTick sets the longest single Run while waiting for an answer.
func WithTick(d time.Duration) ProxyOption { return func(p *Proxy) { p.tick = d } }

// WithProxyLogger sets the logger.
func WithProxyLogger(l *util.Logger) ProxyOption { return func(p *Proxy) { p.log = l } }

// Proxy is the Lifecycle of the service at addr, reached through node.
// Calls drive node.Run until their answer arrives, so a proxy must be
// used from the goroutine that owns node.
//
// A proxy whose route failed with a ConnectionError refuses further
// calls until Revive.
type Proxy struct {
	node    *repeater.Repeater
	addr    protocol.Address
	timeout time.Duration
	tick    time.Duration
	log     *util.Logger
	alive   bool

	// abandoned holds ids of calls that timed out; their answers are
	// discarded when they show up.
	abandoned map[uint64]struct{}
}

// NewProxy returns a live proxy for the service at addr.
func NewProxy(node *repeater.Repeater, addr protocol.Address, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		node:      node,
		addr:      append(protocol.Address{}, addr...),
		timeout:   DefaultCallTimeout,
		tick:      defaultTick,
		alive:     true,
		abandoned: make(map[uint64]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = util.Nop()
	}
	return p
}

// Address returns the route of the proxied service.
func (p *Proxy) Address() protocol.Address { return p.addr }

// Alive reports whether the proxy accepts calls.
func (p *Proxy) Alive() bool { return p.alive }

// Revive re-arms a proxy after its route was reconnected.
func (p *Proxy) Revive() { p.alive = true }

// Child returns a proxy for child index of the proxied hop.
func (p *Proxy) Child(index int) *Proxy {
	return &Proxy{
		node:      p.node,
		addr:      p.addr.Append(index),
		timeout:   p.timeout,
		tick:      p.tick,
		log:       p.log,
		alive:     true,
		abandoned: make(map[uint64]struct{}),
	}
}

// Call sends action to the proxied service and waits for its answer.
// The result is decoded into T.
func Call[T any](ctx context.Context, p *Proxy, action string, data any) (T, error) {
	var out T
	a, err := p.roundTrip(ctx, action, data)
	if err != nil {
		return out, err
	}
	err = a.Decode(&out)
	return out, err
}

func (p *Proxy) roundTrip(ctx context.Context, action string, data any) (repeater.Answer, error) {
	if !p.alive {
		return repeater.Answer{}, fmt.Errorf("%s %v: %w", action, p.addr, rerr.ErrProxyClosed)
	}
	id, err := p.node.SendRequest(p.addr, action, data)
	if err != nil {
		return repeater.Answer{}, err
	}
	p.log.Debug("%s -> %v (id %d)", action, p.addr, id)

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		p.discardAbandoned()
		if a, ok := p.node.TakeAnswer(id); ok {
			if a.Err != nil && rerr.IsKind(a.Err, rerr.KindConnection) {
				p.alive = false
				p.log.Warn("route %v closed: %v", p.addr, a.Err)
			}
			return a, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			p.abandoned[id] = struct{}{}
			return repeater.Answer{}, fmt.Errorf("%s %v: %w", action, p.addr, rerr.ErrTimeout)
		}
		if remaining > p.tick {
			remaining = p.tick
		}
		if err := p.node.Run(remaining); err != nil {
			p.log.Debug("run: %v", err)
		}
	}
}

func (p *Proxy) discardAbandoned() {
	for id := range p.abandoned {
		if _, ok := p.node.TakeAnswer(id); ok {
			delete(p.abandoned, id)
		}
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────

func (p *Proxy) StartService(ctx context.Context, cfg executor.Config) error {
	_, err := Call[State](ctx, p, protocol.ActionStartService, cfg)
	return err
}

func (p *Proxy) KillService(ctx context.Context, cfg executor.Config) error {
	_, err := Call[State](ctx, p, protocol.ActionKillService, cfg)
	return err
}

func (p *Proxy) CleanWorkspace(ctx context.Context) error {
	_, err := Call[State](ctx, p, protocol.ActionCleanWorkspace, nil)
	return err
}

func (p *Proxy) RequestStop(ctx context.Context) error {
	_, err := Call[State](ctx, p, protocol.ActionRequestStop, nil)
	return err
}

// StartChild returns the index of the new child; Child(index) reaches it.
func (p *Proxy) StartChild(ctx context.Context, spec communicator.Spec) (int, error) {
	index, err := Call[int](ctx, p, protocol.ActionStartChild, spec)
	if err != nil {
		return -1, err
	}
	return index, nil
}

// StopChild disconnects child index of the proxied hop.
func (p *Proxy) StopChild(ctx context.Context, index int) error {
	_, err := Call[State](ctx, p, protocol.ActionStopChild, ChildRef{ChildID: &index})
	return err
}

func (p *Proxy) State(ctx context.Context) (State, error) {
	return Call[State](ctx, p, protocol.ActionGetState, nil)
}

func (p *Proxy) Status(ctx context.Context) (Status, error) {
	return Call[Status](ctx, p, protocol.ActionGetStatus, nil)
}

// Ping checks that the hop at the proxy's address answers.
func (p *Proxy) Ping(ctx context.Context) error {
	_, err := Call[string](ctx, p, protocol.ActionPing, nil)
	return err
}
