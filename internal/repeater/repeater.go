// Package repeater implements the relay tree.  A Repeater owns a set of
// numbered children, each reached through a communicator, and routes
// addressed requests down the tree and their answers back up.
//
// A Repeater is single-owner: every method must be called from the
// goroutine that drives [Repeater.Run].  Communicators use background
// goroutines only to read their streams; they never touch repeater
// state and merely signal the wake channel.
package repeater

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/metrics"
	"jobrelay/internal/protocol"
	"jobrelay/internal/retry"
	"jobrelay/util"
)

// maxPasses bounds the back-to-back steps of one Run before it yields
// to the wake channel.
const maxPasses = 64

// Dispatcher serves the requests addressed to this hop.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, data json.RawMessage) (any, error)
}

// DispatcherFactory builds the dispatcher of a hop.  It receives the
// hop's own repeater so the service can start children on it.
type DispatcherFactory func(node *Repeater) Dispatcher

// Answer is the outcome of a locally sent request.  Address, Action
// and Data repeat the request it answers.
type Answer struct {
	ID      uint64
	Address protocol.Address
	Action  string
	Data    json.RawMessage
	Result  json.RawMessage
	Err     error
}

// Decode unmarshals the result into v.  It returns the answer's error
// if there is one.
func (a Answer) Decode(v any) error {
	if a.Err != nil {
		return a.Err
	}
	if v == nil || len(a.Result) == 0 {
		return nil
	}
	return json.Unmarshal(a.Result, v)
}

// Option configures a Repeater.
type Option func(*Repeater)

// WithName sets the hop name used in logs.
func WithName(name string) Option { return func(r *Repeater) { r.name = name } }

// WithLogger sets the logger.
func WithLogger(l *util.Logger) Option { return func(r *Repeater) { r.baseLog = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(r *Repeater) { r.metrics = m } }

// WithParent makes the repeater a node serving requests read from link.
func WithParent(link communicator.Communicator) Option {
	return func(r *Repeater) { r.parent = link }
}

// WithDispatcherFactory installs the service of this hop and of every
// local child created below it.
func WithDispatcherFactory(f DispatcherFactory) Option {
	return func(r *Repeater) { r.factory = f }
}

// WithHeartbeat pings idle children every interval; a ping unanswered
// for twice the interval fails the child.  Zero disables.
func WithHeartbeat(interval time.Duration) Option {
	return func(r *Repeater) { r.heartbeat = interval }
}

// WithBreaker guards every child with a dial breaker.
func WithBreaker(cfg *retry.BreakerConfig) Option {
	return func(r *Repeater) { r.breakerCfg = cfg }
}

// WithCommunicatorOptions sets the options passed to exec and ssh
// communicators.  Logger, metrics and wake channel are filled in.
func WithCommunicatorOptions(o communicator.Options) Option {
	return func(r *Repeater) { r.commOpts = o }
}

// withWake shares an ancestor's wake channel with an embedded node.
func withWake(wake chan struct{}) Option { return func(r *Repeater) { r.wake = wake } }

// ── Repeater ─────────────────────────────────────────────────────────

// origin tells where an answer has to go.
type origin int

const (
	fromLocal origin = iota
	fromParent
	fromHeartbeat
)

// route remembers a request forwarded to a child under a hop id.
type route struct {
	origin     origin
	localID    uint64
	upstreamID uint64
	addr       protocol.Address
	action     string
	// data is kept for local requests only; their answers echo it.
	data json.RawMessage
}

// doomed is a route resolved with an error on the next step.
type doomed struct {
	rt  route
	err error
}

// localRequest is a request addressed to this hop.
type localRequest struct {
	origin     origin
	localID    uint64
	upstreamID uint64
	action     string
	data       json.RawMessage
}

type child struct {
	index   int
	spec    communicator.Spec
	comm    communicator.Communicator
	failed  error
	breaker *retry.Breaker
	pending map[uint64]route
	outbox  [][]byte

	lastActivity time.Time
	pingID       uint64
	pingSent     time.Time
}

func (c *child) usable() bool { return c.comm != nil && c.failed == nil }

// cause returns why c cannot carry requests.
func (c *child) cause() error {
	if c.failed != nil {
		return c.failed
	}
	return rerr.Connection(c.spec.Label(), rerr.ErrNotConnected)
}

// Repeater is one hop of the relay tree.
type Repeater struct {
	name       string
	baseLog    *util.Logger
	log        *util.Logger
	metrics    *metrics.Collector
	parent     communicator.Communicator
	parentErr  error
	factory    DispatcherFactory
	dispatcher Dispatcher
	heartbeat  time.Duration
	breakerCfg *retry.BreakerConfig
	commOpts   communicator.Options

	children  map[int]*child
	nextID    uint64
	local     []localRequest
	doomed    []doomed
	answers   []Answer
	parentOut [][]byte
	runErrs   []error

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a repeater with no children.
func New(opts ...Option) *Repeater {
	r := &Repeater{
		name:     "root",
		children: make(map[int]*child),
	}
	for _, o := range opts {
		o(r)
	}
	if r.baseLog == nil {
		r.baseLog = util.Nop()
	}
	r.log = r.baseLog.With(r.name)
	if r.wake == nil {
		r.wake = make(chan struct{}, 1)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.factory != nil {
		r.dispatcher = r.factory(r)
	}
	if p, ok := r.parent.(interface{ SetWake(chan<- struct{}) }); ok {
		p.SetWake(r.wake)
	}
	return r
}

// Name returns the hop name.
func (r *Repeater) Name() string { return r.name }

// Wake returns the channel signalled when a link has frames.
func (r *Repeater) Wake() <-chan struct{} { return r.wake }

// AddChild registers spec under index without connecting it.
func (r *Repeater) AddChild(index int, spec communicator.Spec) error {
	if r.closed {
		return rerr.ErrRepeaterClosed
	}
	if index < 0 {
		return &rerr.UnknownRouteError{Address: []int{index}, Index: index}
	}
	if _, ok := r.children[index]; ok {
		return &rerr.DuplicateChildError{Index: index}
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	c := &child{index: index, spec: spec, pending: make(map[uint64]route)}
	if r.breakerCfg != nil {
		c.breaker = retry.NewBreaker(r.breakerCfg)
	}
	r.children[index] = c
	r.log.Debug("child %d registered (%s)", index, spec.Label())
	return nil
}

// ConnectChild establishes the link to child index.  It is a no-op when
// the child is connected; a failed child gets a fresh communicator.
func (r *Repeater) ConnectChild(ctx context.Context, index int) error {
	if r.closed {
		return rerr.ErrRepeaterClosed
	}
	c, ok := r.children[index]
	if !ok {
		return &rerr.UnknownRouteError{Address: []int{index}, Index: index}
	}
	if c.usable() && c.comm.State() == communicator.Connected {
		return nil
	}
	label := c.spec.Label()
	if c.usable() {
		// The link went down and has not been polled since.
		r.markFailed(c, rerr.ErrNotConnected)
	}
	if err := c.breaker.Allow(); err != nil {
		return rerr.Connection(label, err)
	}
	if c.failed != nil {
		r.metrics.Reconnect()
		r.log.Info("child %d: reconnecting %s", index, label)
	}

	comm, err := r.newCommunicator(index, c.spec)
	if err == nil {
		err = comm.Connect(ctx)
		if err != nil {
			comm.Close() //nolint:errcheck
		}
	}
	c.breaker.Record(err)
	if err != nil {
		c.failed = rerr.Connection(label, err)
		r.metrics.RecordError(c.failed.Error())
		r.log.Warn("child %d: %v", index, c.failed)
		return c.failed
	}

	c.comm = comm
	c.failed = nil
	c.pingID = 0
	c.lastActivity = time.Now()
	r.metrics.ChildConnected()
	r.log.Verbose("child %d connected via %s", index, comm.Kind())
	return nil
}

// StartChild adds spec under the next free index and connects it.
func (r *Repeater) StartChild(ctx context.Context, spec communicator.Spec) (int, error) {
	index := 0
	for _, i := range r.Children() {
		if i >= index {
			index = i + 1
		}
	}
	if err := r.AddChild(index, spec); err != nil {
		return -1, err
	}
	if err := r.ConnectChild(ctx, index); err != nil {
		delete(r.children, index)
		return -1, err
	}
	return index, nil
}

// CloseChild disconnects and removes child index.  Its outstanding
// requests are answered with a ConnectionError.
func (r *Repeater) CloseChild(index int) error {
	c, ok := r.children[index]
	if !ok {
		return &rerr.UnknownRouteError{Address: []int{index}, Index: index}
	}
	r.doom(c, rerr.Connection(c.spec.Label(), rerr.ErrChildClosed))
	if c.comm != nil {
		if c.failed == nil {
			r.metrics.ChildDisconnected()
		}
		c.comm.Close() //nolint:errcheck
	}
	delete(r.children, index)
	r.log.Verbose("child %d closed", index)
	return nil
}

// Children returns the registered child indices in ascending order.
func (r *Repeater) Children() []int {
	out := make([]int, 0, len(r.children))
	for i := range r.children {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// ChildState reports the link state of child index.
func (r *Repeater) ChildState(index int) (communicator.State, error) {
	c, ok := r.children[index]
	if !ok {
		return communicator.Disconnected, &rerr.UnknownRouteError{Address: []int{index}, Index: index}
	}
	switch {
	case c.failed != nil:
		return communicator.Failed, nil
	case c.comm == nil:
		return communicator.Disconnected, nil
	default:
		return c.comm.State(), nil
	}
}

// SendRequest queues action for the hop at addr and returns the id its
// answer will carry.  An unknown first index fails at once; every
// other failure is delivered as an answer.
func (r *Repeater) SendRequest(addr protocol.Address, action string, data any) (uint64, error) {
	if r.closed {
		return 0, rerr.ErrRepeaterClosed
	}
	if err := addr.Validate(); err != nil {
		return 0, err
	}
	raw, err := protocol.EncodeData(data)
	if err != nil {
		return 0, err
	}

	if addr.IsLocal() {
		id := r.newID()
		r.local = append(r.local, localRequest{origin: fromLocal, localID: id, action: action, data: raw})
		r.metrics.RequestSent()
		return id, nil
	}

	c, ok := r.children[addr.Head()]
	if !ok {
		return 0, &rerr.UnknownRouteError{Address: addr, Index: addr.Head()}
	}
	id := r.newID()
	r.metrics.RequestSent()
	r.enqueue(c, id, route{origin: fromLocal, localID: id, addr: addr, action: action, data: raw},
		protocol.Request{ID: id, Address: addr.Tail(), Action: action, Data: raw})
	return id, nil
}

// HaveAnswer reports whether RecvRequest would return an answer.
func (r *Repeater) HaveAnswer() bool { return len(r.answers) > 0 }

// RecvRequest pops the oldest answer.
func (r *Repeater) RecvRequest() (Answer, error) {
	if len(r.answers) == 0 {
		return Answer{}, rerr.ErrNoAnswerAvailable
	}
	a := r.answers[0]
	r.answers = r.answers[1:]
	return a, nil
}

// TakeAnswer removes and returns the answer for id, if it arrived.
func (r *Repeater) TakeAnswer(id uint64) (Answer, bool) {
	for i, a := range r.answers {
		if a.ID == id {
			r.answers = append(r.answers[:i], r.answers[i+1:]...)
			return a, true
		}
	}
	return Answer{}, false
}

// Close disconnects every child and the parent link.
func (r *Repeater) Close() error {
	if r.closed {
		return nil
	}
	for _, i := range r.Children() {
		r.CloseChild(i) //nolint:errcheck
	}
	if c, ok := r.dispatcher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.log.Warn("close service: %v", err)
		}
	}
	r.closed = true
	r.cancel()
	if r.parent != nil {
		return r.parent.Close()
	}
	return nil
}

// ParentErr returns why the parent link was lost, or nil.
func (r *Repeater) ParentErr() error { return r.parentErr }

// Serve runs a node until ctx ends or its parent link is lost.  A parent
// that closed its end cleanly ends Serve without error.
func (r *Repeater) Serve(ctx context.Context, tick time.Duration) error {
	if r.parent != nil {
		if err := r.parent.Connect(ctx); err != nil {
			return err
		}
	}
	for ctx.Err() == nil {
		if err := r.Run(tick); err != nil {
			r.log.Warn("%v", err)
		}
		if r.parentErr != nil {
			if rerr.Is(r.parentErr, rerr.ErrChildClosed) {
				return nil
			}
			return r.parentErr
		}
	}
	return nil
}

func (r *Repeater) newID() uint64 {
	r.nextID++
	return r.nextID
}

// enqueue hands a request to child c, or dooms it when c cannot carry it.
func (r *Repeater) enqueue(c *child, id uint64, rt route, req protocol.Request) {
	if !c.usable() {
		r.doomed = append(r.doomed, doomed{rt: rt, err: c.cause()})
		return
	}
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		r.doomed = append(r.doomed, doomed{rt: rt, err: err})
		return
	}
	c.pending[id] = rt
	c.outbox = append(c.outbox, frame)
}

// doom moves every outstanding request of c to the doomed list in id
// order, so answers keep the order the requests were sent in.
func (r *Repeater) doom(c *child, err error) {
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.doomed = append(r.doomed, doomed{rt: c.pending[id], err: err})
	}
	c.pending = make(map[uint64]route)
	c.outbox = nil
	c.pingID = 0
}

// markFailed records the loss of c's link.
func (r *Repeater) markFailed(c *child, err error) {
	if c.failed != nil {
		return
	}
	ce := rerr.Connection(c.spec.Label(), err)
	c.failed = ce
	r.doom(c, ce)
	if c.comm != nil {
		c.comm.Close() //nolint:errcheck
		c.comm = nil
	}
	r.metrics.ChildDisconnected()
	r.metrics.RecordError(ce.Error())
	r.log.Warn("child %d failed: %v", c.index, err)
	r.runErrs = append(r.runErrs, ce)
}

func (r *Repeater) newCommunicator(index int, spec communicator.Spec) (communicator.Communicator, error) {
	if spec.Output == communicator.KindLocal {
		return newLocalLink(r, index, spec), nil
	}
	opts := r.commOpts
	opts.Logger = r.log.With(spec.Label())
	opts.Metrics = r.metrics
	opts.Wake = r.wake
	return communicator.New(spec, opts)
}
