package repeater

import (
	"encoding/json"
	"time"

	rerr "jobrelay/internal/errors"
	"jobrelay/internal/protocol"
)

// pong is the result of a ping.
const pong = "pong"

// Run is the single synchronisation point of the tree.  Each step
// drains every inbound link, dispatches requests for this hop, checks
// heartbeats and flushes every outbound queue.  Run returns once an
// answer became available or timeout elapsed, and never blocks longer
// than timeout.  The returned error joins the ConnectionErrors of the
// children that failed during this call.
func (r *Repeater) Run(timeout time.Duration) error {
	if r.closed {
		return rerr.ErrRepeaterClosed
	}
	r.runErrs = nil
	deadline := time.Now().Add(timeout)
	before := len(r.answers)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for passes := 0; ; {
		progressed := r.step()
		passes++
		if len(r.answers) > before {
			break
		}
		if progressed && passes < maxPasses {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}
		select {
		case <-r.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
		passes = 0
	}
	return rerr.Join(r.runErrs...)
}

// step performs one pass and reports whether anything happened.
func (r *Repeater) step() bool {
	progressed := r.drainParent()
	if r.drainChildren() {
		progressed = true
	}
	if r.checkHeartbeats() {
		progressed = true
	}
	if r.resolveDoomed() {
		progressed = true
	}
	if r.dispatchLocal() {
		progressed = true
	}
	if r.flush() {
		progressed = true
	}
	return progressed
}

// ── inbound ──────────────────────────────────────────────────────────

func (r *Repeater) drainParent() bool {
	if r.parent == nil || r.parentErr != nil {
		return false
	}
	frames, err := r.parent.Poll()
	for _, f := range frames {
		frame, derr := protocol.Decode(f)
		if derr != nil {
			r.log.Warn("parent: dropping frame: %v", derr)
			continue
		}
		if frame.Type != protocol.TypeRequest {
			r.log.Debug("parent: ignoring %s frame", frame.Type)
			continue
		}
		r.acceptFromParent(*frame.Request)
	}
	if err != nil {
		r.parentErr = err
		r.log.Verbose("parent link lost: %v", err)
		return true
	}
	return len(frames) > 0
}

func (r *Repeater) acceptFromParent(req protocol.Request) {
	addr := req.Address
	if err := addr.Validate(); err != nil {
		r.respondUpstream(req.ID, nil, err)
		return
	}
	if addr.IsLocal() {
		r.local = append(r.local, localRequest{
			origin:     fromParent,
			upstreamID: req.ID,
			action:     req.Action,
			data:       req.Data,
		})
		return
	}

	c, ok := r.children[addr.Head()]
	if !ok {
		r.respondUpstream(req.ID, nil, &rerr.UnknownRouteError{Address: addr, Index: addr.Head()})
		return
	}
	id := r.newID()
	r.metrics.RequestForwarded()
	r.enqueue(c, id, route{origin: fromParent, upstreamID: req.ID, addr: addr, action: req.Action},
		protocol.Request{ID: id, Address: addr.Tail(), Action: req.Action, Data: req.Data})
}

func (r *Repeater) drainChildren() bool {
	progressed := false
	now := time.Now()
	for _, i := range r.Children() {
		c := r.children[i]
		if !c.usable() {
			continue
		}
		frames, err := c.comm.Poll()
		if len(frames) > 0 {
			c.lastActivity = now
			progressed = true
		}
		for _, f := range frames {
			r.handleChildFrame(c, f)
		}
		if err != nil {
			r.markFailed(c, err)
			progressed = true
		}
	}
	return progressed
}

func (r *Repeater) handleChildFrame(c *child, f []byte) {
	frame, err := protocol.Decode(f)
	if err != nil {
		r.log.Warn("child %d: dropping frame: %v", c.index, err)
		return
	}
	if frame.Type != protocol.TypeResponse {
		r.log.Debug("child %d: ignoring %s frame", c.index, frame.Type)
		return
	}
	resp := frame.Response
	rt, ok := c.pending[resp.ID]
	if !ok {
		r.log.Debug("child %d: %v %d", c.index, rerr.ErrUnknownCorrelation, resp.ID)
		return
	}
	delete(c.pending, resp.ID)
	if resp.ID == c.pingID {
		c.pingID = 0
	}
	r.resolve(rt, resp.Result, rerr.FromWire(resp.Kind, resp.Error))
}

// resolve delivers the outcome of a routed request to where it came from.
func (r *Repeater) resolve(rt route, result json.RawMessage, err error) {
	switch rt.origin {
	case fromHeartbeat:
		if err == nil {
			r.metrics.RecordHeartbeat()
		}
	case fromParent:
		r.respondUpstream(rt.upstreamID, result, err)
	default:
		r.answers = append(r.answers, Answer{
			ID:      rt.localID,
			Address: rt.addr,
			Action:  rt.action,
			Data:    rt.data,
			Result:  result,
			Err:     err,
		})
		r.metrics.AnswerReceived(err != nil)
	}
}

func (r *Repeater) resolveDoomed() bool {
	if len(r.doomed) == 0 {
		return false
	}
	ds := r.doomed
	r.doomed = nil
	for _, d := range ds {
		r.resolve(d.rt, nil, d.err)
	}
	return true
}

// ── heartbeat ────────────────────────────────────────────────────────

func (r *Repeater) checkHeartbeats() bool {
	if r.heartbeat <= 0 {
		return false
	}
	progressed := false
	now := time.Now()
	for _, i := range r.Children() {
		c := r.children[i]
		if !c.usable() {
			continue
		}
		if c.pingID != 0 {
			since := c.pingSent
			if c.lastActivity.After(since) {
				since = c.lastActivity
			}
			if now.Sub(since) > 2*r.heartbeat {
				r.markFailed(c, rerr.ErrHeartbeatTimeout)
				progressed = true
			}
			continue
		}
		if now.Sub(c.lastActivity) >= r.heartbeat {
			id := r.newID()
			r.enqueue(c, id, route{origin: fromHeartbeat, action: protocol.ActionPing},
				protocol.Request{ID: id, Action: protocol.ActionPing})
			c.pingID = id
			c.pingSent = now
			progressed = true
		}
	}
	return progressed
}

// ── local dispatch ───────────────────────────────────────────────────

func (r *Repeater) dispatchLocal() bool {
	if len(r.local) == 0 {
		return false
	}
	reqs := r.local
	r.local = nil
	for _, req := range reqs {
		result, err := r.serve(req.action, req.data)
		var raw json.RawMessage
		if err == nil {
			raw, err = protocol.EncodeData(result)
		}
		if req.origin == fromParent {
			r.respondUpstream(req.upstreamID, raw, err)
			continue
		}
		r.answers = append(r.answers, Answer{
			ID:      req.localID,
			Address: protocol.Address{},
			Action:  req.action,
			Data:    req.data,
			Result:  raw,
			Err:     err,
		})
		r.metrics.AnswerReceived(err != nil)
	}
	return true
}

func (r *Repeater) serve(action string, data json.RawMessage) (any, error) {
	if action == protocol.ActionPing {
		return pong, nil
	}
	if r.dispatcher == nil {
		return nil, rerr.ErrNoService
	}
	r.metrics.RequestServed()
	r.log.Debug("dispatching %s", action)
	return r.dispatcher.Dispatch(r.ctx, action, data)
}

// ── outbound ─────────────────────────────────────────────────────────

func (r *Repeater) respondUpstream(id uint64, result json.RawMessage, err error) {
	resp := protocol.Response{ID: id, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
		resp.Kind = rerr.KindOf(err)
	}
	frame, eerr := protocol.EncodeResponse(resp)
	if eerr != nil {
		r.log.Error("encode response %d: %v", id, eerr)
		return
	}
	r.parentOut = append(r.parentOut, frame)
}

func (r *Repeater) flush() bool {
	progressed := false
	for _, i := range r.Children() {
		c := r.children[i]
		if !c.usable() || len(c.outbox) == 0 {
			continue
		}
		out := c.outbox
		c.outbox = nil
		for _, f := range out {
			if err := c.comm.Send(f); err != nil {
				r.markFailed(c, err)
				break
			}
		}
		progressed = true
	}

	if r.parentErr != nil {
		r.parentOut = nil
	}
	if len(r.parentOut) > 0 && r.parent != nil && r.parentErr == nil {
		out := r.parentOut
		r.parentOut = nil
		for _, f := range out {
			if err := r.parent.Send(f); err != nil {
				r.parentErr = rerr.Connection("parent", err)
				r.log.Warn("parent link lost: %v", err)
				break
			}
		}
		progressed = true
	}
	return progressed
}
