// Package metrics provides lock-free counters and gauges for a relay
// hop: request traffic, child connections and transport bytes.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one hop.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	requestsSent      atomic.Int64
	requestsForwarded atomic.Int64
	requestsServed    atomic.Int64
	answersReceived   atomic.Int64
	answersFailed     atomic.Int64
	childrenActive    atomic.Int64
	childrenTotal     atomic.Int64
	reconnects        atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	errorsTotal       atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastHeartbeat time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Request traffic ──────────────────────────────────────────────────

// RequestSent records a request originated at this hop.
func (c *Collector) RequestSent() {
	if c == nil {
		return
	}
	c.requestsSent.Add(1)
}

// RequestForwarded records a request relayed from the parent to a child.
func (c *Collector) RequestForwarded() {
	if c == nil {
		return
	}
	c.requestsForwarded.Add(1)
}

// RequestServed records a request dispatched to the local service.
func (c *Collector) RequestServed() {
	if c == nil {
		return
	}
	c.requestsServed.Add(1)
}

// AnswerReceived records an answer delivered to the local answer
// queue; failed answers are counted separately as well.
func (c *Collector) AnswerReceived(failed bool) {
	if c == nil {
		return
	}
	c.answersReceived.Add(1)
	if failed {
		c.answersFailed.Add(1)
	}
}

// RequestsSent returns the number of locally originated requests.
func (c *Collector) RequestsSent() int64 {
	if c == nil {
		return 0
	}
	return c.requestsSent.Load()
}

// RequestsForwarded returns the number of relayed requests.
func (c *Collector) RequestsForwarded() int64 {
	if c == nil {
		return 0
	}
	return c.requestsForwarded.Load()
}

// RequestsServed returns the number of locally dispatched requests.
func (c *Collector) RequestsServed() int64 {
	if c == nil {
		return 0
	}
	return c.requestsServed.Load()
}

// AnswersReceived returns the number of answers queued at this hop.
func (c *Collector) AnswersReceived() int64 {
	if c == nil {
		return 0
	}
	return c.answersReceived.Load()
}

// ── Child connections ────────────────────────────────────────────────

// ChildConnected increments both the active and total counters.
func (c *Collector) ChildConnected() {
	if c == nil {
		return
	}
	c.childrenActive.Add(1)
	c.childrenTotal.Add(1)
}

// ChildDisconnected decrements the active child counter.
func (c *Collector) ChildDisconnected() {
	if c == nil {
		return
	}
	c.childrenActive.Add(-1)
}

// ActiveChildren returns the number of connected children.
func (c *Collector) ActiveChildren() int64 {
	if c == nil {
		return 0
	}
	return c.childrenActive.Load()
}

// Reconnect records an explicit reconnection of a failed child.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnection count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ── I/O ──────────────────────────────────────────────────────────────

// BytesReceived records n bytes of frames read from a transport.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes of frames written to a transport.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Errors and health ────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// RecordHeartbeat updates the last answered heartbeat timestamp.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	RequestsSent      int64  `json:"requests_sent"`
	RequestsForwarded int64  `json:"requests_forwarded"`
	RequestsServed    int64  `json:"requests_served"`
	AnswersReceived   int64  `json:"answers_received"`
	AnswersFailed     int64  `json:"answers_failed"`
	ChildrenActive    int64  `json:"children_active"`
	ChildrenTotal     int64  `json:"children_total"`
	Reconnects        int64  `json:"reconnects"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastHeartbeat     string `json:"last_heartbeat,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		RequestsSent:      c.requestsSent.Load(),
		RequestsForwarded: c.requestsForwarded.Load(),
		RequestsServed:    c.requestsServed.Load(),
		AnswersReceived:   c.answersReceived.Load(),
		AnswersFailed:     c.answersFailed.Load(),
		ChildrenActive:    c.childrenActive.Load(),
		ChildrenTotal:     c.childrenTotal.Load(),
		Reconnects:        c.reconnects.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastHeartbeat.IsZero() {
		s.LastHeartbeat = c.lastHeartbeat.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
