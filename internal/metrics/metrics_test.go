package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Children(t *testing.T) {
	c := New()

	c.ChildConnected()
	c.ChildConnected()
	if c.ActiveChildren() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveChildren())
	}

	c.ChildDisconnected()
	if c.ActiveChildren() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveChildren())
	}
	if snap := c.Snapshot(); snap.ChildrenTotal != 2 {
		t.Errorf("total should remain 2, got %d", snap.ChildrenTotal)
	}
}

func TestCollector_Requests(t *testing.T) {
	c := New()

	c.RequestSent()
	c.RequestForwarded()
	c.RequestForwarded()
	c.RequestServed()
	c.AnswerReceived(false)
	c.AnswerReceived(true)

	if c.RequestsSent() != 1 {
		t.Errorf("sent = %d, want 1", c.RequestsSent())
	}
	if c.RequestsForwarded() != 2 {
		t.Errorf("forwarded = %d, want 2", c.RequestsForwarded())
	}
	if c.RequestsServed() != 1 {
		t.Errorf("served = %d, want 1", c.RequestsServed())
	}
	if c.AnswersReceived() != 2 {
		t.Errorf("answers = %d, want 2", c.AnswersReceived())
	}
	if snap := c.Snapshot(); snap.AnswersFailed != 1 {
		t.Errorf("failed answers = %d, want 1", snap.AnswersFailed)
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_Reconnects(t *testing.T) {
	c := New()

	c.Reconnect()
	c.Reconnect()
	c.Reconnect()

	if c.Reconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.Reconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_Heartbeat(t *testing.T) {
	c := New()
	c.RecordHeartbeat()

	snap := c.Snapshot()
	if snap.LastHeartbeat == "" {
		t.Error("expected non-empty heartbeat timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ChildConnected()
	c.BytesReceived(100)
	c.BytesSent(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.ChildrenActive != 1 {
		t.Errorf("snap active = %d", snap.ChildrenActive)
	}
	if snap.BytesIn != 100 {
		t.Errorf("snap bytes in = %d", snap.BytesIn)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ChildConnected()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.ChildrenActive != 1 {
		t.Errorf("JSON active = %d", snap.ChildrenActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.RequestSent()
	c.RequestForwarded()
	c.RequestServed()
	c.AnswerReceived(true)
	c.ChildConnected()
	c.ChildDisconnected()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.Reconnect()
	c.RecordError("test")
	c.RecordHeartbeat()

	if c.ActiveChildren() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.ChildrenActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
