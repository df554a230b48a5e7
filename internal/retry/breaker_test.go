package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests move the breaker past its cool-down.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(&BreakerConfig{MaxFailures: maxFailures, Cooldown: cooldown})
	b.now = clk.now
	return b, clk
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow: %v", err)
		}
		b.Record(nil)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", b.CurrentState())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		b.Record(fmt.Errorf("dial failed"))
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", b.CurrentState())
	}
	err := b.Allow()
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Allow = %v, want ErrBreakerOpen", err)
	}
	if b.Failures() != 3 {
		t.Errorf("failures = %d, want 3", b.Failures())
	}
}

func TestBreaker_ProbeRecovers(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.Record(fmt.Errorf("fail"))

	clk.advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after cool-down: %v", err)
	}
	if b.CurrentState() != StateProbing {
		t.Fatalf("state = %v, want probing", b.CurrentState())
	}
	b.Record(nil)
	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", b.CurrentState())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(5, time.Second)
	for i := 0; i < 5; i++ {
		b.Record(fmt.Errorf("fail"))
	}
	clk.advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	b.Record(fmt.Errorf("still down"))
	if b.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open", b.CurrentState())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	b.Record(fmt.Errorf("fail"))
	b.Record(fmt.Errorf("fail"))
	b.Record(nil)
	b.Record(fmt.Errorf("fail"))
	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", b.CurrentState())
	}
	if b.Failures() != 1 {
		t.Errorf("failures = %d, want 1", b.Failures())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.Record(fmt.Errorf("fail"))
	b.Reset()
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after Reset: %v", err)
	}
}

func TestBreaker_StateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker(&BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.Record(fmt.Errorf("fail"))
	b.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Nil(t *testing.T) {
	var b *Breaker
	if err := b.Allow(); err != nil {
		t.Errorf("nil Allow: %v", err)
	}
	b.Record(fmt.Errorf("ignored"))
	b.Reset()
	if b.CurrentState() != StateClosed {
		t.Error("nil breaker should report closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateProbing, "probing"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
