package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Allow] while dialing is
// suspended.
var ErrBreakerOpen = errors.New("breaker open")

// ── Breaker state ────────────────────────────────────────────────────

// State is the breaker's operational state.
type State int

const (
	// StateClosed lets every dial through.
	StateClosed State = iota
	// StateOpen rejects dials until the cool-down elapses.
	StateOpen
	// StateProbing lets dials through again; one failure reopens.
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials before the
	// breaker opens (default 3).
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing
	// (default 30s).
	Cooldown time.Duration
	// OnStateChange is called on every transition, under the lock.
	OnStateChange func(from, to State)
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker counts consecutive failed dials to one hop and refuses
// further dials for a cool-down once a threshold is crossed.  A nil
// *Breaker allows everything.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	maxFailures   int
	cooldown      time.Duration
	openedAt      time.Time
	now           func() time.Time
	onStateChange func(from, to State)
}

// NewBreaker creates a breaker from cfg; a nil cfg uses the defaults.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	if cfg == nil {
		cfg = &BreakerConfig{}
	}
	b := &Breaker{
		maxFailures:   cfg.MaxFailures,
		cooldown:      cfg.Cooldown,
		now:           time.Now,
		onStateChange: cfg.OnStateChange,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Allow reports whether a dial may proceed.  It returns an error
// wrapping [ErrBreakerOpen] while the breaker is open.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		b.transition(StateProbing)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		ErrBreakerOpen, b.failures, (b.cooldown - elapsed).Truncate(time.Millisecond))
}

// Record feeds the outcome of a dial back into the breaker.
func (b *Breaker) Record(err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if b.state == StateProbing || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transition(StateClosed)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
