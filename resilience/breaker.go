package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrOpen is returned by Execute when the circuit is open and the call
	// was rejected without being attempted.
	ErrOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for the circuit breaker
type Config struct {
	// MaxFailures is the maximum number of consecutive failures before
	// opening the circuit
	MaxFailures int

	// CoolDown is how long to wait before transitioning from Open to Half-Open
	CoolDown time.Duration

	// MaxProbes is the max in-flight probe requests allowed in Half-Open state
	MaxProbes int

	// SuccessThreshold is the number of consecutive successes needed in
	// Half-Open to go back to Closed
	SuccessThreshold int

	// Clock overrides the time source, used by tests to avoid sleeping
	Clock func() time.Time
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		CoolDown:         30 * time.Second,
		MaxProbes:        1,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern around an unreliable
// dependency. Callers wrap each call in Execute; the function itself is
// responsible for honoring any context deadline.
type Breaker struct {
	config Config
	now    func() time.Time

	// Atomic counters
	state           int32 // State
	failures        int32
	successes       int32
	probes          int32
	lastFailureTime int64 // Unix nano

	mu sync.Mutex
}

// NewBreaker creates a new circuit breaker with the given configuration
func NewBreaker(config Config) *Breaker {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		config: config,
		now:    now,
		state:  int32(StateClosed),
	}
}

// Execute wraps a function call with circuit breaker logic. A rejected call
// returns ErrOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// beforeRequest checks if the request should be allowed
func (b *Breaker) beforeRequest() error {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return nil

	case StateOpen:
		if b.shouldAttemptReset() {
			b.transitionToHalfOpen()
			atomic.AddInt32(&b.probes, 1)
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		// Limit concurrent probes in half-open state
		if atomic.LoadInt32(&b.probes) >= int32(b.config.MaxProbes) {
			return ErrOpen
		}
		atomic.AddInt32(&b.probes, 1)
		return nil

	default:
		return ErrOpen
	}
}

// afterRequest is called after a request completes
func (b *Breaker) afterRequest() {
	if State(atomic.LoadInt32(&b.state)) == StateHalfOpen {
		atomic.AddInt32(&b.probes, -1)
	}
}

// onSuccess is called when a request succeeds
func (b *Breaker) onSuccess() {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		atomic.StoreInt32(&b.failures, 0)

	case StateHalfOpen:
		successes := atomic.AddInt32(&b.successes, 1)
		if int(successes) >= b.config.SuccessThreshold {
			b.transitionToClosed()
		}
	}
}

// onFailure is called when a request fails
func (b *Breaker) onFailure() {
	failures := atomic.AddInt32(&b.failures, 1)
	atomic.StoreInt64(&b.lastFailureTime, b.now().UnixNano())

	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		if int(failures) >= b.config.MaxFailures {
			b.transitionToOpen()
		}

	case StateHalfOpen:
		b.transitionToOpen()
	}
}

// shouldAttemptReset checks if enough time has passed to attempt a reset
func (b *Breaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&b.lastFailureTime)
	return b.now().Sub(time.Unix(0, lastFailure)) >= b.config.CoolDown
}

func (b *Breaker) transitionToClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(StateClosed))
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)
	atomic.StoreInt32(&b.probes, 0)
}

func (b *Breaker) transitionToOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(StateOpen))
	atomic.StoreInt64(&b.lastFailureTime, b.now().UnixNano())
}

func (b *Breaker) transitionToHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(StateHalfOpen))
	atomic.StoreInt32(&b.successes, 0)
	atomic.StoreInt32(&b.probes, 0)
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Failures returns the current consecutive failure count
func (b *Breaker) Failures() int {
	return int(atomic.LoadInt32(&b.failures))
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.transitionToClosed()
}

// Stats holds a point-in-time snapshot of the circuit breaker
type Stats struct {
	State     State
	Failures  int
	Successes int
	Probes    int
}

// Stats returns current statistics
func (b *Breaker) Stats() Stats {
	return Stats{
		State:     b.State(),
		Failures:  b.Failures(),
		Successes: int(atomic.LoadInt32(&b.successes)),
		Probes:    int(atomic.LoadInt32(&b.probes)),
	}
}
