// Package circuitbreaker implements the circuit breaker pattern used around
// the ledger client: repeated submission failures open the circuit so the
// recovery queue absorbs load instead of hammering a degraded RPC endpoint.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker state: closed passes requests through, open rejects
// them, half-open lets a probe quota test whether the endpoint recovered.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen rejects a request while the circuit is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects a request when the half-open probe quota
	// is already in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Counts tracks request outcomes within the current window. A window ends
// on every state change and, in closed state, every Interval.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is TotalFailures over Requests, 0 for an empty window.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Config tunes one breaker.
type Config struct {
	// Name labels log lines and state-change callbacks.
	Name string
	// MaxRequests caps in-flight probes in half-open state; that many
	// consecutive successes close the circuit again.
	MaxRequests uint32
	// Interval is the closed-state window length after which counts reset.
	// Zero keeps counts forever.
	Interval time.Duration
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration
	// ReadyToTrip inspects the window counts after each closed-state
	// failure; returning true opens the circuit.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange observes transitions.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig trips on a >50% failure ratio once the window holds at
// least five requests.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// LedgerConfig is the tuning used around ledger submissions: consecutive
// failures trip the circuit, and the open window roughly matches one
// recovery tick so retries resume as soon as the endpoint recovers.
func LedgerConfig() *Config {
	cfg := DefaultConfig("ledger-submit")
	cfg.Timeout = 30 * time.Second
	cfg.ReadyToTrip = func(c Counts) bool {
		return c.ConsecutiveFailures >= 3
	}
	return cfg
}

// CircuitBreaker guards one downstream dependency. All mutation happens
// under mu; the epoch counter invalidates results from requests that
// started before the most recent window or state change, so a slow call
// finishing late cannot corrupt the counts of the next window.
type CircuitBreaker struct {
	cfg *Config

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time // end of the closed-state window or open-state cooldown
}

// New creates a breaker in closed state. A nil config gets the defaults.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed}
	cb.rollWindow(time.Now())
	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State reports the current state, advancing open → half-open when the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	return cb.state
}

// Counts returns a snapshot of the current window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow reports whether a request would be admitted right now, without
// reserving a slot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	return cb.gate()
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.ExecuteContext(context.Background(), func(context.Context) (interface{}, error) {
		return fn()
	})
}

// ExecuteContext is Execute with a caller context threaded through. A panic
// in fn counts as a failure before propagating.
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	fn func(context.Context) (interface{}, error),
) (interface{}, error) {
	epoch, err := cb.acquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()
	out, err := fn(ctx)
	cb.settle(epoch, err == nil)
	return out, err
}

// acquire admits one request and returns the epoch it belongs to.
func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	if err := cb.gate(); err != nil {
		return cb.epoch, err
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

// settle records the outcome of a request admitted in the given epoch.
// Results from a superseded epoch are dropped.
func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	if ok {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
		return
	}
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch cb.state {
	case StateClosed:
		if cb.cfg.ReadyToTrip != nil && cb.cfg.ReadyToTrip(cb.counts) {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	}
}

// gate rejects requests the current state does not admit. Callers hold mu.
func (cb *CircuitBreaker) gate() error {
	switch {
	case cb.state == StateOpen:
		return ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return ErrTooManyRequests
	}
	return nil
}

// refresh advances time-driven transitions: a closed window past its
// deadline resets, an open cooldown past its deadline goes half-open.
// Callers hold mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.deadline.IsZero() && now.After(cb.deadline) {
			cb.rollWindow(now)
		}
	case StateOpen:
		if now.After(cb.deadline) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

// transition moves to a new state and starts a fresh window. Callers hold mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.rollWindow(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// rollWindow bumps the epoch, clears the counts, and arms the deadline for
// the new window. Callers hold mu (or own the breaker exclusively, as New
// does).
func (cb *CircuitBreaker) rollWindow(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		} else {
			cb.deadline = time.Time{}
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	default:
		cb.deadline = time.Time{}
	}
}
