// Package circuitbreaker stops calling a remote dependency after repeated
// failures and tries it again once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open or its half-open trial calls are used up.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// Cooldown is how long the circuit stays open before a trial call
	Cooldown time.Duration
	// Trials is how many calls are let through while half-open; that many
	// successes close the circuit again.
	Trials int
	// IsFailure decides which errors count against the dependency. Nil
	// counts every non-nil error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is called with the lock held; it must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a config tuned for object storage
func DefaultConfig(name string) Config {
	return Config{Name: name, MaxFailures: 5, Cooldown: 30 * time.Second, Trials: 2}
}

// CircuitBreaker guards calls to one dependency. Safe for concurrent use.
type CircuitBreaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int // calls admitted in the current half-open window
	passed   int // successful trial calls
	openedAt time.Time
}

// New creates a breaker in the closed state
func New(cfg Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		now:    time.Now,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open and records its outcome
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.Trials {
			return false
		}
		cb.trials++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.IsFailure(err) {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.passed++
			if cb.passed >= cb.cfg.Trials {
				cb.transition(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures, cb.trials, cb.passed = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	ev := cb.logger.Info()
	if to == StateOpen {
		ev = cb.logger.Warn()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open circuit whose cool-down has
// elapsed still reports open until the next call tries it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot is a point-in-time view for health reporting
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{Name: cb.cfg.Name, State: cb.state.String(), Failures: cb.failures}
	if cb.state != StateClosed {
		s.OpenedAt = cb.openedAt
	}
	return s
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}
