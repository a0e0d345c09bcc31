// Package breaker implements per-agent circuit breakers guarding agent dispatch.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open
// or the half-open probe budget is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the circuit breaker state
type State int

const (
	// StateClosed - normal operation, calls allowed
	StateClosed State = iota
	// StateOpen - failing, calls rejected until the timeout elapses
	StateOpen
	// StateHalfOpen - probing whether the agent recovered
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

// Config configures circuit breaker behavior
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`   // consecutive failures to open the circuit
	SuccessThreshold int           `yaml:"success_threshold"`   // consecutive half-open successes to close it
	Timeout          time.Duration `yaml:"timeout"`             // open-state wait before probing
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // probe budget per half-open window

	// OnStateChange, when set, is called on every transition. Invoked on its
	// own goroutine so slow observers never block the breaker.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// withDefaults fills zero fields so a partially specified config stays usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// Breaker tracks consecutive failures for a single agent. State is shared by
// every task dispatching to that agent, so all updates happen under the mutex;
// the mutex is never held across the wrapped call.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	totalCalls    int
	lastFailure   time.Time
	lastSuccess   time.Time
	lastChange    time.Time
}

// New creates a breaker for the named agent.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:       name,
		cfg:        cfg.withDefaults(),
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. Callers that use Allow must pair
// it with Mark to record the outcome; otherwise half-open probe slots leak.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.Timeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			b.halfOpenCalls = 1
			return nil
		}
		remaining := b.cfg.Timeout - time.Since(b.lastFailure)
		return fmt.Errorf("agent %s unavailable, retry in %s: %w", b.name, remaining.Round(time.Second), ErrCircuitOpen)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return fmt.Errorf("agent %s probe budget exhausted: %w", b.name, ErrCircuitOpen)
		}
		b.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// Mark records a call outcome. Pass nil for success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// Execute runs fn with breaker protection. The rejection error wraps
// ErrCircuitOpen; fn errors pass through unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Mark(err)
	return err
}

// ExecuteWithFallback runs fn with breaker protection, invoking fallback
// instead when the circuit rejects the call. The fallback result is not
// counted against the breaker.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}
	err := fn(ctx)
	b.Mark(err)
	return err
}

// Call runs a value-returning function with breaker protection.
// A package function because methods cannot take type parameters.
func Call[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.Mark(err)
	return result, err
}

// onSuccess requires b.mu held.
func (b *Breaker) onSuccess() {
	b.lastSuccess = time.Now()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
			slog.Info("circuit breaker closed, agent recovered", "agent", b.name)
		}

	case StateOpen:
		// Stale outcome from a call admitted before the circuit opened.
	}
}

// onFailure requires b.mu held.
func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
			slog.Warn("circuit breaker opened",
				"agent", b.name,
				"failures", b.failures,
				"retry_after", b.cfg.Timeout)
		}

	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
		b.halfOpenCalls = 0
		slog.Warn("circuit breaker reopened, probe failed", "agent", b.name)

	case StateOpen:
		// Already open, keep the failure timestamp fresh.
	}
}

// setState requires b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.lastChange = time.Now()
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	HalfOpenCalls int       `json:"halfOpenCalls"`
	TotalCalls    int       `json:"totalCalls"`
	LastFailure   time.Time `json:"lastFailure"`
	LastSuccess   time.Time `json:"lastSuccess"`
	LastChange    time.Time `json:"lastChange"`
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		HalfOpenCalls: b.halfOpenCalls,
		TotalCalls:    b.totalCalls,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		LastChange:    b.lastChange,
	}
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.lastChange = time.Now()
	if from != StateClosed {
		slog.Info("circuit breaker reset", "agent", b.name, "from", from.String())
	}
}
