// Package circuitbreaker protects the kernel admin HTTP surface from
// cascading failures when the kernel host is degraded or unreachable:
// each of Create/Delete gets its own breaker so a string of failed
// creates doesn't also start tripping deletes, and vice versa.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker's lifecycle state.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the dependency recovered
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
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures one circuit breaker's trip/reset behavior.
type Config struct {
	Name          string
	MaxRequests   uint32                      // requests allowed through while half-open
	Interval      time.Duration               // closed-state window after which counts reset
	Timeout       time.Duration               // open-state duration before probing half-open
	ReadyToTrip   func(counts Counts) bool    // evaluated after every closed-state failure
	OnStateChange func(name string, from, to State)
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker guards one dependency call behind closed/open/half-open
// state, generation-tagged so a stale in-flight call can't corrupt the
// counts of a generation that has already reset.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a circuit breaker from cfg. cfg must not be nil.
func New(cfg *Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the current state, advancing open→half-open if the
// open-state timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// ExecuteContext runs req if the breaker allows it, recording the
// outcome against the breaker's counts.
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	req func(context.Context) (interface{}, error),
) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return // stale result from a generation that has already reset
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

// AdminBreakers holds the two circuit breakers guarding the kernel
// admin surface's create and delete calls (§4.3).
type AdminBreakers struct {
	Create *CircuitBreaker
	Delete *CircuitBreaker
}

// NewAdminBreakers builds the kernel-admin-specific circuit breakers.
func NewAdminBreakers() *AdminBreakers {
	onTrip := func(name string, from, to State) {
		slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
	}

	// Create: 3 consecutive failures trip, 30s timeout before retrying
	// the admin surface (matches the spec's own admin-call wall clock).
	create := New(&Config{
		Name:        "kernel-create",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: onTrip,
	})

	// Delete: best-effort by spec (§4.3), so trip more readily — a down
	// admin surface shouldn't block eviction bookkeeping on repeated
	// delete timeouts.
	del := New(&Config{
		Name:        "kernel-delete",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
		OnStateChange: onTrip,
	})

	return &AdminBreakers{Create: create, Delete: del}
}

// StateSnapshot reports each breaker's current state, keyed by name, for
// the operator-facing /stats endpoint.
func (a *AdminBreakers) StateSnapshot() map[string]string {
	return map[string]string{
		a.Create.cfg.Name: a.Create.State().String(),
		a.Delete.cfg.Name: a.Delete.State().String(),
	}
}
