// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. The indexer keys it by RPC
// endpoint so a dead node stops being hammered every poll.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit rejects the call.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "htlcrelay",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "htlcrelay",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source used for the open window.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// Breaker tracks consecutive failures per key and trips open when they
// reach the threshold. After openDuration one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	clock        clock.Clock
	onTransition func(key string, from, to State)
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		clock:        clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback invoked synchronously on state changes. It
// must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Do runs fn if the circuit for key allows it and records the result.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a request to key should go through. An open
// circuit whose window has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.clock.Now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure, tripping the circuit at the threshold or
// re-opening it if the probe failed.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	e.failures++
	e.lastFailure = b.clock.Now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Caller holds b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	cbState.WithLabelValues(key).Set(float64(to))
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
