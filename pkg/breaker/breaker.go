// Package breaker implements a per-tool circuit breaker. Repeated failures
// of one tool open its circuit so further calls fail fast instead of burning
// retry budget; a recovery timeout lets a probe through to test the tool.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Default configuration values.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 1
)

// ErrOpen is matched by errors.Is against *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected by an open circuit.
// RetryAfter is the earliest instant a probe will be allowed.
type OpenError struct {
	Tool       string
	RetryAfter time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("tool %q unavailable: circuit open, retry after %s",
		e.Tool, e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the probe-success count that closes a half-open circuit.
	SuccessThreshold int

	// now is injectable for tests; nil means time.Now.
	now func() time.Time
}

// DefaultConfig returns the standard thresholds (3 failures, 30s recovery,
// 1 probe success).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// WithClock returns a copy of the config using the given clock.
func (c Config) WithClock(now func() time.Time) Config {
	c.now = now
	return c
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Breaker tracks one tool's failure state. All state mutation is serialised
// by the mutex; the guarded call itself runs outside it.
type Breaker struct {
	cfg  Config
	tool string

	mu                sync.Mutex
	state             State
	failures          int // consecutive failures while Closed
	halfOpenSuccesses int
	openedAt          time.Time
}

// New creates a breaker for the named tool.
func New(tool string, cfg Config) *Breaker {
	return &Breaker{cfg: cfg.normalized(), tool: tool, state: Closed}
}

// Allow reports whether a call may proceed. An open circuit past its
// recovery timeout transitions to half-open and admits the probe; otherwise
// an *OpenError carrying the retry-after instant is returned.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		retryAt := b.openedAt.Add(b.cfg.RecoveryTimeout)
		if b.cfg.now().Before(retryAt) {
			return &OpenError{Tool: b.tool, RetryAfter: retryAt}
		}
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
		return nil
	default:
		return nil
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure registers a failed call. Any half-open failure reopens the
// circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.cfg.now()
	b.failures = 0
	b.halfOpenSuccesses = 0
}

// Execute guards fn with the breaker. The breaker lock is not held while fn
// runs.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Snapshot is a point-in-time view of one breaker for diagnostics.
type Snapshot struct {
	Tool              string    `json:"tool"`
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	OpenedAt          time.Time `json:"opened_at,omitzero"`
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Tool:              b.tool,
		State:             b.state,
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		OpenedAt:          b.openedAt,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one breaker per tool name.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to every new breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.normalized(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the tool, creating it on first use.
func (r *Registry) Get(tool string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[tool]; ok {
		return b
	}
	b := New(tool, r.cfg)
	r.breakers[tool] = b
	return b
}

// Snapshots returns a snapshot of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
