package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"catalog-proxy-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until cooldown passes
	StateHalfOpen              // one probe call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Events receives breaker transitions. Implementations must not block.
type Events interface {
	CircuitOpened(name string, failures int, cooldown time.Duration)
	CircuitRecovered(name string)
	HighFailureRate(name string, failures, threshold int)
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // upstream name, used in logs and events
	Threshold       int           // consecutive failures before opening
	Cooldown        time.Duration // how long to stay open before probing
	HalfOpenTimeout time.Duration // how long a probe may take before reopening
	Events          Events        // optional
	Now             func() time.Time
}

// CircuitBreaker guards one upstream. Only failures that say something about
// the upstream's health should be recorded; callers decide which those are.
type CircuitBreaker struct {
	name            string
	state           State
	failures        int
	threshold       int
	cooldown        time.Duration
	halfOpenTimeout time.Duration
	openedAt        time.Time
	halfOpenStart   time.Time
	events          Events
	now             func() time.Time
	mu              sync.RWMutex
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Threshold      int       `json:"threshold"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	RetryInSeconds float64   `json:"retry_in_seconds,omitempty"`
}

func New(cfg Config) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HalfOpenTimeout <= 0 {
		cfg.HalfOpenTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		state:           StateClosed,
		threshold:       cfg.Threshold,
		cooldown:        cfg.Cooldown,
		halfOpenTimeout: cfg.HalfOpenTimeout,
		events:          cfg.Events,
		now:             cfg.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. In HALF-OPEN only the call that
// triggered the transition is admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenStart = now
		log.Infof("%s Cooldown passed, probing upstream", logcolors.CircuitBreakerPrefix(cb.name))
		return true

	case StateHalfOpen:
		if now.Sub(cb.halfOpenStart) >= cb.halfOpenTimeout {
			cb.state = StateOpen
			cb.openedAt = now
			log.Warnf("%s Probe timed out, back to OPEN", logcolors.CircuitBreakerPrefix(cb.name))
		}
		return false

	default:
		return true
	}
}

// RecordSuccess closes a half-open breaker and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		log.Infof("%s Probe succeeded, CLOSED", logcolors.CircuitBreakerPrefix(cb.name))
		if cb.events != nil {
			cb.events.CircuitRecovered(cb.name)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// RecordFailure extends the failure streak and opens the breaker at threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failures++

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = now
		log.Warnf("%s Probe failed, back to OPEN", logcolors.CircuitBreakerPrefix(cb.name))
		if cb.events != nil {
			cb.events.CircuitOpened(cb.name, cb.failures, cb.cooldown)
		}

	case StateClosed:
		// Warn at 60% of threshold, but never on the first failure
		warnAt := max((cb.threshold*3)/5, 2)
		if cb.failures == warnAt && cb.failures < cb.threshold && cb.events != nil {
			cb.events.HighFailureRate(cb.name, cb.failures, cb.threshold)
		}
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = now
			log.Warnf("%s %d consecutive failures, OPEN for %v",
				logcolors.CircuitBreakerPrefix(cb.name), cb.failures, cb.cooldown)
			if cb.events != nil {
				cb.events.CircuitOpened(cb.name, cb.failures, cb.cooldown)
			}
		}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.halfOpenStart = time.Time{}
	log.Infof("%s Manually reset to CLOSED", logcolors.CircuitBreakerPrefix(cb.name))
}

// TimeUntilRetry is the remaining cooldown when OPEN, the remaining probe
// window when HALF-OPEN, and zero when CLOSED.
func (cb *CircuitBreaker) TimeUntilRetry() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.timeUntilRetry(cb.now())
}

func (cb *CircuitBreaker) timeUntilRetry(now time.Time) time.Duration {
	var left time.Duration
	switch cb.state {
	case StateOpen:
		left = cb.cooldown - now.Sub(cb.openedAt)
	case StateHalfOpen:
		left = cb.halfOpenTimeout - now.Sub(cb.halfOpenStart)
	}
	return max(left, 0)
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Snapshot{
		Name:           cb.name,
		State:          cb.state.String(),
		Failures:       cb.failures,
		Threshold:      cb.threshold,
		LastFailure:    cb.openedAt,
		RetryInSeconds: cb.timeUntilRetry(cb.now()).Seconds(),
	}
}
