package integration

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mescon/Requestarr/internal/clock"
)

// CircuitState is the state of one provider's breaker.
type CircuitState int

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until ResetTimeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in health responses.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the defaults used for every provider.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// ErrCircuitOpen is returned when a provider's breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open: provider unavailable")

// CircuitBreaker guards a single provider. A provider that keeps failing is
// cut off for ResetTimeout so sync batches fail fast instead of queueing up
// behind timeouts.
type CircuitBreaker struct {
	mu     sync.Mutex
	clock  clock.Clock
	config CircuitBreakerConfig

	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
}

// NewCircuitBreaker creates a breaker on the real clock.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, clock.NewRealClock())
}

func newCircuitBreaker(config CircuitBreakerConfig, c clock.Clock) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{
		clock:           c,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: c.Now(),
	}
}

// Allow reports whether a call may proceed. Callers must follow up with
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.clock.Now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		return true
	}
	cb.totalRejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	case CircuitOpen:
		cb.transition(CircuitHalfOpen)
		cb.successes = 1
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.state = to
	cb.lastStateChange = cb.clock.Now()
	cb.successes = 0
	if to == CircuitClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot for the health endpoint.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalRejected:       cb.totalRejected,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
}

type CircuitBreakerStats struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureTime     time.Time    `json:"last_failure_time"`
	LastStateChange     time.Time    `json:"last_state_change"`
	TotalFailures       int64        `json:"total_failures"`
	TotalSuccesses      int64        `json:"total_successes"`
	TotalRejected       int64        `json:"total_rejected"`
}

// CircuitBreakerRegistry holds one breaker per provider name.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	clock    clock.Clock
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistryWithClock(config, clock.NewRealClock())
}

// NewCircuitBreakerRegistryWithClock lets tests control breaker timing.
func NewCircuitBreakerRegistryWithClock(config CircuitBreakerConfig, c clock.Clock) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		clock:    c,
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = newCircuitBreaker(r.config, r.clock)
	r.breakers[name] = cb
	return cb
}

// Names returns the registered provider names, sorted.
func (r *CircuitBreakerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *CircuitBreakerRegistry) AllStats() map[string]CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]CircuitBreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
