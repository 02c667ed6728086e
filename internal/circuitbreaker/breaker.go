// Package circuitbreaker protects outbound services from being hammered while
// they keep failing. The simulation dispatcher uses it to fail fast.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new operations allowed
	StateHalfOpen              // Testing if the service has recovered
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
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Failure is one recorded failed operation.
type Failure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// CircuitBreaker trips after too many consecutive failures, rejects calls for
// the reset delay, then lets calls through in half-open state until enough of
// them succeed.
type CircuitBreaker struct {
	// Configuration thresholds for triggering the circuit breaker
	thresholds Thresholds

	// Current state of the circuit breaker (Closed, Open, HalfOpen)
	state State

	// Timestamp of the last circuit trip
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	// Mutex for thread safety
	mu sync.RWMutex

	// Consecutive failures while closed
	failureCount int

	// Recent failures, bounded
	failureHistory []Failure

	// Count of consecutive successful operations in HalfOpen state
	successCount int

	// Number of successful operations required to close circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string, recent []Failure)

	// Clock, replaced in tests
	now func() time.Time
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Consecutive failures that open the circuit
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 1
	}
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful operations needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, recent []Failure)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether an operation may proceed. An open circuit whose reset
// delay has elapsed moves to half-open and lets the operation through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if cb.now().Sub(lastTripTime) > cb.resetDelay {
		cb.transitionToHalfOpen()
		return nil
	}
	return fmt.Errorf("%w: retry after %s", ErrOpen, lastTripTime.Add(cb.resetDelay).Format(time.RFC3339))
}

// RecordSuccess notes a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: service has recovered")
		}
	}
}

// RecordFailure notes a failed operation and trips the circuit when the
// threshold is reached. Any failure in half-open state trips it again.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.addToHistory(reason)

	switch cb.state {
	case StateHalfOpen:
		cb.trip(fmt.Sprintf("failure while half-open: %s", reason))
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.thresholds.MaxConsecutiveFailures {
			cb.trip(fmt.Sprintf("%d consecutive failures, last: %s", cb.failureCount, reason))
		}
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failureCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// RecentFailures returns a copy of the bounded failure history
func (cb *CircuitBreaker) RecentFailures() []Failure {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if len(cb.failureHistory) == 0 {
		return nil
	}
	recent := make([]Failure, len(cb.failureHistory))
	copy(recent, cb.failureHistory)
	return recent
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing service recovery")
	}
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		recent := make([]Failure, len(cb.failureHistory))
		copy(recent, cb.failureHistory)
		go cb.onTripCallback(reason, recent)
	}
}

// addToHistory records a failure, maintaining a bounded size
func (cb *CircuitBreaker) addToHistory(reason string) {
	cb.failureHistory = append(cb.failureHistory, Failure{Reason: reason, At: cb.now()})

	const maxHistorySize = 100
	if len(cb.failureHistory) > maxHistorySize {
		cb.failureHistory = cb.failureHistory[len(cb.failureHistory)-maxHistorySize:]
	}
}
