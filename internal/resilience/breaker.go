package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is one of closed, open, half_open.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// halfOpenSuccesses is how many consecutive successes close a trial circuit.
const halfOpenSuccesses = 2

// CircuitBreaker is the fail-fast guard for one external dependency. It
// lives for the process lifetime and is mutated only through CanExecute,
// RecordSuccess and RecordFailure. Job executions run on goroutines, so all
// state is guarded by the mutex.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// CanExecute is the sole admission check. Polling it while open moves the
// breaker to half-open once the recovery timeout has elapsed, admitting
// exactly the polling caller.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets failure memory in closed state and walks a half-open
// breaker back to closed after enough consecutive successes.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
		return
	}
	b.failureCount = 0
}

// RecordFailure counts a failure; at the threshold the circuit opens, and a
// half-open breaker reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.successCount = 0
		return
	}
	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
	}
}

// BreakerStatus is a point-in-time snapshot for the admin surface.
type BreakerStatus struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	FailureThreshold int    `json:"failure_threshold"`
	LastFailure      string `json:"last_failure,omitempty"`
}

// Status returns a snapshot of the breaker.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerStatus{
		Name:             b.name,
		State:            string(b.state),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.UTC().Format(time.RFC3339)
	}
	return s
}

// BreakerSet holds the process-lifetime breaker per dependency class.
// Constructed once in main and passed down explicitly.
type BreakerSet struct {
	byDep map[Dependency]*CircuitBreaker
}

// NewBreakerSet builds independent breakers per dependency. Thresholds and
// recovery timeouts differ per class: the messaging platform tolerates more
// failures before tripping, audio transcription trips fastest.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{byDep: map[Dependency]*CircuitBreaker{
		DepLLM:       NewCircuitBreaker(string(DepLLM), 5, 30*time.Second),
		DepMessaging: NewCircuitBreaker(string(DepMessaging), 10, time.Minute),
		DepAudio:     NewCircuitBreaker(string(DepAudio), 3, 15*time.Second),
		DepStorage:   NewCircuitBreaker(string(DepStorage), 5, 30*time.Second),
	}}
}

// For returns the breaker for a known dependency class.
func (s *BreakerSet) For(dep Dependency) (*CircuitBreaker, error) {
	b, ok := s.byDep[dep]
	if !ok {
		return nil, fmt.Errorf("unknown dependency class %q", dep)
	}
	return b, nil
}

// Statuses snapshots every breaker, ordered by dependency name.
func (s *BreakerSet) Statuses() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(s.byDep))
	for _, dep := range []Dependency{DepLLM, DepMessaging, DepAudio, DepStorage} {
		if b, ok := s.byDep[dep]; ok {
			out = append(out, b.Status())
		}
	}
	return out
}
