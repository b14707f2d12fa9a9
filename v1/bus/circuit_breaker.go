package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Broker so that publishes fail fast with
// ErrCircuitOpen after threshold consecutive failures, until timeout has
// passed and a single probe succeeds. It never retries.
type CircuitBreaker struct {
	Broker
	logger    logging.Logger
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around b.
func NewCircuitBreaker(b Broker, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		Broker:    b,
		logger:    logging.New("circuit-breaker"),
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if publishes are currently let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves Open to HalfOpen once the timeout has passed. Only one probe
// is let through while half-open.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateHalfOpen {
		cb.logger.Infow("publish path recovered")
	}
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || (cb.state == stateClosed && cb.failures >= cb.threshold) {
		cb.logger.Warnw("publish path failing, circuit open", "failures", cb.failures, "retry_after", cb.timeout)
		cb.state = stateOpen
	}
}

// Publish implements Broker.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	if !cb.allow() {
		return 0, ErrCircuitOpen
	}
	n, err := cb.Broker.Publish(ctx, channel, data)
	if err != nil {
		cb.onFailure()
		return 0, err
	}
	cb.onSuccess()
	return n, nil
}

// Announce implements Announcer with the same circuit breaker logic as
// Publish.
func (cb *CircuitBreaker) Announce(ctx context.Context, channel string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := Announce(ctx, cb.Broker, channel, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}
