package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen allows probe requests to test recovery.
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

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open. Callers treat it as "upstream unavailable, skip for now".
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior. The rendering engine is
// the main consumer: repeated engine crashes or navigation failures open the
// circuit so scrape requests fail fast instead of queueing on a dead browser.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// every error except context cancellation counts.
	ShouldTrip func(err error) bool
}

// Breaker implements the circuit breaker pattern for one upstream.
type Breaker struct {
	cfg  BreakerConfig
	name string

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time

	nowFunc func() time.Time // test seam
}

// NewBreaker creates a circuit breaker named for its upstream.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		name:    name,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Allow reports whether a request may proceed, transitioning an expired open
// circuit to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds a call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := b.cfg.ShouldTrip
	if trips == nil {
		trips = func(e error) bool {
			return e != nil && !errors.Is(e, context.Canceled)
		}
	}

	if err == nil || !trips(err) {
		b.failures = 0
		if b.state != CircuitClosed {
			b.setState(CircuitClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.setState(CircuitOpen)
	}
}

// ExecuteVal runs fn through the breaker, rejecting with ErrCircuitOpen when
// the circuit is open.
func ExecuteVal[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.Allow() {
		return zero, ErrCircuitOpen
	}
	val, err := fn(ctx)
	b.Record(err)
	return val, err
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// setState transitions the breaker. Caller must hold mu.
func (b *Breaker) setState(next CircuitState) {
	if b.state == next {
		return
	}
	zap.L().Warn("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", next.String()),
	)
	b.state = next
}
