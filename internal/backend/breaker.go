package backend

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a service's circuit breaker rejects
// requests.
var ErrBreakerOpen = errors.New("backend: circuit breaker open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests until the open timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the smallest window that can trip on error rate.
const minErrorRateSamples = 10

// BreakerSettings configures a Breaker. Zero values take defaults.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
}

// Breaker trips open after consecutive failures or a high error rate within
// a tumbling window, and closes again after enough successful probes. It is
// safe for concurrent use.
type Breaker struct {
	settings BreakerSettings
	now      func() time.Time
	onChange func(BreakerState)

	mu             sync.Mutex
	state          BreakerState
	failures       int
	successes      int
	openedAt       time.Time
	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a closed Breaker. onChange, if not nil, is called with
// every new state.
func NewBreaker(s BreakerSettings, onChange func(BreakerState)) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	b := &Breaker{settings: s, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpenLocked()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a successful request.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countLocked(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.setLocked(BreakerClosed)
		}
	}
}

// Failure records a failed request.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countLocked(true)
		if b.failures >= b.settings.FailureThreshold || b.errorRateExceededLocked() {
			b.setLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setLocked(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpenLocked()
	return b.state
}

func (b *Breaker) expireOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.settings.OpenTimeout {
		b.setLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setLocked(s BreakerState) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.resetWindowLocked()
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) countLocked(failed bool) {
	if b.settings.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.settings.ErrorRateWindow {
		b.resetWindowLocked()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindowLocked() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceededLocked() bool {
	s := b.settings
	if s.ErrorRateThreshold <= 0 || s.ErrorRateWindow <= 0 || b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= s.ErrorRateThreshold
}
