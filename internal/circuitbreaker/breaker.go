// Package circuitbreaker fails calls to a backing store fast once it has
// failed repeatedly, and probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sitekeeper/admin-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Do while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - calls flow through
	StateClosed State = iota
	// StateOpen - calls fail fast
	StateOpen
	// StateHalfOpen - a limited number of probes test the backend
	StateHalfOpen
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
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes before closing
	SuccessThreshold int
	// Timeout is how long to stay open before probing
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// Breaker guards one backend.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	state     atomic.Int32
	failures  atomic.Int64 // consecutive
	successes atomic.Int64 // consecutive, half-open only
	probes    atomic.Int64 // in flight, half-open only
	openedAt  atomic.Int64 // unix nano

	mu sync.Mutex // serializes transitions
}

func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	b := &Breaker{name: name, config: config, now: time.Now}
	b.state.Store(int32(StateClosed))
	metrics.StoreCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn unless the circuit is open. isFailure decides which errors
// count against the backend; errors it rejects are returned but treated as
// successes for breaker accounting.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	if probe {
		defer b.probes.Add(-1)
	}
	err = fn()
	if err != nil && isFailure(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	switch State(b.state.Load()) {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.now().Sub(time.Unix(0, b.openedAt.Load()))
		if elapsed < b.config.Timeout {
			return false, fmt.Errorf("%w for %s (retry in %v)", ErrOpen, b.name, (b.config.Timeout - elapsed).Round(time.Second))
		}
		b.mu.Lock()
		if State(b.state.Load()) == StateOpen {
			b.transitionTo(StateHalfOpen)
		}
		b.mu.Unlock()
		return b.allow()
	default:
		if n := b.probes.Add(1); int(n) > b.config.SuccessThreshold {
			b.probes.Add(-1)
			return false, fmt.Errorf("%w for %s: probe limit reached", ErrOpen, b.name)
		}
		return true, nil
	}
}

func (b *Breaker) recordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if int(b.successes.Add(1)) < b.config.SuccessThreshold {
			return
		}
		b.mu.Lock()
		if State(b.state.Load()) == StateHalfOpen {
			b.transitionTo(StateClosed)
			log.Info().Str("backend", b.name).Msg("circuit breaker recovered")
		}
		b.mu.Unlock()
	}
}

func (b *Breaker) recordFailure() {
	switch State(b.state.Load()) {
	case StateClosed:
		failures := b.failures.Add(1)
		if int(failures) < b.config.FailureThreshold {
			return
		}
		b.mu.Lock()
		if State(b.state.Load()) == StateClosed {
			b.transitionTo(StateOpen)
			log.Error().Str("backend", b.name).Int64("failures", failures).Msg("circuit breaker opened")
		}
		b.mu.Unlock()
	case StateHalfOpen:
		b.mu.Lock()
		if State(b.state.Load()) == StateHalfOpen {
			b.transitionTo(StateOpen)
			log.Warn().Str("backend", b.name).Msg("circuit breaker reopened after failed probe")
		}
		b.mu.Unlock()
	}
}

// transitionTo changes state; caller holds mu.
func (b *Breaker) transitionTo(next State) {
	prev := State(b.state.Load())
	b.state.Store(int32(next))
	b.failures.Store(0)
	b.successes.Store(0)
	if next == StateOpen {
		b.openedAt.Store(b.now().UnixNano())
	}
	metrics.StoreCircuitState.WithLabelValues(b.name).Set(float64(next))
	metrics.StoreCircuitTransitions.WithLabelValues(b.name, prev.String(), next.String()).Inc()
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

func (b *Breaker) Name() string { return b.name }
