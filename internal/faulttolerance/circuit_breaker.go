// Package faulttolerance guards the coordinator's outbound dependencies.
// The settlement submitter runs behind a circuit breaker so a broken
// on-chain endpoint stops consuming retry budget across channels.
package faulttolerance

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before probing half-open
	SuccessThreshold int           // half-open successes before closing
}

// CircuitBreaker trips after consecutive failures, cools down, then lets
// calls through half-open until enough consecutive successes close it
// again; a failure while half-open reopens it.
type CircuitBreaker struct {
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.Mutex
	logger      *logrus.Logger
}

// New builds a breaker with defaults filled in.
func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Name == "" {
		config.Name = "CircuitBreaker"
	}
	return &CircuitBreaker{config: config, state: StateClosed, logger: logger}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.Cooldown {
			cb.setState(StateHalfOpen)
			cb.successes = 0
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(StateOpen)
				cb.logger.Warnf("[%s] circuit opened after %d failures", cb.config.Name, cb.failures)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
			cb.logger.Warnf("[%s] circuit reopened from HALF_OPEN", cb.config.Name)
		}
		return
	}
	cb.failures = 0
	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state != state {
		cb.logger.Infof("[%s] circuit %s -> %s", cb.config.Name, cb.state, state)
		cb.state = state
	}
}

// GetState reports the current position.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
