package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

// ErrSupplierUnavailable is returned while the row supplier's breaker is open.
var ErrSupplierUnavailable = errors.New("row supplier unavailable")

// CircuitBreakerState represents the current state of the circuit breaker
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // probe successes needed to close again
	OpenTimeout      time.Duration `json:"open_timeout"`      // wait before the first half-open probe
	MaxProbes        int           `json:"max_probes"`        // concurrent calls allowed while half-open
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MaxProbes:        1,
	}
}

// CircuitBreakerStats holds statistics for the circuit breaker
type CircuitBreakerStats struct {
	State              string    `json:"state"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	StateChanges       int64     `json:"state_changes"`
	LastFailureTime    time.Time `json:"last_failure_time"`
}

// CircuitBreaker implements the circuit breaker pattern. The lock is never
// held while the protected call runs.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	stats     CircuitBreakerStats
	// halfOpenPeriod numbers the half-open periods so late results from an
	// earlier one are not mistaken for current probes.
	halfOpenPeriod uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = defaults.MaxProbes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  Closed,
	}
}

// Execute runs fn unless the circuit is open. Failures caused by the caller's
// own context ending are not held against the protected dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	start := cb.now()
	err = fn(ctx)
	cb.record(ctx, probe, err, cb.now().Sub(start))
	return err
}

// admit returns the half-open period the call probes for, or 0 when the call
// was admitted while closed.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++

	if cb.state == Open && cb.now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
		cb.setState(HalfOpen)
		cb.halfOpenPeriod++
		cb.successes = 0
		cb.probes = 0
	}

	switch cb.state {
	case Open:
		cb.stats.RejectedRequests++
		return 0, fmt.Errorf("%w: circuit %s is open", ErrSupplierUnavailable, cb.name)
	case HalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			cb.stats.RejectedRequests++
			return 0, fmt.Errorf("%w: circuit %s is probing", ErrSupplierUnavailable, cb.name)
		}
		cb.probes++
		return cb.halfOpenPeriod, nil
	}
	return 0, nil
}

// record settles one admitted call. Only probes of the current half-open
// period free a probe slot or move the half-open state; calls admitted
// earlier just update the counters.
func (cb *CircuitBreaker) record(ctx context.Context, probe uint64, err error, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probing := cb.state == HalfOpen && probe != 0 && probe == cb.halfOpenPeriod
	if probing {
		cb.probes--
	}

	if err == nil {
		cb.stats.SuccessfulRequests++
		switch {
		case cb.state == Closed:
			cb.failures = 0
		case probing:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.setState(Closed)
				cb.failures = 0
			}
		}
		return
	}

	if ctx.Err() != nil {
		return
	}

	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = cb.now()

	switch {
	case cb.state == Closed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case probing:
		cb.trip()
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           cb.state.String(),
		"error":           err.Error(),
		"duration_ms":     duration.Milliseconds(),
		"failure_count":   cb.failures,
	}).Warn("Circuit breaker: failed execution")
}

func (cb *CircuitBreaker) trip() {
	cb.setState(Open)
	cb.openedAt = cb.now()
	cb.successes = 0
}

func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.stats.StateChanges++

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"old_state":       oldState.String(),
		"new_state":       newState.String(),
		"failure_count":   cb.failures,
	}).Info("Circuit breaker state changed")
}

// State reports the current state. An expired open period only turns
// half-open on the next call.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := cb.stats
	stats.State = cb.state.String()
	return stats
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(Closed)
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
}

// BreakingSupplier guards a MetricRowSupplier with a circuit breaker so an
// unreachable store fails fast instead of tying up executor slots.
type BreakingSupplier struct {
	supplier MetricRowSupplier
	breaker  *CircuitBreaker
}

func NewBreakingSupplier(supplier MetricRowSupplier, breaker *CircuitBreaker) *BreakingSupplier {
	return &BreakingSupplier{supplier: supplier, breaker: breaker}
}

func (b *BreakingSupplier) FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error) {
	var rows []models.DailyMetricRow
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rows, err = b.supplier.FetchDailyRows(ctx, userID, from, to)
		return err
	})
	return rows, err
}

func (b *BreakingSupplier) Breaker() *CircuitBreaker {
	return b.breaker
}
