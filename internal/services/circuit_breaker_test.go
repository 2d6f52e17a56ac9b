package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/vitals-analytics-go/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("rows", cfg, quietLogrus())
	cb.now = clock.now
	return cb, clock
}

var errStore = errors.New("connection refused")

func fail(context.Context) error    { return errStore }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("rows", CircuitBreakerConfig{}, nil)
	assert.Equal(t, DefaultCircuitBreakerConfig(), cb.config)
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, "closed", cb.Stats().State)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	}
	assert.Equal(t, Closed, cb.State())

	// a success resets the consecutive count
	require.NoError(t, cb.Execute(ctx, succeed))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	}
	assert.Equal(t, Open, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrSupplierUnavailable)
	assert.False(t, called)

	stats := cb.Stats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(7), stats.TotalRequests)
	assert.Equal(t, int64(5), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.RejectedRequests)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Second})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, Open, cb.State())

	clock.advance(10 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, HalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: 10 * time.Second})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	clock.advance(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	assert.Equal(t, Open, cb.State())

	clock.advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrSupplierUnavailable)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second, MaxProbes: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	clock.advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrSupplierUnavailable)
	close(release)
	assert.NoError(t, <-done)
}

// held returns a call that signals entry and blocks until released.
func held(entered, release chan struct{}, result error) func(context.Context) error {
	return func(context.Context) error {
		close(entered)
		<-release
		return result
	}
}

func TestCircuitBreaker_CallAdmittedWhileClosedHoldsNoHalfOpenSlot(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second, MaxProbes: 1})
	ctx := context.Background()

	lateEntered, lateRelease := make(chan struct{}), make(chan struct{})
	lateDone := make(chan error, 1)
	go func() { lateDone <- cb.Execute(ctx, held(lateEntered, lateRelease, nil)) }()
	<-lateEntered

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, Open, cb.State())
	clock.advance(time.Second)

	probeEntered, probeRelease := make(chan struct{}), make(chan struct{})
	probeDone := make(chan error, 1)
	go func() { probeDone <- cb.Execute(ctx, held(probeEntered, probeRelease, nil)) }()
	<-probeEntered
	require.Equal(t, HalfOpen, cb.State())

	// the closed-era call finishing must neither free the half-open slot nor
	// count toward closing the circuit
	close(lateRelease)
	require.NoError(t, <-lateDone)
	assert.Equal(t, HalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrSupplierUnavailable)

	close(probeRelease)
	require.NoError(t, <-probeDone)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, Closed, cb.State())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Equal(t, 0, cb.probes)
}

func TestCircuitBreaker_LateFailureDoesNotTripHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second, MaxProbes: 2})
	ctx := context.Background()

	lateEntered, lateRelease := make(chan struct{}), make(chan struct{})
	lateDone := make(chan error, 1)
	go func() { lateDone <- cb.Execute(ctx, held(lateEntered, lateRelease, errStore)) }()
	<-lateEntered

	require.Error(t, cb.Execute(ctx, fail))
	clock.advance(time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	require.Equal(t, HalfOpen, cb.State())

	close(lateRelease)
	assert.ErrorIs(t, <-lateDone, errStore)
	assert.Equal(t, HalfOpen, cb.State())
	assert.Equal(t, int64(2), cb.Stats().FailedRequests)
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, int64(0), cb.Stats().FailedRequests)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Equal(t, Open, cb.State())

	cb.Reset()
	assert.Equal(t, Closed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestBreakingSupplier(t *testing.T) {
	inner := NewStaticRowSupplier()
	inner.SetRows("u1", []models.DailyMetricRow{
		{Day: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Steps: models.Float(8000)},
	})
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})
	supplier := NewBreakingSupplier(inner, cb)
	assert.Same(t, cb, supplier.Breaker())

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	rows, err := supplier.FetchDailyRows(context.Background(), "u1", from, to)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	inner.FailWith(errStore)
	for i := 0; i < 2; i++ {
		_, err = supplier.FetchDailyRows(context.Background(), "u1", from, to)
		assert.ErrorIs(t, err, errStore)
	}
	_, err = supplier.FetchDailyRows(context.Background(), "u1", from, to)
	assert.ErrorIs(t, err, ErrSupplierUnavailable)
}
