package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTimeout is returned when an analysis does not finish within the call timeout.
	ErrTimeout = errors.New("analysis timed out")
	// ErrExecutorClosed is returned for calls made after Shutdown.
	ErrExecutorClosed = errors.New("analysis executor is shut down")
)

// ExecutorConfig bounds analysis calls.
type ExecutorConfig struct {
	ConcurrencyLimit int
	CallTimeout      time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ConcurrencyLimit: 4,
		CallTimeout:      30 * time.Second,
	}
}

// OperationContext describes one in-flight analysis call.
type OperationContext struct {
	Ctx         context.Context
	Cancel      context.CancelFunc
	OperationID string
	Operation   string
	StartTime   time.Time
	Timeout     time.Duration
}

// ExecutorStats is a point-in-time snapshot of executor counters.
type ExecutorStats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Limit     int   `json:"limit"`
}

// AnalysisExecutor runs CPU-bound analyses with a concurrency bound and a
// per-call deadline.
type AnalysisExecutor struct {
	config ExecutorConfig
	logger *logrus.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	active map[string]*OperationContext
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

func NewAnalysisExecutor(config ExecutorConfig, logger *logrus.Logger) *AnalysisExecutor {
	defaults := DefaultExecutorConfig()
	if config.ConcurrencyLimit <= 0 {
		config.ConcurrencyLimit = defaults.ConcurrencyLimit
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &AnalysisExecutor{
		config: config,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(config.ConcurrencyLimit)),
		active: make(map[string]*OperationContext),
	}
}

type executionResult struct {
	data interface{}
	err  error
}

// Execute runs operation under the call timeout. Time spent waiting for a
// slot counts against the timeout. When the deadline passes the caller gets
// ErrTimeout and whatever the operation later returns is dropped; its slot is
// held until it actually returns.
func (e *AnalysisExecutor) Execute(
	ctx context.Context,
	operation string,
	fn func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	opCtx, err := e.begin(ctx, operation)
	if err != nil {
		return nil, err
	}
	defer e.complete(opCtx.OperationID)

	if err := e.sem.Acquire(opCtx.Ctx, 1); err != nil {
		return nil, e.abandoned(ctx, opCtx, "waiting for slot")
	}

	resultChan := make(chan executionResult, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				resultChan <- executionResult{err: fmt.Errorf("analysis %s panicked: %v", operation, r)}
			}
		}()
		data, err := fn(opCtx.Ctx)
		resultChan <- executionResult{data: data, err: err}
	}()

	select {
	case result := <-resultChan:
		if result.err != nil {
			e.failed.Add(1)
		} else {
			e.completed.Add(1)
		}
		e.logger.WithFields(logrus.Fields{
			"operation":    operation,
			"operation_id": opCtx.OperationID,
			"duration":     time.Since(opCtx.StartTime),
			"success":      result.err == nil,
		}).Debug("Analysis completed")
		return result.data, result.err

	case <-opCtx.Ctx.Done():
		return nil, e.abandoned(ctx, opCtx, "running")
	}
}

// abandoned classifies a context expiry. Only the executor's own deadline is
// a timeout; caller and explicit cancellations pass the context error through.
func (e *AnalysisExecutor) abandoned(parent context.Context, opCtx *OperationContext, phase string) error {
	fields := logrus.Fields{
		"operation":    opCtx.Operation,
		"operation_id": opCtx.OperationID,
		"duration":     time.Since(opCtx.StartTime),
		"phase":        phase,
	}
	if parent.Err() != nil {
		e.failed.Add(1)
		e.logger.WithFields(fields).Debug("Analysis cancelled by caller")
		return parent.Err()
	}
	if !errors.Is(opCtx.Ctx.Err(), context.DeadlineExceeded) {
		e.failed.Add(1)
		e.logger.WithFields(fields).Info("Analysis cancelled")
		return opCtx.Ctx.Err()
	}
	e.timedOut.Add(1)
	fields["timeout"] = opCtx.Timeout
	e.logger.WithFields(fields).Warn("Analysis timed out")
	return fmt.Errorf("%w: %s after %s", ErrTimeout, opCtx.Operation, opCtx.Timeout)
}

func (e *AnalysisExecutor) begin(parent context.Context, operation string) (*OperationContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}

	ctx, cancel := context.WithTimeout(parent, e.config.CallTimeout)
	opCtx := &OperationContext{
		Ctx:         ctx,
		Cancel:      cancel,
		OperationID: uuid.NewString(),
		Operation:   operation,
		StartTime:   time.Now(),
		Timeout:     e.config.CallTimeout,
	}
	e.active[opCtx.OperationID] = opCtx
	return opCtx, nil
}

func (e *AnalysisExecutor) complete(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opCtx, ok := e.active[operationID]; ok {
		opCtx.Cancel()
		delete(e.active, operationID)
	}
}

func (e *AnalysisExecutor) CancelAllOperations() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for operationID, opCtx := range e.active {
		opCtx.Cancel()
		e.logger.WithField("operation_id", operationID).Info("Analysis cancelled during shutdown")
	}
}

func (e *AnalysisExecutor) GetActiveOperationCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

func (e *AnalysisExecutor) Stats() ExecutorStats {
	return ExecutorStats{
		Active:    e.GetActiveOperationCount(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		TimedOut:  e.timedOut.Load(),
		Limit:     e.config.ConcurrencyLimit,
	}
}

func (e *AnalysisExecutor) Config() ExecutorConfig {
	return e.config
}

// Shutdown rejects new calls and cancels the ones in flight.
func (e *AnalysisExecutor) Shutdown() {
	e.logger.Info("Shutting down analysis executor")
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.CancelAllOperations()
	e.logger.Info("Analysis executor shutdown complete")
}
