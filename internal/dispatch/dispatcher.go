package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/storage"
)

// DispatcherConfig tunes the worker pool and the per-action retry budget.
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     4,
		MaxAttempts: 3,
		Backoff:     60 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Dispatcher runs actions pulled from the queue. Each action gets an
// independent retry budget: MaxAttempts tries with a fixed backoff between
// them, then a terminal failure record and nothing more.
type Dispatcher struct {
	queue     Queue
	executors *ExecutorTable
	failures  storage.FailureStore
	logger    logging.Logger
	config    DispatcherConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(queue Queue, executors *ExecutorTable, failures storage.FailureStore, config DispatcherConfig, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Dispatcher{
		queue:     queue,
		executors: executors,
		failures:  failures,
		logger:    logger,
		config:    config,
	}
}

// RegisterExecutor adds an executor to the table. Call before Start; the
// table is not synchronized against running workers.
func (d *Dispatcher) RegisterExecutor(executor Executor) {
	d.executors.Register(executor)
}

// Submit enqueues an action and returns its id immediately. Execution happens
// out-of-band on the worker pool.
func (d *Dispatcher) Submit(ctx context.Context, kind Kind, subscriptionID string, payload interface{}) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", errors.InternalError("failed to encode action payload", err)
	}

	action := &Action{
		ID:             "act_" + uuid.New().String(),
		Kind:           kind,
		SubscriptionID: subscriptionID,
		Payload:        encoded,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, action); err != nil {
		return "", err
	}

	d.logger.Debug("Action enqueued",
		logging.Field{Key: "action_id", Value: action.ID},
		logging.Field{Key: "kind", Value: string(kind)},
		logging.Field{Key: "subscription_id", Value: subscriptionID},
	)
	return action.ID, nil
}

// Start launches the worker pool. Workers run until Stop is called or the
// parent context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Info("Dispatcher started",
		logging.Field{Key: "workers", Value: d.config.Workers},
		logging.Field{Key: "max_attempts", Value: d.config.MaxAttempts},
		logging.Field{Key: "backoff", Value: d.config.Backoff.String()},
	)
}

// Stop cancels the workers and waits for in-flight actions to finish their
// current attempt.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.queue.Close()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		action, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to dequeue action", err)
			continue
		}
		d.process(ctx, action)
	}
}

// process runs one action through its full retry budget. Failures here never
// propagate to other actions.
func (d *Dispatcher) process(ctx context.Context, action *Action) {
	executor, err := d.executors.Get(action.Kind)
	if err != nil {
		d.recordFailure(action, err, 0)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		lastErr = executor.Execute(attemptCtx, action)
		cancel()

		if lastErr == nil {
			d.logger.Debug("Action completed",
				logging.Field{Key: "action_id", Value: action.ID},
				logging.Field{Key: "attempt", Value: attempt},
			)
			return
		}

		d.logger.Warn("Action attempt failed",
			logging.Field{Key: "action_id", Value: action.ID},
			logging.Field{Key: "kind", Value: string(action.Kind)},
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "error", Value: lastErr.Error()},
		)

		if attempt < d.config.MaxAttempts {
			select {
			case <-time.After(d.config.Backoff):
			case <-ctx.Done():
				d.recordFailure(action, lastErr, attempt)
				return
			}
		}
	}

	d.recordFailure(action, lastErr, d.config.MaxAttempts)
}

func (d *Dispatcher) recordFailure(action *Action, lastErr error, attempts int) {
	failure := &storage.TerminalFailure{
		ActionID:       action.ID,
		Kind:           string(action.Kind),
		SubscriptionID: action.SubscriptionID,
		LastError:      lastErr.Error(),
		Payload:        action.Payload,
		Attempts:       attempts,
		FailedAt:       time.Now().UTC(),
	}

	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.failures.RecordFailure(recordCtx, failure); err != nil {
		d.logger.Error("Failed to record terminal failure", err,
			logging.Field{Key: "action_id", Value: action.ID},
		)
	}

	d.logger.Error("Action terminally failed", lastErr,
		logging.Field{Key: "action_id", Value: action.ID},
		logging.Field{Key: "kind", Value: string(action.Kind)},
		logging.Field{Key: "subscription_id", Value: action.SubscriptionID},
		logging.Field{Key: "attempts", Value: attempts},
	)
}
