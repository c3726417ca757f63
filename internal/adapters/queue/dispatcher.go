package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Dispatcher accepts graphs for background execution and runs them on a
// fixed pool of workers that drain the queue.
type Dispatcher struct {
	queue  *Queue
	engine ports.EnginePort
	repo   ports.ExecutionRepository
	config domain.QueueConfig
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time

	// stateMu orders record reads and writes between workers, Cancel and
	// RetryFailed. It is never held while the engine runs.
	stateMu sync.Mutex
	running map[string]context.CancelFunc
}

var _ ports.DispatcherPort = (*Dispatcher)(nil)

func NewDispatcher(queue *Queue, engine ports.EnginePort, repo ports.ExecutionRepository, config domain.QueueConfig, logger *slog.Logger) (*Dispatcher, error) {
	if queue == nil || engine == nil || repo == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a queue, an engine and a repository", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultConfig().Queue
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = defaults.ProcessingTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &Dispatcher{
		queue:  queue,
		engine: engine,
		repo:   repo,
		config: config,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error) {
	return d.dispatch(ctx, graph, payload, priority, domain.ExecutionModeQueued)
}

// DispatchErrorWorkflow queues an error workflow at high priority.
func (d *Dispatcher) DispatchErrorWorkflow(ctx context.Context, graph *domain.Graph, payload map[string]interface{}) error {
	_, err := d.dispatch(ctx, graph, payload, domain.PriorityHigh, domain.ExecutionModeErrorWorkflow)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority, mode domain.ExecutionMode) (string, error) {
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidInput, priority)
	}
	if err := d.engine.ValidateGraph(graph); err != nil {
		return "", err
	}

	record := domain.NewExecutionRecord(graph.WorkflowRef(), mode, payload)
	record.Priority = priority
	if err := d.repo.SaveExecution(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	job := &domain.Job{
		ID:          record.ID,
		WorkflowRef: record.WorkflowRef,
		Graph:       graph,
		Payload:     payload,
		Priority:    priority,
		Mode:        mode,
		EnqueuedAt:  record.CreatedAt,
	}
	if err := d.queue.Enqueue(job); err != nil {
		err = fmt.Errorf("failed to enqueue execution %s: %w", record.ID, err)
		d.abandon(context.WithoutCancel(ctx), d.logger, record, err)
		return "", err
	}

	d.logger.Info("execution dispatched",
		"execution_id", record.ID,
		"workflow_id", record.WorkflowRef,
		"priority", priority,
		"mode", mode)
	return record.ID, nil
}

// Start recovers jobs left in processing by a previous process and launches
// the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return domain.ErrAlreadyStarted
	}

	if _, err := d.queue.RecoverStale(d.config.ProcessingTimeout); err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	// Executions outlive the claim loop so Stop can drain them.
	d.runCtx, d.abort = context.WithCancel(context.WithoutCancel(ctx))
	d.started = true

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(workerCtx, i)
	}

	d.logger.Info("dispatcher started", "workers", d.config.Workers, "poll_interval", d.config.PollInterval)
	return nil
}

// Stop signals the workers and waits up to the shutdown timeout for
// in-flight executions to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel, abort := d.cancel, d.abort
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		abort()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-time.After(d.config.ShutdownTimeout):
		abort()
		<-done
		d.logger.Warn("dispatcher shutdown timed out, in-flight executions canceled", "timeout", d.config.ShutdownTimeout)
		return fmt.Errorf("dispatcher shutdown timed out after %s", d.config.ShutdownTimeout)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker", id)
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := d.queue.Claim()
		if err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return
			}
			logger.Error("failed to claim job", "error", err)
		}

		if job != nil {
			d.process(d.runCtx, logger, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.queue.Notify():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, job *domain.Job) {
	persistCtx := context.WithoutCancel(ctx)

	d.stateMu.Lock()
	record, err := d.repo.GetExecution(persistCtx, job.ID)
	if err != nil {
		d.stateMu.Unlock()
		logger.Error("failed to load execution for job", "job_id", job.ID, "error", err)
		d.fail(logger, job, err.Error())
		return
	}
	if record.Status != domain.ExecutionStatusWaiting {
		d.stateMu.Unlock()
		logger.Info("skipping job", "job_id", job.ID, "status", record.Status)
		d.complete(logger, job)
		return
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	d.running[job.ID] = cancelRun
	d.stateMu.Unlock()

	defer func() {
		d.stateMu.Lock()
		delete(d.running, job.ID)
		d.stateMu.Unlock()
		cancelRun()
	}()

	result, runErr := d.engine.Run(runCtx, record, job.Graph)
	switch {
	case result == nil && runErr != nil:
		d.abandon(persistCtx, logger, record, runErr)
		d.fail(logger, job, runErr.Error())
	case result != nil && result.Status == domain.ExecutionStatusError:
		d.fail(logger, job, result.ErrorMessage)
	default:
		d.complete(logger, job)
	}
}

// abandon finishes a record the engine refused to start.
func (d *Dispatcher) abandon(ctx context.Context, logger *slog.Logger, record *domain.ExecutionRecord, cause error) {
	if record.IsTerminal() {
		return
	}
	now := d.now()
	if record.Status == domain.ExecutionStatusWaiting {
		if err := record.Start(now); err != nil {
			logger.Error("failed to start rejected execution", "execution_id", record.ID, "error", err)
			return
		}
	}
	if err := record.Finish(domain.ExecutionStatusError, now, cause.Error()); err != nil {
		logger.Error("failed to finish rejected execution", "execution_id", record.ID, "error", err)
		return
	}
	if err := d.repo.SaveExecution(ctx, record); err != nil {
		logger.Error("failed to save rejected execution", "execution_id", record.ID, "error", err)
	}
}

func (d *Dispatcher) complete(logger *slog.Logger, job *domain.Job) {
	if err := d.queue.Complete(job); err != nil {
		logger.Error("failed to complete job", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) fail(logger *slog.Logger, job *domain.Job, reason string) {
	if err := d.queue.Fail(job, reason); err != nil {
		logger.Error("failed to move job to failed queue", "job_id", job.ID, "error", err)
		return
	}
	logger.Warn("job failed", "job_id", job.ID, "reason", reason)
}

// Cancel stops a job. A waiting job is removed from the queue and its record
// is marked canceled. A job a worker has picked up is canceled through its
// run context and the engine records the outcome.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	record, err := d.repo.GetExecution(ctx, jobID)
	if err != nil {
		return err
	}
	if record.IsTerminal() {
		return fmt.Errorf("%w: execution %s is already %s", domain.ErrInvalidTransition, jobID, record.Status)
	}

	if cancelRun, ok := d.running[jobID]; ok {
		cancelRun()
		d.logger.Info("running execution canceled", "execution_id", jobID)
		return nil
	}

	switch record.Status {
	case domain.ExecutionStatusWaiting:
		// A claimed job still in processing is skipped by its worker once
		// it reads the canceled record.
		if _, err := d.queue.Remove(jobID); err != nil &&
			!errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := record.Finish(domain.ExecutionStatusCanceled, d.now(), domain.ErrExecutionCanceled.Error()); err != nil {
			return err
		}
		if err := d.repo.SaveExecution(ctx, record); err != nil {
			return err
		}
		d.logger.Info("queued execution canceled", "execution_id", jobID)
		return nil

	default:
		if !d.engine.Cancel(jobID) {
			return fmt.Errorf("%w: execution %s is not running on this node", domain.ErrNotFound, jobID)
		}
		return nil
	}
}

// RetryFailed puts a failed job back on its queue and resets its record.
// Only executions whose job sits in the failed queue can be retried; the
// record is left untouched otherwise.
func (d *Dispatcher) RetryFailed(ctx context.Context, jobID string) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	record, err := d.repo.GetExecution(ctx, jobID)
	if err != nil {
		return err
	}
	previous := *record
	if err := record.PrepareRetry(); err != nil {
		return err
	}

	_, state, err := d.queue.Locate(jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%w: execution %s has no failed job to requeue", domain.ErrInvalidTransition, jobID)
	case err != nil:
		return err
	case state != JobFailed:
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, state)
	}

	if err := d.repo.SaveExecution(ctx, record); err != nil {
		return err
	}
	if _, err := d.queue.Requeue(jobID); err != nil {
		if restoreErr := d.repo.SaveExecution(context.WithoutCancel(ctx), &previous); restoreErr != nil {
			d.logger.Error("failed to restore execution after requeue failure", "execution_id", jobID, "error", restoreErr)
		}
		return err
	}

	d.logger.Info("execution requeued", "execution_id", jobID, "retry_count", record.RetryCount)
	return nil
}

func (d *Dispatcher) GetQueueStatus() (domain.QueueStatus, error) {
	return d.queue.Status()
}

func (d *Dispatcher) GetHealthStatus() (domain.HealthStatus, error) {
	status, err := d.queue.Status()
	if err != nil {
		return domain.HealthStatus{}, err
	}

	score, recommendations := scoreHealth(status.Totals())
	return domain.HealthStatus{
		Score:           score,
		PerQueueCounts:  status.PerQueue,
		Recommendations: recommendations,
		CheckedAt:       d.now(),
	}, nil
}

func scoreHealth(totals domain.QueueCounts) (int, []string) {
	score := 100
	recommendations := []string{}

	switch {
	case totals.Pending > 100:
		score -= 30
		recommendations = append(recommendations, fmt.Sprintf("%d jobs pending: add workers or reduce dispatch rate", totals.Pending))
	case totals.Pending > 50:
		score -= 15
		recommendations = append(recommendations, fmt.Sprintf("%d jobs pending: consider adding workers", totals.Pending))
	case totals.Pending > 10:
		score -= 5
		recommendations = append(recommendations, fmt.Sprintf("%d jobs pending: queue is building up", totals.Pending))
	}

	switch {
	case totals.Failed > 10:
		score -= 40
		recommendations = append(recommendations, fmt.Sprintf("%d failed jobs: investigate failing workflows", totals.Failed))
	case totals.Failed > 5:
		score -= 20
		recommendations = append(recommendations, fmt.Sprintf("%d failed jobs: review and retry or discard them", totals.Failed))
	case totals.Failed > 0:
		score -= 10
		recommendations = append(recommendations, fmt.Sprintf("%d failed job(s) awaiting retry", totals.Failed))
	}

	if score < 0 {
		score = 0
	}
	return score, recommendations
}
