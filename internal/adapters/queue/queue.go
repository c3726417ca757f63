package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// JobState is where a job currently sits in the queue.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobFailed     JobState = "failed"
)

// Queue keeps jobs in storage under one pending, processing and failed
// prefix per priority. Pending keys carry a global sequence so each
// priority drains FIFO.
type Queue struct {
	storage ports.StoragePort
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	notify chan struct{}
}

func NewQueue(storage ports.StoragePort, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage: storage,
		logger:  logger.With("component", "queue"),
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// Notify fires at least once after every successful Enqueue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Enqueue(job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job requires an id", domain.ErrInvalidInput)
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidInput, job.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrClosed
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	if err := q.putPending(job, nil); err != nil {
		return err
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "priority", job.Priority)
	q.signal()
	return nil
}

// putPending writes job under a fresh pending key. extra ops are applied in
// the same batch.
func (q *Queue) putPending(job *domain.Job, extra []ports.WriteOp) error {
	sequence, err := q.storage.AtomicIncrement(domain.QueueSequenceKey())
	if err != nil {
		return err
	}

	data, err := xjson.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	key := domain.QueuePendingKey(job.Priority, sequence)
	ops := append(extra,
		ports.WriteOp{Type: ports.OpPut, Key: key, Value: data},
		ports.WriteOp{Type: ports.OpPut, Key: domain.QueueJobIndexKey(job.ID), Value: []byte(key)},
	)
	return q.storage.BatchWrite(ops)
}

// Claim moves the oldest pending job of the highest non-empty priority to
// processing. It returns nil when every queue is empty.
func (q *Queue) Claim() (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrClosed
	}

	for _, priority := range domain.Priorities {
		key, value, exists, err := q.storage.GetNext(domain.QueuePendingPrefix(priority))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		var job domain.Job
		if err := xjson.Unmarshal(value, &job); err != nil {
			q.logger.Error("dropping unreadable job", "key", key, "error", err)
			if err := q.storage.Delete(key); err != nil {
				return nil, err
			}
			continue
		}

		claimedAt := q.now()
		job.ClaimedAt = &claimedAt
		job.Attempts++

		data, err := xjson.Marshal(&job)
		if err != nil {
			return nil, err
		}

		processingKey := domain.QueueProcessingKey(job.Priority, job.ID)
		err = q.storage.BatchWrite([]ports.WriteOp{
			{Type: ports.OpDelete, Key: key},
			{Type: ports.OpPut, Key: processingKey, Value: data},
			{Type: ports.OpPut, Key: domain.QueueJobIndexKey(job.ID), Value: []byte(processingKey)},
		})
		if err != nil {
			return nil, err
		}

		q.logger.Debug("job claimed", "job_id", job.ID, "priority", job.Priority, "attempts", job.Attempts)
		return &job, nil
	}

	return nil, nil
}

// Complete removes a processing job.
func (q *Queue) Complete(job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.QueueProcessingKey(job.Priority, job.ID)},
		{Type: ports.OpDelete, Key: domain.QueueJobIndexKey(job.ID)},
	})
}

// Fail moves a processing job to the failed queue.
func (q *Queue) Fail(job *domain.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.LastError = reason
	data, err := xjson.Marshal(job)
	if err != nil {
		return err
	}

	failedKey := domain.QueueFailedKey(job.Priority, job.ID)
	return q.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.QueueProcessingKey(job.Priority, job.ID)},
		{Type: ports.OpPut, Key: failedKey, Value: data},
		{Type: ports.OpPut, Key: domain.QueueJobIndexKey(job.ID), Value: []byte(failedKey)},
	})
}

// Locate returns the job and the state it is in.
func (q *Queue) Locate(jobID string) (*domain.Job, JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, job, state, err := q.locate(jobID)
	return job, state, err
}

func (q *Queue) locate(jobID string) (string, *domain.Job, JobState, error) {
	keyBytes, exists, err := q.storage.Get(domain.QueueJobIndexKey(jobID))
	if err != nil {
		return "", nil, "", err
	}
	if !exists {
		return "", nil, "", fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}

	key := string(keyBytes)
	value, exists, err := q.storage.Get(key)
	if err != nil {
		return "", nil, "", err
	}
	if !exists {
		return "", nil, "", fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}

	var job domain.Job
	if err := xjson.Unmarshal(value, &job); err != nil {
		return "", nil, "", fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return key, &job, stateOfKey(key), nil
}

func stateOfKey(key string) JobState {
	switch {
	case strings.Contains(key, ":"+string(JobPending)+":"):
		return JobPending
	case strings.Contains(key, ":"+string(JobProcessing)+":"):
		return JobProcessing
	default:
		return JobFailed
	}
}

// Remove deletes a pending job so no worker will claim it.
func (q *Queue) Remove(jobID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, job, state, err := q.locate(jobID)
	if err != nil {
		return nil, err
	}
	if state != JobPending {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, state)
	}

	err = q.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: key},
		{Type: ports.OpDelete, Key: domain.QueueJobIndexKey(jobID)},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Requeue moves a failed job back to pending.
func (q *Queue) Requeue(jobID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrClosed
	}

	key, job, state, err := q.locate(jobID)
	if err != nil {
		return nil, err
	}
	if state != JobFailed {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, state)
	}

	job.ClaimedAt = nil
	job.EnqueuedAt = q.now()
	if err := q.putPending(job, []ports.WriteOp{{Type: ports.OpDelete, Key: key}}); err != nil {
		return nil, err
	}

	q.logger.Info("failed job requeued", "job_id", jobID, "priority", job.Priority)
	q.signal()
	return job, nil
}

// RecoverStale moves processing jobs claimed before the cutoff back to pending.
func (q *Queue) RecoverStale(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	recovered := 0

	for _, priority := range domain.Priorities {
		items, err := q.storage.ListByPrefix(domain.QueueProcessingPrefix(priority))
		if err != nil {
			return recovered, err
		}

		for _, item := range items {
			var job domain.Job
			if err := xjson.Unmarshal(item.Value, &job); err != nil {
				q.logger.Error("dropping unreadable processing job", "key", item.Key, "error", err)
				if err := q.storage.Delete(item.Key); err != nil {
					return recovered, err
				}
				continue
			}
			if job.ClaimedAt != nil && job.ClaimedAt.After(cutoff) {
				continue
			}

			job.ClaimedAt = nil
			if err := q.putPending(&job, []ports.WriteOp{{Type: ports.OpDelete, Key: item.Key}}); err != nil {
				return recovered, err
			}
			recovered++
		}
	}

	if recovered > 0 {
		q.logger.Warn("recovered stale processing jobs", "count", recovered, "older_than", olderThan)
		q.signal()
	}
	return recovered, nil
}

func (q *Queue) Status() (domain.QueueStatus, error) {
	status := domain.QueueStatus{PerQueue: make(map[domain.Priority]domain.QueueCounts, len(domain.Priorities))}

	for _, priority := range domain.Priorities {
		var counts domain.QueueCounts
		var err error

		if counts.Pending, err = q.storage.CountPrefix(domain.QueuePendingPrefix(priority)); err != nil {
			return status, err
		}
		if counts.Processing, err = q.storage.CountPrefix(domain.QueueProcessingPrefix(priority)); err != nil {
			return status, err
		}
		if counts.Failed, err = q.storage.CountPrefix(domain.QueueFailedPrefix(priority)); err != nil {
			return status, err
		}
		status.PerQueue[priority] = counts
	}
	return status, nil
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
