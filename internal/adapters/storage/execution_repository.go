package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// ExecutionRepository persists execution records, their log entries and the
// rolling per-workflow stats on top of a StoragePort.
type ExecutionRepository struct {
	store  ports.StoragePort
	logger *slog.Logger
	logTTL time.Duration

	statsLocks sync.Map
}

func NewExecutionRepository(store ports.StoragePort, logTTL time.Duration, logger *slog.Logger) *ExecutionRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecutionRepository{
		store:  store,
		logger: logger.With("component", "execution-repository"),
		logTTL: logTTL,
	}
}

var _ ports.ExecutionRepository = (*ExecutionRepository)(nil)

func (r *ExecutionRepository) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: execution record requires an id", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := xjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", record.ID, err)
	}

	if err := r.store.Put(domain.ExecutionKey(record.ID), data); err != nil {
		return err
	}

	r.logger.Debug("execution saved", "execution_id", record.ID, "status", record.Status)
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, exists, err := r.store.Get(domain.ExecutionKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, id)
	}

	var record domain.ExecutionRecord
	if err := xjson.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}
	return &record, nil
}

// ListExecutions returns the executions of workflowRef, oldest first. An
// empty workflowRef lists every execution.
func (r *ExecutionRepository) ListExecutions(ctx context.Context, workflowRef string) ([]*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := r.store.ListByPrefix(domain.ExecutionPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]*domain.ExecutionRecord, 0, len(items))
	for _, item := range items {
		var record domain.ExecutionRecord
		if err := xjson.Unmarshal(item.Value, &record); err != nil {
			r.logger.Warn("skipping unreadable execution record", "key", item.Key, "error", err)
			continue
		}
		if workflowRef != "" && record.WorkflowRef != workflowRef {
			continue
		}
		records = append(records, &record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// AppendLog assigns the entry the next sequence number for its execution and stores it.
func (r *ExecutionRepository) AppendLog(ctx context.Context, entry *domain.ExecutionLogEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return fmt.Errorf("%w: log entry requires an execution id", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seq, err := r.store.AtomicIncrement(domain.ExecutionLogSequenceKey(entry.ExecutionID))
	if err != nil {
		return err
	}
	entry.Sequence = seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := xjson.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	return r.store.PutWithTTL(domain.ExecutionLogKey(entry.ExecutionID, seq), data, r.logTTL)
}

func (r *ExecutionRepository) ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := r.store.ListByPrefix(domain.ExecutionLogPrefix(executionID))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.ExecutionLogEntry, 0, len(items))
	for _, item := range items {
		var entry domain.ExecutionLogEntry
		if err := xjson.Unmarshal(item.Value, &entry); err != nil {
			r.logger.Warn("skipping unreadable log entry", "key", item.Key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *ExecutionRepository) GetStats(ctx context.Context, workflowRef string) (*domain.WorkflowStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, exists, err := r.store.Get(domain.WorkflowStatsKey(workflowRef))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: stats for workflow %s", domain.ErrNotFound, workflowRef)
	}

	var stats domain.WorkflowStats
	if err := xjson.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats for %s: %w", workflowRef, err)
	}
	return &stats, nil
}

// UpdateStats serialises writers of one workflow's stats in process and
// commits the read-modify-write in a single storage transaction. Each write
// refreshes the TTL.
func (r *ExecutionRepository) UpdateStats(ctx context.Context, workflowRef string, ttl time.Duration, fn func(stats *domain.WorkflowStats) error) (*domain.WorkflowStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := r.statsLock(workflowRef)
	lock.Lock()
	defer lock.Unlock()

	key := domain.WorkflowStatsKey(workflowRef)
	var updated domain.WorkflowStats

	err := r.store.RunInTransaction(func(tx ports.Transaction) error {
		stats := domain.WorkflowStats{WorkflowRef: workflowRef}

		data, exists, err := tx.Get(key)
		if err != nil {
			return err
		}
		if exists {
			if err := xjson.Unmarshal(data, &stats); err != nil {
				return fmt.Errorf("failed to unmarshal stats for %s: %w", workflowRef, err)
			}
		}

		if err := fn(&stats); err != nil {
			return err
		}

		encoded, err := xjson.Marshal(&stats)
		if err != nil {
			return err
		}
		if err := tx.PutWithTTL(key, encoded, ttl); err != nil {
			return err
		}

		updated = stats
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *ExecutionRepository) statsLock(workflowRef string) *sync.Mutex {
	lock, _ := r.statsLocks.LoadOrStore(workflowRef, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
