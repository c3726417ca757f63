package domain

import "fmt"

const (
	executionPrefix = "execution:"
	logPrefix       = "execlog:"
	statsPrefix     = "stats:"
	queuePrefix     = "queue:"
)

func ExecutionKey(id string) string {
	return executionPrefix + id
}

func ExecutionPrefix() string {
	return executionPrefix
}

// LogPrefix covers the logs of every execution.
func LogPrefix() string {
	return logPrefix
}

func ExecutionLogPrefix(executionID string) string {
	return fmt.Sprintf("%s%s:", logPrefix, executionID)
}

func ExecutionLogKey(executionID string, sequence int64) string {
	return fmt.Sprintf("%s%s:%020d", logPrefix, executionID, sequence)
}

func ExecutionLogSequenceKey(executionID string) string {
	return fmt.Sprintf("seq:%s%s", logPrefix, executionID)
}

func WorkflowStatsKey(workflowRef string) string {
	return statsPrefix + workflowRef
}

func QueuePendingPrefix(priority Priority) string {
	return fmt.Sprintf("%s%s:pending:", queuePrefix, priority)
}

func QueuePendingKey(priority Priority, sequence int64) string {
	return fmt.Sprintf("%s%020d", QueuePendingPrefix(priority), sequence)
}

func QueueProcessingPrefix(priority Priority) string {
	return fmt.Sprintf("%s%s:processing:", queuePrefix, priority)
}

func QueueProcessingKey(priority Priority, jobID string) string {
	return QueueProcessingPrefix(priority) + jobID
}

func QueueFailedPrefix(priority Priority) string {
	return fmt.Sprintf("%s%s:failed:", queuePrefix, priority)
}

func QueueFailedKey(priority Priority, jobID string) string {
	return QueueFailedPrefix(priority) + jobID
}

func QueueSequenceKey() string {
	return "seq:" + queuePrefix + "pending"
}

// QueueJobIndexKey maps a job ID to the key currently holding it.
func QueueJobIndexKey(jobID string) string {
	return queuePrefix + "index:" + jobID
}
