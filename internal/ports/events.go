package ports

import (
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

type StorageEventType string

const (
	StorageEventPut    StorageEventType = "put"
	StorageEventDelete StorageEventType = "delete"
)

type StorageEvent struct {
	Type      StorageEventType
	Key       string
	Value     []byte
	Timestamp time.Time
}

// StorageSubscriber streams writes under a key prefix. The returned function
// ends the subscription and closes the channel.
type StorageSubscriber interface {
	Subscribe(prefix string) (<-chan StorageEvent, func(), error)
}

type EventManager interface {
	OnExecutionStarted(handler func(*domain.ExecutionEvent))
	OnExecutionCompleted(handler func(*domain.ExecutionEvent))
	OnExecutionFailed(handler func(*domain.ExecutionEvent))
	OnExecutionCanceled(handler func(*domain.ExecutionEvent))
	OnNodeCompleted(handler func(*domain.NodeEvent))
	OnNodeFailed(handler func(*domain.NodeEvent))

	// Subscribe registers a handler for every event whose key matches
	// pattern: "*", a prefix ending in "*", or an exact key.
	Subscribe(pattern string, handler func(key string, event interface{})) (string, error)
	Unsubscribe(id string) bool
}
