package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

var _ ports.EventManager = (*Manager)(nil)

// Manager turns storage writes into execution and node events. Execution
// events come from ExecutionRecord status changes, node events from the
// per-node outcome entries the tracker appends to the execution log.
type Manager struct {
	source ports.StorageSubscriber
	logger *slog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	running       bool
	cancel        context.CancelFunc
	subscriptions []*subscription
	wg            sync.WaitGroup

	statusMu   sync.Mutex
	lastStatus map[string]domain.ExecutionStatus

	executionStartedHandlers   []func(*domain.ExecutionEvent)
	executionCompletedHandlers []func(*domain.ExecutionEvent)
	executionFailedHandlers    []func(*domain.ExecutionEvent)
	executionCanceledHandlers  []func(*domain.ExecutionEvent)
	nodeCompletedHandlers      []func(*domain.NodeEvent)
	nodeFailedHandlers         []func(*domain.NodeEvent)
	genericHandlers            []genericSubscription
}

type genericSubscription struct {
	id      string
	pattern string
	handler func(string, interface{})
}

type subscription struct {
	prefix  string
	channel <-chan ports.StorageEvent
	cleanup func()
}

func NewManager(source ports.StorageSubscriber, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		source:     source,
		logger:     logger.With("component", "event-manager"),
		now:        time.Now,
		lastStatus: make(map[string]domain.ExecutionStatus),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("event manager: %w", domain.ErrAlreadyStarted)
	}
	if m.source == nil {
		return fmt.Errorf("event manager: %w: no storage source", domain.ErrInvalidConfig)
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, prefix := range []string{domain.ExecutionPrefix(), domain.LogPrefix()} {
		channel, cleanup, err := m.source.Subscribe(prefix)
		if err != nil {
			cancel()
			m.closeSubscriptions()
			return fmt.Errorf("event manager: subscribe %s: %w", prefix, err)
		}
		sub := &subscription{prefix: prefix, channel: channel, cleanup: cleanup}
		m.subscriptions = append(m.subscriptions, sub)

		m.wg.Add(1)
		go m.handleStorageEvents(runCtx, sub)
	}

	m.cancel = cancel
	m.running = true
	m.logger.Debug("event manager started")
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("event manager: %w", domain.ErrNotStarted)
	}
	m.cancel()
	m.closeSubscriptions()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Debug("event manager stopped")
	return nil
}

func (m *Manager) closeSubscriptions() {
	for _, sub := range m.subscriptions {
		sub.cleanup()
	}
	m.subscriptions = nil
}

func (m *Manager) handleStorageEvents(ctx context.Context, sub *subscription) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.channel:
			if !ok {
				return
			}
			if err := m.processStorageEvent(event); err != nil {
				m.logger.Error("failed to process storage event", "error", err, "key", event.Key, "type", event.Type)
			}
		}
	}
}

func (m *Manager) processStorageEvent(event ports.StorageEvent) error {
	switch {
	case strings.HasPrefix(event.Key, domain.ExecutionPrefix()):
		return m.processExecutionEvent(event)
	case strings.HasPrefix(event.Key, domain.LogPrefix()):
		return m.processLogEvent(event)
	default:
		return nil
	}
}

func (m *Manager) processExecutionEvent(event ports.StorageEvent) error {
	if event.Type == ports.StorageEventDelete {
		m.statusMu.Lock()
		delete(m.lastStatus, strings.TrimPrefix(event.Key, domain.ExecutionPrefix()))
		m.statusMu.Unlock()
		return nil
	}

	var record domain.ExecutionRecord
	if err := xjson.Unmarshal(event.Value, &record); err != nil {
		return fmt.Errorf("%w: decode execution record: %v", domain.ErrInvalidInput, err)
	}

	if !m.statusChanged(record.ID, record.Status) {
		return nil
	}

	var eventType domain.EventType
	switch record.Status {
	case domain.ExecutionStatusRunning:
		eventType = domain.EventExecutionStarted
	case domain.ExecutionStatusSuccess:
		eventType = domain.EventExecutionCompleted
	case domain.ExecutionStatusError:
		eventType = domain.EventExecutionFailed
	case domain.ExecutionStatusCanceled:
		eventType = domain.EventExecutionCanceled
	default:
		return nil
	}

	executionEvent := &domain.ExecutionEvent{
		Type:        eventType,
		ExecutionID: record.ID,
		WorkflowRef: record.WorkflowRef,
		Status:      record.Status,
		Mode:        record.Mode,
		Error:       record.ErrorMessage,
		DurationMs:  record.DurationMs,
		Timestamp:   m.eventTime(event),
	}
	if record.Status.IsTerminal() {
		executionEvent.Output = record.OutputData
	}

	m.mu.RLock()
	var handlers []func(*domain.ExecutionEvent)
	switch eventType {
	case domain.EventExecutionStarted:
		handlers = append(handlers, m.executionStartedHandlers...)
	case domain.EventExecutionCompleted:
		handlers = append(handlers, m.executionCompletedHandlers...)
	case domain.EventExecutionFailed:
		handlers = append(handlers, m.executionFailedHandlers...)
	case domain.EventExecutionCanceled:
		handlers = append(handlers, m.executionCanceledHandlers...)
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(executionEvent) })
	}
	m.notifyGenericHandlers(domain.EventKey(eventType, record.ID), executionEvent)
	return nil
}

// statusChanged records status for id and reports whether it differs from the
// last one seen. Terminal statuses are forgotten so a retried run reports again.
func (m *Manager) statusChanged(id string, status domain.ExecutionStatus) bool {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	previous, seen := m.lastStatus[id]
	if seen && previous == status {
		return false
	}
	if status.IsTerminal() {
		delete(m.lastStatus, id)
	} else {
		m.lastStatus[id] = status
	}
	return true
}

func (m *Manager) processLogEvent(event ports.StorageEvent) error {
	if event.Type == ports.StorageEventDelete {
		return nil
	}

	var entry domain.ExecutionLogEntry
	if err := xjson.Unmarshal(event.Value, &entry); err != nil {
		return fmt.Errorf("%w: decode log entry: %v", domain.ErrInvalidInput, err)
	}
	if entry.NodeID == "" {
		return nil
	}
	success, ok := entry.Context["success"].(bool)
	if !ok {
		return nil
	}

	nodeEvent := &domain.NodeEvent{
		Type:        domain.EventNodeCompleted,
		ExecutionID: entry.ExecutionID,
		NodeID:      entry.NodeID,
		Attempts:    int(numberField(entry.Context, "attempts")),
		DurationMs:  numberField(entry.Context, "duration_ms"),
		Timestamp:   entry.Timestamp,
	}

	if !success {
		nodeEvent.Type = domain.EventNodeFailed
		nodeEvent.Error, _ = entry.Context["error"].(string)
		if class, ok := entry.Context["error_class"].(string); ok {
			nodeEvent.ErrorClass = domain.ErrorClass(class)
		}
	}

	m.mu.RLock()
	var handlers []func(*domain.NodeEvent)
	if success {
		handlers = append(handlers, m.nodeCompletedHandlers...)
	} else {
		handlers = append(handlers, m.nodeFailedHandlers...)
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(nodeEvent) })
	}
	m.notifyGenericHandlers(domain.NodeEventKey(nodeEvent.Type, entry.ExecutionID, entry.NodeID), nodeEvent)
	return nil
}

func numberField(fields map[string]interface{}, key string) int64 {
	switch v := fields[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (m *Manager) eventTime(event ports.StorageEvent) time.Time {
	if !event.Timestamp.IsZero() {
		return event.Timestamp
	}
	return m.now()
}

func (m *Manager) OnExecutionStarted(handler func(*domain.ExecutionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionStartedHandlers = append(m.executionStartedHandlers, handler)
}

func (m *Manager) OnExecutionCompleted(handler func(*domain.ExecutionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionCompletedHandlers = append(m.executionCompletedHandlers, handler)
}

func (m *Manager) OnExecutionFailed(handler func(*domain.ExecutionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionFailedHandlers = append(m.executionFailedHandlers, handler)
}

func (m *Manager) OnExecutionCanceled(handler func(*domain.ExecutionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionCanceledHandlers = append(m.executionCanceledHandlers, handler)
}

func (m *Manager) OnNodeCompleted(handler func(*domain.NodeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeCompletedHandlers = append(m.nodeCompletedHandlers, handler)
}

func (m *Manager) OnNodeFailed(handler func(*domain.NodeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeFailedHandlers = append(m.nodeFailedHandlers, handler)
}

func (m *Manager) Subscribe(pattern string, handler func(string, interface{})) (string, error) {
	if pattern == "" || handler == nil {
		return "", fmt.Errorf("%w: subscription needs a pattern and a handler", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := genericSubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
	}
	m.genericHandlers = append(m.genericHandlers, sub)
	return sub.id, nil
}

func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.genericHandlers {
		if sub.id == id {
			m.genericHandlers = append(m.genericHandlers[:i], m.genericHandlers[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) notifyGenericHandlers(key string, eventData interface{}) {
	m.mu.RLock()
	var matchingHandlers []func(string, interface{})
	for _, sub := range m.genericHandlers {
		if m.patternMatches(sub.pattern, key) {
			matchingHandlers = append(matchingHandlers, sub.handler)
		}
	}
	m.mu.RUnlock()

	for _, handler := range matchingHandlers {
		handler := handler
		go m.safeCall(func() { handler(key, eventData) })
	}
}

func (m *Manager) patternMatches(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
