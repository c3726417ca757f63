package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/pb"
	"github.com/google/uuid"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

const (
	subscriptionBuffer = 256
	probePrefix        = "sys:probe:"
	probeTimeout       = 2 * time.Second
)

var _ ports.StorageSubscriber = (*Store)(nil)

// Subscribe streams every write under prefix. Events are dropped, with a
// warning, when the consumer falls more than the buffer size behind.
// Subscribe returns once badger is delivering to the new subscriber.
func (s *Store) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	probeKey := probePrefix + id
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, domain.ErrClosed
	}
	s.subs[id] = cancel
	s.mu.Unlock()

	events := make(chan ports.StorageEvent, subscriptionBuffer)
	ready := make(chan struct{})
	var readyOnce sync.Once

	matches := []pb.Match{{Prefix: []byte(prefix)}, {Prefix: []byte(probeKey)}}

	go func() {
		defer close(events)

		err := s.db.Subscribe(ctx, func(list *badger.KVList) error {
			for _, kv := range list.Kv {
				key := string(kv.Key)
				if key == probeKey {
					readyOnce.Do(func() { close(ready) })
					continue
				}

				event := ports.StorageEvent{Type: ports.StorageEventPut, Key: key, Value: kv.Value, Timestamp: time.Now()}
				if len(kv.Value) == 0 {
					event.Type = ports.StorageEventDelete
				}

				select {
				case events <- event:
				default:
					s.logger.Warn("subscriber too slow, dropping event", "prefix", prefix, "key", key)
				}
			}
			return nil
		}, matches)

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("subscription ended", "prefix", prefix, "error", err)
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			cancel()
		})
	}

	if err := s.awaitSubscriber(probeKey, ready); err != nil {
		stop()
		return nil, nil, err
	}

	return events, stop, nil
}

// awaitSubscriber writes the probe key until the subscription sees it. The
// subscriber is registered asynchronously, so earlier writes may be missed.
func (s *Store) awaitSubscriber(probeKey string, ready <-chan struct{}) error {
	deadline := time.After(probeTimeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	defer func() {
		if err := s.Delete(probeKey); err != nil {
			s.logger.Debug("failed to delete subscription probe", "key", probeKey, "error", err)
		}
	}()

	for {
		if err := s.Put(probeKey, []byte{1}); err != nil {
			return err
		}

		select {
		case <-ready:
			return nil
		case <-deadline:
			return domain.NewStorageError("subscribe", probeKey, errors.New("subscriber did not become ready"))
		case <-ticker.C:
		}
	}
}
