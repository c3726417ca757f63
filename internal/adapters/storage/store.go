package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

const encryptedIndexCacheSize = 64 << 20

// Store is a ports.StoragePort backed by a single badger database.
type Store struct {
	db              *badger.DB
	logger          *slog.Logger
	conflictRetries int

	// counterMu serializes AtomicIncrement so concurrent increments of one
	// counter never conflict at commit.
	counterMu sync.Mutex

	mu     sync.RWMutex
	closed bool
	subs   map[string]context.CancelFunc
}

func NewStore(config domain.StorageConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DataDir == "" {
			return nil, domain.NewConfigError("storage.data_dir", errors.New("data dir is required unless in_memory is set"))
		}
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, domain.NewStorageError("mkdir", config.DataDir, err)
		}
		opts = badger.DefaultOptions(config.DataDir).WithSyncWrites(config.SyncWrites)
	}

	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	if len(config.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey([]byte(config.EncryptionKey)).WithIndexCacheSize(encryptedIndexCacheSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewStorageError("open", config.DataDir, err)
	}

	retries := config.ConflictRetries
	if retries <= 0 {
		retries = domain.DefaultStorageConfig().ConflictRetries
	}

	logger.Info("storage opened", "data_dir", config.DataDir, "in_memory", config.InMemory)

	return &Store{
		db:              db,
		logger:          logger,
		conflictRetries: retries,
		subs:            make(map[string]context.CancelFunc),
	}, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

const conflictBackoff = time.Millisecond

// update runs fn in a read-write transaction, retrying on commit conflicts
// with a linearly growing pause between attempts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * conflictBackoff)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) Get(key string) (value []byte, exists bool, err error) {
	err = s.view(func(txn *badger.Txn) error {
		value, exists, err = getFromTxn(txn, key)
		return err
	})
	if err != nil {
		return nil, false, domain.NewStorageError("get", key, err)
	}
	return value, exists, nil
}

func (s *Store) Put(key string, value []byte) error {
	return s.PutWithTTL(key, value, 0)
}

func (s *Store) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return domain.NewStorageError("put", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return domain.NewStorageError("delete", key, err)
	}
	return nil
}

func (s *Store) Exists(key string) (bool, error) {
	_, exists, err := s.Get(key)
	return exists, err
}

// BatchWrite applies every op in one transaction.
func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	err := s.update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				if err := txn.SetEntry(newEntry(op.Key, op.Value, op.TTL)); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unknown write op %d", domain.ErrInvalidInput, op.Type)
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewStorageError("batch_write", "", err)
	}
	return nil
}

// ListByPrefix returns every live key under prefix in key order.
func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	var results []ports.KeyValue

	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValue{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("list", prefix, err)
	}
	return results, nil
}

func (s *Store) CountPrefix(prefix string) (int, error) {
	count := 0

	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, domain.NewStorageError("count", prefix, err)
	}
	return count, nil
}

// GetNext returns the lowest key under prefix.
func (s *Store) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	err = s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}

		item := it.Item()
		key = string(item.KeyCopy(nil))
		value, err = item.ValueCopy(nil)
		exists = err == nil
		return err
	})
	if err != nil {
		return "", nil, false, domain.NewStorageError("get_next", prefix, err)
	}
	return key, value, exists, nil
}

// AtomicIncrement adds one to the decimal counter at key and returns the new value.
func (s *Store) AtomicIncrement(key string) (int64, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	var next int64

	err := s.update(func(txn *badger.Txn) error {
		current, exists, err := getFromTxn(txn, key)
		if err != nil {
			return err
		}

		var value int64
		if exists {
			value, err = strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return fmt.Errorf("counter is not an integer: %w", err)
			}
		}

		next = value + 1
		return txn.Set([]byte(key), []byte(strconv.FormatInt(next, 10)))
	})
	if err != nil {
		return 0, domain.NewStorageError("increment", key, err)
	}
	return next, nil
}

// RunInTransaction runs fn atomically. fn may be invoked more than once when
// the commit conflicts with a concurrent writer.
func (s *Store) RunInTransaction(fn func(tx ports.Transaction) error) error {
	err := s.update(func(txn *badger.Txn) error {
		return fn(&transaction{txn: txn})
	})
	if err != nil {
		return domain.NewStorageError("transaction", "", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}

	s.logger.Info("closing storage")
	return s.db.Close()
}

type transaction struct {
	txn *badger.Txn
}

func (t *transaction) Get(key string) ([]byte, bool, error) {
	return getFromTxn(t.txn, key)
}

func (t *transaction) Put(key string, value []byte) error {
	return t.txn.SetEntry(newEntry(key, value, 0))
}

func (t *transaction) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	return t.txn.SetEntry(newEntry(key, value, ttl))
}

func (t *transaction) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func getFromTxn(txn *badger.Txn, key string) ([]byte, bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return entry
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
