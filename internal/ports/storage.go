package ports

import (
	"time"
)

type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	PutWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error
	ListByPrefix(prefix string) ([]KeyValue, error)
	CountPrefix(prefix string) (int, error)
	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	AtomicIncrement(key string) (int64, error)

	RunInTransaction(fn func(tx Transaction) error) error
	Close() error
}

type Transaction interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	PutWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type WriteOp struct {
	Type  OpType
	Key   string
	Value []byte
	TTL   time.Duration
}

type KeyValue struct {
	Key   string
	Value []byte
}
