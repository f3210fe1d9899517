// Package store defines the persistent key/value engine consumed by the evictor.
//
// A Store holds named collections of ordered string keys. Every operation
// takes an optional transaction; nil means the operation is applied on its
// own. Implementations report lock conflicts they resolve by aborting the
// caller with ErrDeadlock. After ErrDeadlock the transaction must be rolled
// back; re-running the whole unit of work is safe.
package store

import "github.com/pkg/errors"

var (
	ErrNotFound = errors.New("not found")
	ErrDeadlock = errors.New("deadlock detected")
	ErrClosed   = errors.New("store closed")
	ErrTxDone   = errors.New("transaction already committed or rolled back")
	ErrNoIndex  = errors.New("no such index")
)

type Store interface {
	// Collection returns named collection, creating it if needed.
	Collection(name string) (Collection, error)
	Begin() (Txn, error)
	Close() error
}

type Txn interface {
	ID() string
	Commit() error
	Rollback() error
}

// ReadMode selects lock taken by transactional read.
type ReadMode int

const (
	ReadShared ReadMode = iota
	// ReadForUpdate takes write lock at once, so later write in same
	// transaction doesn't need lock upgrade.
	ReadForUpdate
)

type Collection interface {
	Name() string
	Get(tx Txn, key string, mode ReadMode) (value []byte, err error)
	Put(tx Txn, key string, value []byte) error
	// Erase returns ErrNotFound if there is no such key.
	Erase(tx Txn, key string) error
	// Cursor iterates keys in ascending order. It sees committed data and
	// writes of tx.
	Cursor(tx Txn) (Cursor, error)
	// AddIndex registers secondary index. Existing records are indexed at once.
	AddIndex(name string, extract IndexFunc) error
	Index(name string) (Index, error)
}

// IndexFunc extracts secondary key from record. Records for which ok is
// false are not indexed.
type IndexFunc func(key string, value []byte) (idxKey []byte, ok bool)

type Index interface {
	Name() string
	// Find returns primary keys of records with given secondary key in
	// ascending order. Not positive limit means no limit.
	Find(tx Txn, idxKey []byte, limit int) (keys []string, err error)
}

type Cursor interface {
	First() (ok bool, err error)
	// Find positions cursor exactly on key.
	Find(key string) (ok bool, err error)
	// LowerBound positions cursor on first key not less than key.
	LowerBound(key string) (ok bool, err error)
	// UpperBound positions cursor on first key greater than key.
	UpperBound(key string) (ok bool, err error)
	Next() (ok bool, err error)
	Key() string
	Value() []byte
	Close() error
}
