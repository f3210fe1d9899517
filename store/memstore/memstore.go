// Package memstore implements store.Store in process memory.
//
// Transactions take shared locks on read and exclusive locks on write,
// and hold them until commit or rollback. A lock request that would close
// a cycle in the wait-for graph fails with store.ErrDeadlock. Writes are
// buffered in the transaction and applied atomically on commit.
// Optionally, every commit is appended to journal file, which is replayed
// on Open.
package memstore

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skipor/evictor/aof"
	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/store"
)

type Config struct {
	// Journal enables durability. Nil means pure in-memory store.
	Journal *aof.Config
	// FixCorrupted truncates damaged journal tail on Open instead of failing.
	FixCorrupted bool
}

type Store struct {
	log log.Logger

	mu      sync.Mutex
	cond    *sync.Cond // Signaled on lock release and close.
	colls   map[string]*collection
	locks   map[lockKey]*lockState
	journal *aof.AOF
	closed  bool
}

var _ store.Store = (*Store)(nil)

// New returns store without journal.
func New(l log.Logger) *Store {
	s := &Store{
		log:   log.OrNop(l),
		colls: make(map[string]*collection),
		locks: make(map[lockKey]*lockState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Open returns store, recovered from journal if configured.
func Open(l log.Logger, conf Config) (s *Store, err error) {
	s = New(l)
	if conf.Journal == nil {
		return
	}
	var records int
	err = aof.ReadFile(conf.Journal.Name, conf.FixCorrupted, func(p []byte) error {
		records++
		b, err := decodeBatch(p)
		if err != nil {
			return err
		}
		for _, op := range b.Ops {
			s.collection(op.Coll).apply(op.Key, op.Value, op.Erase)
		}
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "journal replay")
		return
	}
	s.log.Infof("Journal %s replayed: %v records.", conf.Journal.Name, records)
	s.journal, err = aof.Open(s.log, aof.RotatorFunc(compactJournal), *conf.Journal)
	err = errors.Wrap(err, "journal open")
	return
}

func (s *Store) Collection(name string) (store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.collection(name), nil
}

// collection returns existing or new collection. Lock required.
func (s *Store) collection(name string) *collection {
	c, ok := s.colls[name]
	if !ok {
		c = newCollection(s, name)
		s.colls[name] = c
	}
	return c
}

func (s *Store) Begin() (store.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.newTxn(), nil
}

func (s *Store) newTxn() *txn {
	return &txn{
		s:      s,
		id:     uuid.NewString(),
		writes: make(map[lockKey]*pendingWrite),
		held:   make(map[lockKey]lockMode),
	}
}

// Close fails all waiting lock requests and closes journal.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	j := s.journal
	s.mu.Unlock()
	if j != nil {
		return errors.Wrap(j.Close(), "journal close")
	}
	return nil
}

func (s *Store) txnOf(tx store.Txn) (*txn, error) {
	t, ok := tx.(*txn)
	if !ok || t.s != s {
		return nil, errors.Errorf("foreign transaction %T", tx)
	}
	if t.done {
		return nil, store.ErrTxDone
	}
	return t, nil
}

// autocommit runs fn in new transaction, which is committed on success.
// Lock required.
func (s *Store) autocommit(fn func(t *txn) error) error {
	t := s.newTxn()
	err := fn(t)
	if err != nil {
		s.release(t)
		t.done = true
		return err
	}
	return s.commit(t)
}

// commit applies writes of t. Lock required.
func (s *Store) commit(t *txn) error {
	if t.done {
		return store.ErrTxDone
	}
	defer func() {
		s.release(t)
		t.done = true
	}()
	if s.closed {
		return store.ErrClosed
	}
	if len(t.order) == 0 {
		return nil
	}
	ops := make([]journalOp, 0, len(t.order))
	for _, k := range t.order {
		w := t.writes[k]
		ops = append(ops, journalOp{Coll: k.coll, Key: k.key, Value: w.value, Erase: w.erase})
	}
	if s.journal != nil {
		data, err := encodeBatch(journalBatch{Tx: t.id, Ops: ops})
		if err != nil {
			return err
		}
		err = s.journal.Append(data)
		if err != nil {
			return errors.Wrapf(err, "transaction %s journal write", t.id)
		}
	}
	for _, op := range ops {
		s.colls[op.Coll].apply(op.Key, op.Value, op.Erase)
	}
	return nil
}

type txn struct {
	s      *Store
	id     string
	writes map[lockKey]*pendingWrite
	order  []lockKey // Write order, for journal.
	held   map[lockKey]lockMode
	// waitsFor is set of transactions blocking current lock request.
	waitsFor []*txn
	done     bool
}

var _ store.Txn = (*txn)(nil)

type pendingWrite struct {
	value []byte
	erase bool
}

func (t *txn) ID() string { return t.id }

func (t *txn) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.commit(t)
}

func (t *txn) Rollback() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.s.release(t)
	t.done = true
	return nil
}

func (t *txn) write(k lockKey, value []byte, erase bool) {
	w, ok := t.writes[k]
	if !ok {
		w = &pendingWrite{}
		t.writes[k] = w
		t.order = append(t.order, k)
	}
	w.value, w.erase = value, erase
}

// lookup returns value visible for t. Lock required.
func (t *txn) lookup(c *collection, key string) (value []byte, ok bool) {
	if w, written := t.writes[lockKey{c.name, key}]; written {
		return w.value, !w.erase
	}
	value, ok = c.data[key]
	return
}

type collection struct {
	s       *Store
	name    string
	keys    []string // Sorted.
	data    map[string][]byte
	indexes map[string]*index
}

var _ store.Collection = (*collection)(nil)

func newCollection(s *Store, name string) *collection {
	return &collection{
		s:       s,
		name:    name,
		data:    make(map[string][]byte),
		indexes: make(map[string]*index),
	}
}

func (c *collection) Name() string { return c.name }

func (c *collection) Get(tx store.Txn, key string, mode store.ReadMode) ([]byte, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var (
		value []byte
		ok    bool
	)
	if tx == nil {
		value, ok = c.data[key]
	} else {
		t, err := s.txnOf(tx)
		if err != nil {
			return nil, err
		}
		lm := shared
		if mode == store.ReadForUpdate {
			lm = exclusive
		}
		err = s.lock(t, lockKey{c.name, key}, lm)
		if err != nil {
			return nil, err
		}
		value, ok = t.lookup(c, key)
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (c *collection) Put(tx store.Txn, key string, value []byte) error {
	value = append([]byte(nil), value...)
	return c.modify(tx, key, func(t *txn) error {
		t.write(lockKey{c.name, key}, value, false)
		return nil
	})
}

func (c *collection) Erase(tx store.Txn, key string) error {
	return c.modify(tx, key, func(t *txn) error {
		if _, ok := t.lookup(c, key); !ok {
			return store.ErrNotFound
		}
		t.write(lockKey{c.name, key}, nil, true)
		return nil
	})
}

// modify runs fn with exclusive lock on key acquired.
func (c *collection) modify(tx store.Txn, key string, fn func(t *txn) error) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	do := func(t *txn) error {
		err := s.lock(t, lockKey{c.name, key}, exclusive)
		if err != nil {
			return err
		}
		return fn(t)
	}
	if tx == nil {
		return s.autocommit(do)
	}
	t, err := s.txnOf(tx)
	if err != nil {
		return err
	}
	return do(t)
}

// apply changes committed state. Lock required.
func (c *collection) apply(key string, value []byte, erase bool) {
	old, existed := c.data[key]
	if existed {
		for _, idx := range c.indexes {
			idx.remove(key, old)
		}
	}
	i := sort.SearchStrings(c.keys, key)
	if erase {
		if existed {
			delete(c.data, key)
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
		}
		return
	}
	if !existed {
		c.keys = append(c.keys, "")
		copy(c.keys[i+1:], c.keys[i:])
		c.keys[i] = key
	}
	c.data[key] = value
	for _, idx := range c.indexes {
		idx.add(key, value)
	}
}

func (c *collection) Cursor(tx store.Txn) (store.Cursor, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var t *txn
	if tx != nil {
		var err error
		t, err = s.txnOf(tx)
		if err != nil {
			return nil, err
		}
	}
	keys := c.keys
	values := c.data
	if t != nil {
		keys, values = c.mergeWrites(t)
	} else {
		keys = append([]string(nil), keys...)
		values = make(map[string][]byte, len(keys))
		for _, k := range keys {
			values[k] = c.data[k]
		}
	}
	return &cursor{keys: keys, values: values, pos: -1}, nil
}

// mergeWrites returns committed keys and values overlaid with writes of t. Lock required.
func (c *collection) mergeWrites(t *txn) (keys []string, values map[string][]byte) {
	values = make(map[string][]byte, len(c.keys))
	for _, k := range c.keys {
		values[k] = c.data[k]
	}
	for lk, w := range t.writes {
		if lk.coll != c.name {
			continue
		}
		if w.erase {
			delete(values, lk.key)
		} else {
			values[lk.key] = w.value
		}
	}
	keys = make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

type cursor struct {
	keys   []string
	values map[string][]byte
	pos    int
}

func (c *cursor) valid() bool { return c.pos >= 0 && c.pos < len(c.keys) }

func (c *cursor) First() (bool, error) {
	c.pos = 0
	return c.valid(), nil
}

func (c *cursor) Find(key string) (bool, error) {
	c.pos = sort.SearchStrings(c.keys, key)
	return c.valid() && c.keys[c.pos] == key, nil
}

func (c *cursor) LowerBound(key string) (bool, error) {
	c.pos = sort.SearchStrings(c.keys, key)
	return c.valid(), nil
}

func (c *cursor) UpperBound(key string) (bool, error) {
	c.pos = sort.Search(len(c.keys), func(i int) bool { return c.keys[i] > key })
	return c.valid(), nil
}

func (c *cursor) Next() (bool, error) {
	if c.pos < len(c.keys) {
		c.pos++
	}
	return c.valid(), nil
}

func (c *cursor) Key() string {
	if !c.valid() {
		return ""
	}
	return c.keys[c.pos]
}

// Value must not be modified.
func (c *cursor) Value() []byte {
	if !c.valid() {
		return nil
	}
	return c.values[c.keys[c.pos]]
}

func (c *cursor) Close() error {
	c.keys, c.values = nil, nil
	return nil
}
