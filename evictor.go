// Package evictor provides servant locators, that keep bounded number of
// persistent objects in memory and load others from store on demand.
//
// BackgroundSaveEvictor keeps changes in cached servants and writes them to
// store lazily, according to eviction strategy. TransactionalEvictor runs
// every mutating call in store transaction, and uses cache for read-only
// calls outside of transaction only.
package evictor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/metrics"
	"github.com/skipor/evictor/store"
)

// ServantLocator is used by dispatcher. Every successful Locate must be
// followed by exactly one Finished with returned call.
type ServantLocator interface {
	Locate(ctx context.Context, cur Current) (*Call, error)
	// Finished releases call servant. CallErr is error returned by servant.
	Finished(call *Call, callErr error) error
	// Deactivate saves and drops cached servants of category, or all categories
	// if category is empty. Locate fails with ErrDeactivated after that.
	Deactivate(category string) error
}

type Evictor interface {
	ServantLocator
	// CreateObject persists new object. It fails if object already exists.
	CreateObject(ctx context.Context, id Identity, servant Servant) error
	DestroyObject(ctx context.Context, id Identity) error
	HasObject(ctx context.Context, id Identity) (bool, error)
	// Keep makes object resident, until matching Release.
	Keep(id Identity) error
	Release(id Identity) error
	// Find returns identities of objects with given index key.
	Find(ctx context.Context, category, index string, key []byte, limit int) ([]Identity, error)
	// Iterator iterates identities of persistent objects of category.
	Iterator(ctx context.Context, category string, batchSize int) (*Iterator, error)
	// SetSize changes capacity of every category cache.
	SetSize(size int) error
	Size() int
}

// Category describes persistent objects kept in one store collection.
type Category struct {
	Name    string
	Codec   codec.Codec
	Indexes []Index
}

// Index is secondary index of category objects.
type Index struct {
	Name string
	// Key extracts index key from servant. Servants for which ok is false are not indexed.
	Key func(servant Servant) (key []byte, ok bool)
}

// Call is checked out servant of one dispatched operation.
// It can be finished only once.
type Call struct {
	Current Current
	Servant Servant

	ctx      context.Context
	finished int32
	// Set for cached servant.
	store *objectStore
	entry *entry
	// Set for servant used in transaction.
	holder *servantHolder
	// owned is context created for this call. It is ended on Finished.
	owned *EvictorContext
}

// Context returns context for servant code. In transactional mode
// it carries current transaction.
func (c *Call) Context() context.Context { return c.ctx }

func (c *Call) finish() error {
	if c == nil || !atomic.CompareAndSwapInt32(&c.finished, 0, 1) {
		return ErrFinishedTwice
	}
	return nil
}

// evictor is part common for both modes.
type evictor struct {
	log     log.Logger
	metrics metrics.Interface
	db      store.Store

	capacity   atomic.Int64
	stores     map[string]*objectStore
	categories []string

	mu          sync.Mutex
	deactivated map[string]bool
}

func newEvictor(l log.Logger, db store.Store, conf Config, s func() strategy, cats []Category) (ev *evictor, err error) {
	err = conf.Validate()
	if err != nil {
		return
	}
	if len(cats) == 0 {
		err = errors.New("no categories")
		return
	}
	ev = &evictor{
		log:         log.OrNop(l),
		metrics:     metrics.OrNoop(conf.Metrics),
		db:          db,
		stores:      make(map[string]*objectStore, len(cats)),
		deactivated: make(map[string]bool),
	}
	ev.capacity.Store(int64(conf.Size))
	for _, c := range cats {
		if c.Codec == nil {
			return nil, errors.Errorf("category %q: no codec", c.Name)
		}
		if _, ok := ev.stores[c.Name]; ok {
			return nil, errors.Errorf("duplicate category %q", c.Name)
		}
		coll, err := db.Collection(c.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "category %q collection", c.Name)
		}
		for _, idx := range c.Indexes {
			err = ev.addIndex(coll, c.Codec, idx)
			if err != nil {
				return nil, errors.Wrapf(err, "category %q index %q", c.Name, idx.Name)
			}
		}
		var st strategy
		if s != nil {
			st = s()
		}
		ev.stores[c.Name] = newObjectStore(ev.log, ev.metrics, c, coll, st, &ev.capacity)
		ev.categories = append(ev.categories, c.Name)
	}
	sort.Strings(ev.categories)
	ev.log.Infof("Evictor of %v categories with size %v started.", ev.categories, conf.Size)
	return
}

func (ev *evictor) addIndex(coll store.Collection, c codec.Codec, idx Index) error {
	if _, err := coll.Index(idx.Name); err == nil {
		// Registered by previous evictor on the same store.
		return nil
	}
	return coll.AddIndex(idx.Name, func(key string, value []byte) ([]byte, bool) {
		rec, err := codec.DecodeRecord(value)
		if err != nil {
			ev.log.Warnf("Index %s: record %s decode failed: %v", idx.Name, key, err)
			return nil, false
		}
		servant, err := c.Unmarshal(rec.Servant)
		if err != nil {
			ev.log.Warnf("Index %s: servant %s decode failed: %v", idx.Name, key, err)
			return nil, false
		}
		return idx.Key(servant)
	})
}

func (ev *evictor) storeOf(id Identity) (*objectStore, error) {
	s, ok := ev.stores[id.Category]
	if !ok {
		return nil, &NotFoundError{ID: id, Err: errors.Errorf("unknown category %q", id.Category)}
	}
	return s, nil
}

// storesOf returns stores of category, or all stores if category is empty.
func (ev *evictor) storesOf(category string) ([]*objectStore, error) {
	if category == "" {
		res := make([]*objectStore, 0, len(ev.categories))
		for _, c := range ev.categories {
			res = append(res, ev.stores[c])
		}
		return res, nil
	}
	s, ok := ev.stores[category]
	if !ok {
		return nil, errors.Errorf("unknown category %q", category)
	}
	return []*objectStore{s}, nil
}

func (ev *evictor) deactivate(category string) (err error) {
	stores, err := ev.storesOf(category)
	if err != nil {
		return
	}
	for _, s := range stores {
		if flushErr := s.flush(); err == nil {
			err = flushErr
		}
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	allBefore := len(ev.deactivated) == len(ev.stores)
	for _, s := range stores {
		ev.deactivated[s.category] = true
	}
	if allBefore || len(ev.deactivated) < len(ev.stores) {
		return
	}
	ev.log.Info("Evictor deactivated.")
	if closeErr := ev.db.Close(); err == nil {
		err = errors.Wrap(closeErr, "store close")
	}
	return
}

func (ev *evictor) HasObject(_ context.Context, id Identity) (bool, error) {
	s, err := ev.storeOf(id)
	if err != nil {
		return false, err
	}
	return s.has(id)
}

func (ev *evictor) Keep(id Identity) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return s.keep(id)
}

func (ev *evictor) Release(id Identity) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return s.release(id)
}

func (ev *evictor) SetSize(size int) (err error) {
	if size < 0 {
		return errors.Errorf("negative evictor size %v", size)
	}
	ev.capacity.Store(int64(size))
	for _, c := range ev.categories {
		if shrinkErr := ev.stores[c].shrink(); err == nil {
			err = shrinkErr
		}
	}
	return
}

func (ev *evictor) Size() int { return int(ev.capacity.Load()) }

func (ev *evictor) find(tx store.Txn, category, index string, key []byte, limit int) ([]Identity, error) {
	s, ok := ev.stores[category]
	if !ok {
		return nil, errors.Errorf("unknown category %q", category)
	}
	idx, err := s.coll.Index(index)
	if err != nil {
		return nil, errors.Wrapf(err, "category %q index %q", category, index)
	}
	names, err := idx.Find(tx, key, limit)
	if err != nil {
		return nil, storageError("find", Identity{Category: category}, txID(tx), err)
	}
	ids := make([]Identity, len(names))
	for i, n := range names {
		ids[i] = Identity{Category: category, Name: n}
	}
	return ids, nil
}

func (ev *evictor) iterator(tx store.Txn, category string, batchSize int) (*Iterator, error) {
	s, ok := ev.stores[category]
	if !ok {
		return nil, errors.Errorf("unknown category %q", category)
	}
	return newIterator(s.coll, tx, category, batchSize), nil
}

// New returns evictor of configured mode.
func New(l log.Logger, db store.Store, conf Config, cats ...Category) (Evictor, error) {
	if conf.Mode == Transactional {
		return NewTransactional(l, db, conf, cats...)
	}
	return NewBackgroundSave(l, db, conf, cats...)
}
