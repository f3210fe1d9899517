package evictor

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/internal/tag"
	"github.com/skipor/evictor/internal/util"
	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/metrics"
	"github.com/skipor/evictor/store"
)

// objectStore is cache of one category servants on top of store collection.
// All entry fields and store state are protected by monitor.
// Store I/O on cache miss is done without monitor lock: concurrent
// lookups of the same identity wait for loading entry.
type objectStore struct {
	log      log.Logger
	metrics  metrics.Interface
	category string
	coll     store.Collection
	codec    codec.Codec
	// strategy is nil in transactional mode: cached servants are never modified.
	strategy strategy
	capacity *atomic.Int64

	mon         monitor
	table       map[string]*entry
	lru         lru
	seq         uint64
	checkedOut  int
	loads       int
	deactivated bool
	flushed     bool
}

func newObjectStore(l log.Logger, m metrics.Interface, c Category, coll store.Collection, s strategy, capacity *atomic.Int64) *objectStore {
	st := &objectStore{
		log:      l.WithFields(log.Fields{"category": c.Name}),
		metrics:  m,
		category: c.Name,
		coll:     coll,
		codec:    c.Codec,
		strategy: s,
		capacity: capacity,
		table:    make(map[string]*entry),
	}
	st.mon.init()
	st.lru.init()
	return st
}

var (
	beforeLoadTestHook = func(id Identity) {}
	afterSaveTestHook  = func(id Identity) {}
)

// checkout returns resident or loaded entry and marks it as used by call.
// Checked out entry is not evictable, until release.
func (s *objectStore) checkout(id Identity, mutating bool) (e *entry, err error) {
	s.mon.Lock()
	defer s.mon.Unlock()
	for {
		if s.deactivated {
			return nil, ErrDeactivated
		}
		var ok bool
		e, ok = s.table[id.Name]
		if !ok {
			break
		}
		if e.loading {
			s.mon.Wait()
			continue
		}
		s.metrics.IncHit()
		s.use(e, mutating)
		return
	}

	s.metrics.IncMiss()
	e = &entry{id: id, loading: true}
	s.table[id.Name] = e
	s.loads++
	s.mon.Unlock()
	beforeLoadTestHook(id)
	servant, stats, err := s.load(nil, id, store.ReadShared)
	s.mon.Lock()

	e.loading = false
	s.loads--
	s.mon.NotifyAll()
	if err == nil && s.deactivated {
		err = ErrDeactivated
	}
	if err != nil {
		if s.table[id.Name] == e {
			delete(s.table, id.Name)
		}
		return nil, err
	}
	e.servant, e.stats = servant, stats
	if s.strategy != nil {
		s.strategy.activatedObject(e)
	}
	s.use(e, mutating)
	s.updateSize()
	s.log.Debugf("Object %s activated.", id)
	return
}

// use marks entry as checked out. Lock required.
func (s *objectStore) use(e *entry, mutating bool) {
	if s.lru.contains(e) {
		s.lru.remove(e)
	}
	e.holders++
	s.checkedOut++
	if s.strategy != nil {
		s.strategy.preOperation(e, mutating)
	}
}

// finish runs strategy post operation and releases entry checked out by checkout.
func (s *objectStore) finish(e *entry, mutating bool) (err error) {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.strategy != nil {
		err = s.strategy.postOperation(s, e, mutating)
	}
	e.holders--
	s.checkedOut--
	if tag.Debug && (e.holders < 0 || s.checkedOut < 0) {
		s.log.Panicf("Negative holders of %s.", e.id)
	}
	if s.checkedOut == 0 && s.deactivated {
		s.mon.NotifyAll()
	}
	s.touch(e)
	if evictErr := s.evictOverflow(); err == nil {
		err = evictErr
	}
	if tag.Debug {
		s.checkInvariants()
	}
	return
}

// enter registers call, that uses category objects without checkout.
func (s *objectStore) enter() error {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.deactivated {
		return ErrDeactivated
	}
	s.checkedOut++
	return nil
}

func (s *objectStore) leave() {
	s.mon.Lock()
	defer s.mon.Unlock()
	s.checkedOut--
	if s.checkedOut == 0 && s.deactivated {
		s.mon.NotifyAll()
	}
}

// touch makes entry most recently used, if it is evictable and resident. Lock required.
func (s *objectStore) touch(e *entry) {
	if !e.evictable() || s.table[e.id.Name] != e {
		return
	}
	s.seq++
	e.seq = s.seq
	s.lru.push(e)
}

// evictOverflow evicts least recently used entries, until capacity is satisfied.
// On error entry stays resident, and error is returned. Lock required.
func (s *objectStore) evictOverflow() error {
	var evicted int
	defer func() {
		if evicted > 0 {
			s.metrics.AddEvicted(evicted)
			s.updateSize()
		}
	}()
	for capacity := int(s.capacity.Load()); capacity > 0 && s.lru.len > capacity; {
		e := s.lru.oldest()
		s.lru.remove(e)
		if s.strategy != nil {
			if err := s.strategy.evictedObject(s, e); err != nil {
				s.lru.pushBottom(e)
				return err
			}
		}
		delete(s.table, e.id.Name)
		evicted++
		s.log.Debugf("Object %s evicted.", e.id)
	}
	return nil
}

// load reads object from collection in tx. Tx can be nil.
func (s *objectStore) load(tx store.Txn, id Identity, mode store.ReadMode) (servant Servant, stats codec.Stats, err error) {
	data, err := s.coll.Get(tx, id.Name, mode)
	if err != nil {
		err = storageError("load", id, txID(tx), err)
		return
	}
	rec, err := codec.DecodeRecord(data)
	if err != nil {
		err = &StorageError{Op: "load", ID: id, Err: err}
		return
	}
	servant, err = s.codec.Unmarshal(rec.Servant)
	if err != nil {
		err = &StorageError{Op: "load", ID: id, Err: err}
		return
	}
	stats = rec.Stats
	return
}

// write marshals servant and puts it into collection in tx. Tx can be nil.
// Stats are updated as saved.
func (s *objectStore) write(tx store.Txn, id Identity, servant Servant, stats *codec.Stats) error {
	start := time.Now()
	data, err := s.codec.Marshal(servant)
	if err != nil {
		return &StorageError{Op: "save", ID: id, Err: err}
	}
	newStats := *stats
	newStats.Update(nowMillis())
	rec, err := codec.EncodeRecord(codec.Record{Servant: data, Stats: newStats})
	if err != nil {
		return &StorageError{Op: "save", ID: id, Err: err}
	}
	err = s.coll.Put(tx, id.Name, rec)
	if err != nil {
		return storageError("save", id, txID(tx), err)
	}
	*stats = newStats
	s.metrics.IncSaved(time.Since(start))
	return nil
}

// save persists entry state and marks it clean. Lock required.
func (s *objectStore) save(e *entry) error {
	err := s.write(nil, e.id, e.servant, &e.stats)
	if err != nil {
		s.log.Errorf("Object %s save failed: %v", e.id, err)
		return err
	}
	e.dirty = false
	afterSaveTestHook(e.id)
	return nil
}

// create persists new object immediately and makes it resident.
func (s *objectStore) create(id Identity, servant Servant) error {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.deactivated {
		return ErrDeactivated
	}
	s.waitLoaded(id)
	if _, ok := s.table[id.Name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "create %s", id)
	}
	_, err := s.coll.Get(nil, id.Name, store.ReadShared)
	if err == nil {
		return errors.Wrapf(ErrAlreadyExists, "create %s", id)
	}
	if !util.Is(err, store.ErrNotFound) {
		return storageError("create", id, "", err)
	}
	e := &entry{id: id, servant: servant}
	err = s.write(nil, id, servant, &e.stats)
	if err != nil {
		return err
	}
	s.table[id.Name] = e
	if s.strategy != nil {
		s.strategy.activatedObject(e)
	}
	s.touch(e)
	s.updateSize()
	s.log.Debugf("Object %s created.", id)
	return s.evictOverflow()
}

// destroy erases object from collection and cache.
func (s *objectStore) destroy(id Identity) error {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.deactivated {
		return ErrDeactivated
	}
	s.waitLoaded(id)
	err := s.coll.Erase(nil, id.Name)
	if err != nil {
		return storageError("destroy", id, "", err)
	}
	s.forget(id)
	s.log.Debugf("Object %s destroyed.", id)
	return nil
}

// forget removes entry from cache without save. Checked out entry stays
// valid for its holders, but will not return into cache. Lock required.
func (s *objectStore) forget(id Identity) {
	e, ok := s.table[id.Name]
	if !ok {
		return
	}
	delete(s.table, id.Name)
	if s.lru.contains(e) {
		s.lru.remove(e)
	}
	if s.strategy != nil {
		s.strategy.destroy(e)
	}
	s.updateSize()
}

// invalidate drops cached version of object, changed by committed transaction.
func (s *objectStore) invalidate(id Identity) {
	s.mon.Lock()
	defer s.mon.Unlock()
	s.forget(id)
}

// waitLoaded waits while id entry is loading. Lock required.
func (s *objectStore) waitLoaded(id Identity) {
	for {
		e, ok := s.table[id.Name]
		if !ok || !e.loading {
			return
		}
		s.mon.Wait()
	}
}

func (s *objectStore) has(id Identity) (bool, error) {
	s.mon.Lock()
	s.waitLoaded(id)
	_, ok := s.table[id.Name]
	s.mon.Unlock()
	if ok {
		return true, nil
	}
	_, err := s.coll.Get(nil, id.Name, store.ReadShared)
	if util.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("has", id, "", err)
	}
	return true, nil
}

// keep makes object resident and not evictable, until matching release.
func (s *objectStore) keep(id Identity) error {
	e, err := s.checkout(id, false)
	if err != nil {
		return err
	}
	s.mon.Lock()
	e.kept++
	s.mon.Unlock()
	return s.finish(e, false)
}

func (s *objectStore) release(id Identity) error {
	s.mon.Lock()
	defer s.mon.Unlock()
	e, ok := s.table[id.Name]
	if !ok || e.kept == 0 {
		return &NotFoundError{ID: id, Err: ErrNotKept}
	}
	e.kept--
	s.touch(e)
	return s.evictOverflow()
}

// saveNow saves dirty entries, that are not checked out.
// Checked out entries will be saved by strategy.
func (s *objectStore) saveNow() (err error) {
	s.mon.Lock()
	defer s.mon.Unlock()
	for _, e := range s.table {
		if !e.dirty || e.holders > 0 || e.loading {
			continue
		}
		if saveErr := s.save(e); err == nil {
			err = saveErr
		}
	}
	return
}

// flush deactivates store: waits for in-flight calls, saves all dirty
// entries and drops cache. Repeated flush waits for first to complete.
func (s *objectStore) flush() (err error) {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.deactivated {
		for !s.flushed {
			s.mon.Wait()
		}
		return nil
	}
	s.deactivated = true
	for s.checkedOut > 0 || s.loads > 0 {
		s.mon.Wait()
	}
	for _, e := range s.table {
		if e.dirty {
			if saveErr := s.save(e); err == nil {
				err = saveErr
			}
		}
		if s.lru.contains(e) {
			s.lru.remove(e)
		}
		if s.strategy != nil {
			s.strategy.destroy(e)
		}
	}
	s.table = make(map[string]*entry)
	s.updateSize()
	s.flushed = true
	s.mon.NotifyAll()
	s.log.Debug("Object store deactivated.")
	return
}

// shrink evicts entries exceeding current capacity.
func (s *objectStore) shrink() error {
	s.mon.Lock()
	defer s.mon.Unlock()
	return s.evictOverflow()
}

// Lock required.
func (s *objectStore) updateSize() { s.metrics.SetSize(s.category, len(s.table)) }

func txID(tx store.Txn) string {
	if tx == nil {
		return ""
	}
	return tx.ID()
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
