package memstore

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/store"
)

type index struct {
	c       *collection
	name    string
	extract store.IndexFunc
	// entries maps secondary key to set of primary keys.
	entries map[string]map[string]struct{}
}

var _ store.Index = (*index)(nil)

func (c *collection) AddIndex(name string, extract store.IndexFunc) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := c.indexes[name]; ok {
		return errors.Errorf("collection %s: index %s already exists", c.name, name)
	}
	idx := &index{
		c:       c,
		name:    name,
		extract: extract,
		entries: make(map[string]map[string]struct{}),
	}
	for _, k := range c.keys {
		idx.add(k, c.data[k])
	}
	c.indexes[name] = idx
	return nil
}

func (c *collection) Index(name string) (store.Index, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	idx, ok := c.indexes[name]
	if !ok {
		return nil, errors.Wrapf(store.ErrNoIndex, "collection %s index %s", c.name, name)
	}
	return idx, nil
}

func (idx *index) Name() string { return idx.name }

func (idx *index) add(key string, value []byte) {
	ik, ok := idx.extract(key, value)
	if !ok {
		return
	}
	set := idx.entries[string(ik)]
	if set == nil {
		set = make(map[string]struct{})
		idx.entries[string(ik)] = set
	}
	set[key] = struct{}{}
}

func (idx *index) remove(key string, value []byte) {
	ik, ok := idx.extract(key, value)
	if !ok {
		return
	}
	set := idx.entries[string(ik)]
	delete(set, key)
	if len(set) == 0 {
		delete(idx.entries, string(ik))
	}
}

func (idx *index) Find(tx store.Txn, idxKey []byte, limit int) ([]string, error) {
	s := idx.c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	found := make(map[string]struct{})
	for k := range idx.entries[string(idxKey)] {
		found[k] = struct{}{}
	}
	if tx != nil {
		t, err := s.txnOf(tx)
		if err != nil {
			return nil, err
		}
		for lk, w := range t.writes {
			if lk.coll != idx.c.name {
				continue
			}
			delete(found, lk.key)
			if w.erase {
				continue
			}
			if ik, ok := idx.extract(lk.key, w.value); ok && string(ik) == string(idxKey) {
				found[lk.key] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}
