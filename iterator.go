package evictor

import "github.com/skipor/evictor/store"

const DefaultBatchSize = 100

// Iterator iterates identities of category in ascending name order.
// Keys are read from store by batches, so iterator doesn't hold store
// resources between Next calls.
//
//	for it.Next() {
//		id := it.Identity()
//	}
//	err := it.Err()
type Iterator struct {
	coll     store.Collection
	tx       store.Txn
	category string
	batch    int

	buf       []string
	pos       int
	last      string
	started   bool
	exhausted bool
	cur       Identity
	err       error
}

func newIterator(coll store.Collection, tx store.Txn, category string, batchSize int) *Iterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Iterator{coll: coll, tx: tx, category: category, batch: batchSize}
}

func (it *Iterator) Next() bool {
	if it.pos == len(it.buf) {
		if it.exhausted || it.err != nil {
			return false
		}
		it.err = it.fetch()
		if it.err != nil || len(it.buf) == 0 {
			return false
		}
	}
	it.cur = Identity{Category: it.category, Name: it.buf[it.pos]}
	it.pos++
	return true
}

func (it *Iterator) Identity() Identity { return it.cur }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) fetch() (err error) {
	it.buf, it.pos = it.buf[:0], 0
	cur, err := it.coll.Cursor(it.tx)
	if err != nil {
		return storageError("iterate", Identity{Category: it.category}, txID(it.tx), err)
	}
	defer cur.Close()
	var ok bool
	if it.started {
		ok, err = cur.UpperBound(it.last)
	} else {
		ok, err = cur.First()
	}
	it.started = true
	for ; ok && err == nil && len(it.buf) < it.batch; ok, err = cur.Next() {
		it.buf = append(it.buf, cur.Key())
	}
	if err != nil {
		return storageError("iterate", Identity{Category: it.category}, txID(it.tx), err)
	}
	if !ok {
		it.exhausted = true
	}
	if len(it.buf) > 0 {
		it.last = it.buf[len(it.buf)-1]
	}
	return nil
}
