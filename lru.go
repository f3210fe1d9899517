package evictor

import (
	"fmt"

	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/internal/tag"
)

// entry is cached servant of one object store.
//
// Entry is in store table, while it is resident: loaded, loading or checked out.
// Entry is in LRU, only if it is loaded, not checked out and not kept.
type entry struct {
	id      Identity
	servant Servant
	stats   codec.Stats
	// dirty means that servant could have been changed since last save.
	dirty bool
	// mutating is number of mutating calls in progress. Used by idle strategy.
	mutating int
	// holders is number of calls, that have entry checked out.
	holders int
	// kept is number of Keep calls, not matched by Release.
	kept    int
	loading bool
	// seq is value of store access counter on last release.
	seq uint64

	owner *lru
	prev  *entry
	next  *entry
}

func (e *entry) evictable() bool { return !e.loading && e.holders == 0 && e.kept == 0 }

func (e *entry) String() string { return e.id.String() }

func (e *entry) GoString() string {
	key := func(e *entry) interface{} {
		if e == nil {
			return nil
		}
		return e.id.String()
	}
	return fmt.Sprintf("{id:%s, dirty:%v, mutating:%v, holders:%v, kept:%v, seq:%v, prev:%v, next:%v}",
		e.id, e.dirty, e.mutating, e.holders, e.kept, e.seq, key(e.prev), key(e.next))
}

// lru is intrusive list of evictable entries.
// nil <- fakeHead <-> entry_0 <-> ... <-> entry_(n-1) <-> fakeTail -> nil
// Such structure prevent nil checks in code.
type lru struct {
	len int
	// fakeHead is bottom of lru. fakeHead.next is least recently used entry.
	fakeHead *entry
	// fakeTail is top of lru. Released entries are added before fakeTail.
	fakeTail *entry
}

// For debug output.
var (
	fakeHeadID = Identity{Name: " !HEAD! "}
	fakeTailID = Identity{Name: " !TAIL! "}
)

func (l *lru) init() {
	l.fakeHead, l.fakeTail = &entry{id: fakeHeadID}, &entry{id: fakeTailID}
	link(l.fakeHead, l.fakeTail)
}

// push adds e as most recently used.
func (l *lru) push(e *entry) {
	if tag.Debug && e.owner != nil {
		panic("push of owned entry " + e.id.String())
	}
	e.owner = l
	l.len++
	link(l.tail(), e)
	link(e, l.fakeTail)
}

// pushBottom adds e as least recently used.
func (l *lru) pushBottom(e *entry) {
	e.owner = l
	l.len++
	link(e, l.head())
	link(l.fakeHead, e)
}

func (l *lru) remove(e *entry) {
	if tag.Debug && e.owner != l {
		panic("remove of not owned entry " + e.id.String())
	}
	link(e.prev, e.next)
	e.prev, e.next, e.owner = nil, nil, nil
	l.len--
}

// oldest returns least recently used entry, or nil if lru is empty.
func (l *lru) oldest() *entry {
	if l.len == 0 {
		return nil
	}
	return l.head()
}

func (l *lru) head() *entry           { return l.fakeHead.next }
func (l *lru) tail() *entry           { return l.fakeTail.prev }
func (l *lru) end(e *entry) bool      { return e == l.fakeTail }
func (l *lru) contains(e *entry) bool { return e.owner == l }

func link(a, b *entry) { a.next, b.prev = b, a }
