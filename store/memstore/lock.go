package memstore

import (
	"github.com/pkg/errors"

	"github.com/skipor/evictor/store"
)

type lockMode int

const (
	shared lockMode = iota + 1
	exclusive
)

type lockKey struct {
	coll string
	key  string
}

// lockState: writer and readers are never both set for different transactions.
type lockState struct {
	writer  *txn
	readers map[*txn]struct{}
}

// blockers returns transactions conflicting with request of t.
func (l *lockState) blockers(t *txn, mode lockMode) (res []*txn) {
	if l.writer != nil && l.writer != t {
		return []*txn{l.writer}
	}
	if mode == shared {
		return nil
	}
	for r := range l.readers {
		if r != t {
			res = append(res, r)
		}
	}
	return
}

func (l *lockState) grant(t *txn, mode lockMode) {
	if l.writer == t {
		return
	}
	if mode == exclusive {
		l.writer = t
		delete(l.readers, t)
		return
	}
	if l.readers == nil {
		l.readers = make(map[*txn]struct{})
	}
	l.readers[t] = struct{}{}
}

func (l *lockState) empty() bool { return l.writer == nil && len(l.readers) == 0 }

// lock acquires k in mode for t, waiting while it is held by others.
// Lock of s.mu required.
func (s *Store) lock(t *txn, k lockKey, mode lockMode) error {
	if held, ok := t.held[k]; ok && held >= mode {
		return nil
	}
	for {
		if s.closed {
			t.waitsFor = nil
			return store.ErrClosed
		}
		ls, ok := s.locks[k]
		if !ok {
			ls = &lockState{}
			s.locks[k] = ls
		}
		blockers := ls.blockers(t, mode)
		if len(blockers) == 0 {
			ls.grant(t, mode)
			if t.held[k] < mode {
				t.held[k] = mode
			}
			t.waitsFor = nil
			return nil
		}
		t.waitsFor = blockers
		if s.waitsForCycle(t) {
			t.waitsFor = nil
			s.log.Debugf("Transaction %s: deadlock on %s/%s.", t.id, k.coll, k.key)
			return errors.Wrapf(store.ErrDeadlock, "transaction %s lock %s/%s", t.id, k.coll, k.key)
		}
		s.cond.Wait()
	}
}

// waitsForCycle reports whether t transitively waits for itself.
func (s *Store) waitsForCycle(t *txn) bool {
	visited := make(map[*txn]bool)
	stack := append([]*txn(nil), t.waitsFor...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == t {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, cur.waitsFor...)
	}
	return false
}

// release drops all locks of t and wakes waiters.
func (s *Store) release(t *txn) {
	for k := range t.held {
		ls := s.locks[k]
		if ls == nil {
			continue
		}
		if ls.writer == t {
			ls.writer = nil
		}
		delete(ls.readers, t)
		if ls.empty() {
			delete(s.locks, k)
		}
	}
	t.held = make(map[lockKey]lockMode)
	t.waitsFor = nil
	s.cond.Broadcast()
}
