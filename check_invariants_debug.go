//go:build debug

// Gomega should not be dependency in non-debug build.

package evictor

import (
	"errors"
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(GomegaFailHandler)
	return
}()

func GomegaFailHandler(message string, callerSkip ...int) {
	skip := callerSkip[0] + 1
	log.Fatal("FATAL: invariants are broken:", stackerr.WrapSkip(errors.New(message), skip))
}

func (l *lru) checkInvariants() {
	Expect(l.fakeHead.prev).To(BeNil())
	Expect(l.fakeTail.next).To(BeNil())
	var n int
	var seq uint64
	for e := l.head(); !l.end(e); e = e.next {
		n++
		Expect(e.prev.next).To(BeIdenticalTo(e))
		Expect(e.owner).To(BeIdenticalTo(l))
		Expect(e.seq).To(BeNumerically(">", seq), "lru is not ordered by access")
		seq = e.seq
	}
	Expect(l.tail().next).To(BeIdenticalTo(l.fakeTail))
	Expect(n).To(Equal(l.len))
}

// checkInvariants. Lock required.
func (s *objectStore) checkInvariants() {
	s.lru.checkInvariants()
	var evictable, holders int
	for name, e := range s.table {
		Expect(e.id.Name).To(Equal(name))
		Expect(e.holders).To(BeNumerically(">=", 0))
		Expect(e.mutating).To(BeNumerically("<=", e.holders))
		holders += e.holders
		if e.evictable() {
			evictable++
			Expect(s.lru.contains(e)).To(BeTrue(), "evictable entry %s is not in lru", e.id)
		} else {
			Expect(s.lru.contains(e)).To(BeFalse(), "not evictable entry %s is in lru", e.id)
		}
	}
	Expect(evictable).To(Equal(s.lru.len))
	Expect(holders).To(BeNumerically("<=", s.checkedOut))
}
