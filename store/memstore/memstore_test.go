package memstore

import (
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/skipor/evictor/aof"
	"github.com/skipor/evictor/store"
	. "github.com/skipor/evictor/testutil"
)

func keysOf(c store.Collection, tx store.Txn) (keys []string) {
	cur, err := c.Cursor(tx)
	Expect(err).NotTo(HaveOccurred())
	defer cur.Close()
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		Expect(err).NotTo(HaveOccurred())
		keys = append(keys, cur.Key())
	}
	return
}

var _ = Describe("Store", func() {
	var (
		s    *Store
		coll store.Collection
	)
	BeforeEach(func() {
		s = New(NewLogger())
		var err error
		coll, err = s.Collection("c")
		Expect(err).NotTo(HaveOccurred())
	})
	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})
	get := func(tx store.Txn, key string) string {
		v, err := coll.Get(tx, key, store.ReadShared)
		Expect(err).NotTo(HaveOccurred())
		return string(v)
	}

	It("put get erase", func() {
		Expect(coll.Put(nil, "a", []byte("1"))).To(Succeed())
		Expect(get(nil, "a")).To(Equal("1"))
		Expect(coll.Erase(nil, "a")).To(Succeed())
		_, err := coll.Get(nil, "a", store.ReadShared)
		Expect(err).To(Equal(store.ErrNotFound))
		Expect(errors.Cause(coll.Erase(nil, "a"))).To(Equal(store.ErrNotFound))
	})

	It("returns copy of value", func() {
		v := []byte("1")
		Expect(coll.Put(nil, "a", v)).To(Succeed())
		v[0] = '2'
		got, err := coll.Get(nil, "a", store.ReadShared)
		Expect(err).NotTo(HaveOccurred())
		got[0] = '3'
		Expect(get(nil, "a")).To(Equal("1"))
	})

	Context("transaction", func() {
		var tx store.Txn
		BeforeEach(func() {
			Expect(coll.Put(nil, "a", []byte("1"))).To(Succeed())
			var err error
			tx, err = s.Begin()
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.ID()).NotTo(BeEmpty())
			Expect(coll.Put(tx, "a", []byte("2"))).To(Succeed())
			Expect(coll.Put(tx, "b", []byte("3"))).To(Succeed())
		})

		It("sees own writes", func() {
			Expect(get(tx, "a")).To(Equal("2"))
			Expect(keysOf(coll, tx)).To(Equal([]string{"a", "b"}))
			Expect(tx.Rollback()).To(Succeed())
		})
		It("writes are not visible until commit", func() {
			Expect(get(nil, "a")).To(Equal("1"))
			Expect(keysOf(coll, nil)).To(Equal([]string{"a"}))
			Expect(tx.Commit()).To(Succeed())
			Expect(get(nil, "a")).To(Equal("2"))
			Expect(keysOf(coll, nil)).To(Equal([]string{"a", "b"}))
		})
		It("rollback discards writes", func() {
			Expect(tx.Rollback()).To(Succeed())
			Expect(get(nil, "a")).To(Equal("1"))
			Expect(keysOf(coll, nil)).To(Equal([]string{"a"}))
		})
		It("can't be finished twice", func() {
			Expect(tx.Commit()).To(Succeed())
			Expect(tx.Commit()).To(Equal(store.ErrTxDone))
			Expect(tx.Rollback()).To(Equal(store.ErrTxDone))
			Expect(coll.Put(tx, "a", nil)).To(Equal(store.ErrTxDone))
		})
		It("erase is visible in transaction", func() {
			Expect(coll.Erase(tx, "a")).To(Succeed())
			_, err := coll.Get(tx, "a", store.ReadShared)
			Expect(err).To(Equal(store.ErrNotFound))
			Expect(keysOf(coll, tx)).To(Equal([]string{"b"}))
			Expect(tx.Commit()).To(Succeed())
			Expect(keysOf(coll, nil)).To(Equal([]string{"b"}))
		})
		It("autocommit write waits for lock", func() {
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				Expect(coll.Put(nil, "a", []byte("4"))).To(Succeed())
			}()
			Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())
			Expect(tx.Commit()).To(Succeed())
			Eventually(done).Should(BeClosed())
			Expect(get(nil, "a")).To(Equal("4"))
		})
	})

	It("shared locks don't conflict", func() {
		Expect(coll.Put(nil, "a", []byte("1"))).To(Succeed())
		tx1, _ := s.Begin()
		tx2, _ := s.Begin()
		Expect(get(tx1, "a")).To(Equal("1"))
		Expect(get(tx2, "a")).To(Equal("1"))
		Expect(tx1.Commit()).To(Succeed())
		Expect(tx2.Commit()).To(Succeed())
	})

	It("detects deadlock", func() {
		Expect(coll.Put(nil, "a", []byte("1"))).To(Succeed())
		Expect(coll.Put(nil, "b", []byte("1"))).To(Succeed())
		tx1, _ := s.Begin()
		tx2, _ := s.Begin()
		_, err := coll.Get(tx1, "a", store.ReadForUpdate)
		Expect(err).NotTo(HaveOccurred())
		_, err = coll.Get(tx2, "b", store.ReadForUpdate)
		Expect(err).NotTo(HaveOccurred())

		var wg sync.WaitGroup
		wg.Add(1)
		var err1 error
		go func() {
			defer wg.Done()
			_, err1 = coll.Get(tx1, "b", store.ReadForUpdate)
		}()
		// Wait until tx1 is blocked.
		Eventually(func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(tx1.(*txn).waitsFor) > 0
		}).Should(BeTrue())
		_, err2 := coll.Get(tx2, "a", store.ReadForUpdate)
		Expect(errors.Cause(err2)).To(Equal(store.ErrDeadlock))
		Expect(tx2.Rollback()).To(Succeed())
		wg.Wait()
		Expect(err1).NotTo(HaveOccurred())
		Expect(tx1.Commit()).To(Succeed())
	})

	It("close fails waiting lock request", func() {
		tx1, _ := s.Begin()
		tx2, _ := s.Begin()
		Expect(coll.Put(tx1, "a", nil)).To(Succeed())
		errs := make(chan error, 1)
		go func() {
			errs <- coll.Put(tx2, "a", nil)
		}()
		Consistently(errs, 50*time.Millisecond).ShouldNot(Receive())
		Expect(s.Close()).To(Succeed())
		Eventually(errs).Should(Receive(Equal(store.ErrClosed)))
		_, err := s.Begin()
		Expect(err).To(Equal(store.ErrClosed))
	})

	It("rejects foreign transaction", func() {
		other := New(nil)
		defer other.Close()
		tx, _ := other.Begin()
		Expect(coll.Put(tx, "a", nil)).To(HaveOccurred())
	})

	Describe("cursor", func() {
		BeforeEach(func() {
			for _, k := range []string{"b", "d", "f"} {
				Expect(coll.Put(nil, k, []byte(k))).To(Succeed())
			}
		})
		It("positions", func() {
			cur, err := coll.Cursor(nil)
			Expect(err).NotTo(HaveOccurred())
			defer cur.Close()

			ok, _ := cur.Find("c")
			Expect(ok).To(BeFalse())
			ok, _ = cur.Find("d")
			Expect(ok).To(BeTrue())
			Expect(string(cur.Value())).To(Equal("d"))

			ok, _ = cur.LowerBound("c")
			Expect(ok).To(BeTrue())
			Expect(cur.Key()).To(Equal("d"))
			ok, _ = cur.UpperBound("d")
			Expect(ok).To(BeTrue())
			Expect(cur.Key()).To(Equal("f"))
			ok, _ = cur.Next()
			Expect(ok).To(BeFalse())
			Expect(cur.Key()).To(BeEmpty())
			ok, _ = cur.UpperBound("f")
			Expect(ok).To(BeFalse())
		})
		It("is snapshot", func() {
			cur, err := coll.Cursor(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(coll.Put(nil, "a", nil)).To(Succeed())
			ok, _ := cur.First()
			Expect(ok).To(BeTrue())
			Expect(cur.Key()).To(Equal("b"))
		})
	})

	Describe("index", func() {
		firstByte := func(key string, value []byte) ([]byte, bool) {
			if len(value) == 0 {
				return nil, false
			}
			return value[:1], true
		}
		var idx store.Index
		BeforeEach(func() {
			Expect(coll.Put(nil, "a", []byte("x1"))).To(Succeed())
			Expect(coll.Put(nil, "b", []byte("y1"))).To(Succeed())
			Expect(coll.AddIndex("first", firstByte)).To(Succeed())
			var err error
			idx, err = coll.Index("first")
			Expect(err).NotTo(HaveOccurred())
			Expect(idx.Name()).To(Equal("first"))
		})
		find := func(tx store.Txn, key string, limit int) []string {
			keys, err := idx.Find(tx, []byte(key), limit)
			Expect(err).NotTo(HaveOccurred())
			return keys
		}
		It("indexes existing and new records", func() {
			Expect(find(nil, "x", 0)).To(Equal([]string{"a"}))
			Expect(coll.Put(nil, "c", []byte("x2"))).To(Succeed())
			Expect(coll.Put(nil, "b", []byte("x3"))).To(Succeed())
			Expect(coll.Put(nil, "d", nil)).To(Succeed())
			Expect(find(nil, "x", 0)).To(Equal([]string{"a", "b", "c"}))
			Expect(find(nil, "x", 2)).To(Equal([]string{"a", "b"}))
			Expect(find(nil, "y", 0)).To(BeEmpty())
			Expect(coll.Erase(nil, "a")).To(Succeed())
			Expect(find(nil, "x", 0)).To(Equal([]string{"b", "c"}))
		})
		It("sees transaction writes", func() {
			tx, _ := s.Begin()
			Expect(coll.Put(tx, "b", []byte("x"))).To(Succeed())
			Expect(coll.Erase(tx, "a")).To(Succeed())
			Expect(find(tx, "x", 0)).To(Equal([]string{"b"}))
			Expect(find(nil, "x", 0)).To(Equal([]string{"a"}))
			Expect(tx.Rollback()).To(Succeed())
		})
		It("fails on duplicate or unknown", func() {
			Expect(coll.AddIndex("first", firstByte)).To(HaveOccurred())
			_, err := coll.Index("second")
			Expect(errors.Cause(err)).To(Equal(store.ErrNoIndex))
		})
	})
})

var _ = Describe("Journal", func() {
	var (
		filename string
		conf     Config
	)
	BeforeEach(func() {
		filename = TmpFileName()
		conf = Config{Journal: &aof.Config{Name: filename}}
	})
	AfterEach(func() {
		os.Remove(filename)
	})
	open := func() *Store {
		s, err := Open(NewLogger(), conf)
		Expect(err).NotTo(HaveOccurred())
		return s
	}
	fill := func(s *Store) {
		c, err := s.Collection("c")
		Expect(err).NotTo(HaveOccurred())
		d, err := s.Collection("d")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Put(nil, "a", []byte("1"))).To(Succeed())
		Expect(c.Put(nil, "b", []byte("2"))).To(Succeed())
		Expect(c.Erase(nil, "a")).To(Succeed())
		tx, _ := s.Begin()
		Expect(d.Put(tx, "x", []byte("3"))).To(Succeed())
		Expect(c.Put(tx, "b", []byte("4"))).To(Succeed())
		Expect(tx.Commit()).To(Succeed())
		tx, _ = s.Begin()
		Expect(d.Put(tx, "y", []byte("5"))).To(Succeed())
		Expect(tx.Rollback()).To(Succeed())
	}
	expectFilled := func(s *Store) {
		c, _ := s.Collection("c")
		d, _ := s.Collection("d")
		Expect(keysOf(c, nil)).To(Equal([]string{"b"}))
		Expect(keysOf(d, nil)).To(Equal([]string{"x"}))
		v, err := c.Get(nil, "b", store.ReadShared)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(v)).To(Equal("4"))
	}

	It("replays committed transactions", func() {
		s := open()
		fill(s)
		Expect(s.Close()).To(Succeed())
		s = open()
		defer s.Close()
		expectFilled(s)
	})

	It("truncates corrupted tail", func() {
		s := open()
		fill(s)
		Expect(s.Close()).To(Succeed())
		stat, err := os.Stat(filename)
		Expect(err).NotTo(HaveOccurred())
		f, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.Write([]byte{0, 0, 0})
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = Open(NewLogger(), conf)
		Expect(err).To(HaveOccurred())

		conf.FixCorrupted = true
		s = open()
		defer s.Close()
		expectFilled(s)
		stat2, err := os.Stat(filename)
		Expect(err).NotTo(HaveOccurred())
		Expect(stat2.Size()).To(Equal(stat.Size()))
	})

	It("compacts journal", func() {
		s := open()
		fill(s)
		Expect(s.Close()).To(Succeed())
		f, err := os.Open(filename)
		Expect(err).NotTo(HaveOccurred())
		compacted := TmpFileName()
		defer os.Remove(compacted)
		out, err := os.Create(compacted)
		Expect(err).NotTo(HaveOccurred())
		Expect(compactJournal(f, out)).To(Succeed())
		f.Close()
		out.Close()

		var batches int
		err = aof.ReadFile(compacted, false, func(p []byte) error {
			batches++
			_, err := decodeBatch(p)
			return err
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(batches).To(Equal(2))
		conf.Journal.Name = compacted
		s = open()
		defer s.Close()
		expectFilled(s)
	})
})
