package evictor

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/skipor/evictor/metrics"
	"github.com/skipor/evictor/store"
	"github.com/skipor/evictor/store/memstore"
	. "github.com/skipor/evictor/testutil"
)

var _ = Describe("TransactionalEvictor", func() {
	var (
		db  store.Store
		ev  *TransactionalEvictor
		st  *objectStore
		gm  *metrics.GoMetrics
		ctx context.Context
	)
	BeforeEach(func() {
		ctx = context.Background()
		db = memstore.New(NewLogger())
		gm = metrics.NewGoMetrics(nil)
		var err error
		ev, err = NewTransactional(NewLogger(), db, Config{Size: 2, Metrics: gm}, counterCategory())
		Expect(err).NotTo(HaveOccurred())
		st = ev.stores[testCategory]
		putStored(db, "a", 0)
		putStored(db, "b", 0)
	})
	AfterEach(func() {
		st.ExpectInvariantsOk()
	})
	commits := func() int64 { return gm.Registry.Get("tx.commit").(interface{ Count() int64 }).Count() }
	rollbacks := func() int64 { return gm.Registry.Get("tx.rollback").(interface{ Count() int64 }).Count() }

	It("commits mutating call", func() {
		call, err := ev.Locate(ctx, mutating("a"))
		Expect(err).NotTo(HaveOccurred())
		ec, ok := FromContext(call.Context())
		Expect(ok).To(BeTrue())
		Expect(ec.State()).To(Equal(TxActive))
		call.Servant.(*counter).N = 5
		Expect(ev.Finished(call, nil)).To(Succeed())
		Expect(ec.State()).To(Equal(TxCommitted))
		Expect(stored(db, "a")).To(BeEquivalentTo(5))
		Expect(storedStats(db, "a").LastSave).NotTo(BeZero())
		Expect(commits()).To(BeEquivalentTo(1))
	})

	It("rolls back failed call", func() {
		call, err := ev.Locate(ctx, mutating("a"))
		Expect(err).NotTo(HaveOccurred())
		call.Servant.(*counter).N = 5
		Expect(ev.Finished(call, errors.New("user error"))).To(Succeed())
		ec, _ := FromContext(call.Context())
		Expect(ec.State()).To(Equal(TxRolledBack))
		Expect(stored(db, "a")).To(BeEquivalentTo(0))
		Expect(rollbacks()).To(BeEquivalentTo(1))
	})

	It("uses cache for read-only call outside of transaction", func() {
		c1, err := ev.Locate(ctx, readOnly("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(InTransaction(c1.Context())).To(BeFalse())
		Expect(ev.Finished(c1, nil)).To(Succeed())
		c2, err := ev.Locate(ctx, readOnly("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(c2.Servant).To(BeIdenticalTo(c1.Servant))
		Expect(ev.Finished(c2, nil)).To(Succeed())
		lru, _ := st.cached()
		Expect(lru).To(Equal([]string{"a"}))
	})

	It("invalidates cache on commit", func() {
		n, err := invoke(ev, ctx, readOnly("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeEquivalentTo(0))
		n, err = invoke(ev, ctx, mutating("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeEquivalentTo(1))
		_, all := st.cached()
		Expect(all).To(BeEmpty())
		n, err = invoke(ev, ctx, readOnly("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeEquivalentTo(1))
	})

	Context("nested calls", func() {
		var outer *Call
		BeforeEach(func() {
			var err error
			outer, err = ev.Locate(ctx, mutating("a"))
			Expect(err).NotTo(HaveOccurred())
			outer.Servant.(*counter).N++
			_, err = invoke(ev, outer.Context(), mutating("b"))
			Expect(err).NotTo(HaveOccurred())
		})
		It("commit together", func() {
			Expect(stored(db, "b")).To(BeEquivalentTo(0))
			Expect(ev.Finished(outer, nil)).To(Succeed())
			Expect(stored(db, "a")).To(BeEquivalentTo(1))
			Expect(stored(db, "b")).To(BeEquivalentTo(1))
			Expect(commits()).To(BeEquivalentTo(1))
		})
		It("roll back together", func() {
			Expect(ev.Finished(outer, errors.New("user error"))).To(Succeed())
			Expect(stored(db, "a")).To(BeEquivalentTo(0))
			Expect(stored(db, "b")).To(BeEquivalentTo(0))
		})
		It("share servant of same object", func() {
			inner, err := ev.Locate(outer.Context(), readOnly("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(inner.Servant).To(BeIdenticalTo(outer.Servant))
			Expect(inner.Servant.(*counter).N).To(BeEquivalentTo(1))
			Expect(ev.Finished(inner, nil)).To(Succeed())
			Expect(ev.Finished(outer, nil)).To(Succeed())
			Expect(stored(db, "a")).To(BeEquivalentTo(1))
		})
		It("are not blocked by destroy waiting for transaction", func() {
			destroyed := make(chan error, 1)
			go func() { destroyed <- ev.DestroyObject(ctx, testID("a")) }()
			Consistently(destroyed, 50*time.Millisecond).ShouldNot(Receive())
			read := make(chan error, 1)
			go func() {
				_, err := invoke(ev, outer.Context(), readOnly("b"))
				read <- err
			}()
			Eventually(read, time.Second).Should(Receive(BeNil()))
			Expect(ev.Finished(outer, nil)).To(Succeed())
			Eventually(destroyed, time.Second).Should(Receive(BeNil()))
			Expect(stored(db, "a")).To(BeEquivalentTo(-1))
			Expect(stored(db, "b")).To(BeEquivalentTo(1))
		})
		It("see destroyed object as stale", func() {
			Expect(ev.DestroyObject(outer.Context(), testID("a"))).To(Succeed())
			_, err := ev.Locate(outer.Context(), readOnly("a"))
			Expect(errors.Is(err, ErrStale)).To(BeTrue())
			Expect(IsNotFound(err)).To(BeTrue())
			Expect(ev.Finished(outer, nil)).To(Succeed())
			Expect(stored(db, "a")).To(BeEquivalentTo(-1))
			Expect(stored(db, "b")).To(BeEquivalentTo(1))
		})
	})

	Context("explicit transaction", func() {
		It("commits created object", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.CreateObject(txCtx, testID("c"), &counter{N: 3})).To(Succeed())
			has, err := ev.HasObject(ctx, testID("c"))
			Expect(err).NotTo(HaveOccurred())
			Expect(has).To(BeFalse())
			n, err := invoke(ev, txCtx, readOnly("c"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(3))
			Expect(ec.Commit()).To(Succeed())
			Expect(stored(db, "c")).To(BeEquivalentTo(3))
			Expect(ec.Commit()).To(MatchError(ErrTxNotActive))
		})
		It("rolls back", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = invoke(ev, txCtx, mutating("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.DestroyObject(txCtx, testID("b"))).To(Succeed())
			Expect(ec.Rollback()).To(Succeed())
			Expect(ec.State()).To(Equal(TxRolledBack))
			Expect(stored(db, "a")).To(BeEquivalentTo(0))
			Expect(stored(db, "b")).To(BeEquivalentTo(0))
		})
		It("finds and iterates with transaction writes", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer ec.Rollback()
			Expect(ev.CreateObject(txCtx, testID("c"), &counter{N: 1})).To(Succeed())
			ids, err := ev.Find(txCtx, testCategory, "parity", []byte("odd"), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]Identity{testID("c")}))
			it, err := ev.Iterator(txCtx, testCategory, 1)
			Expect(err).NotTo(HaveOccurred())
			var names []string
			for it.Next() {
				names = append(names, it.Identity().Name)
			}
			Expect(it.Err()).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"a", "b", "c"}))
		})
		It("sees own created and destroyed objects", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer ec.Rollback()
			Expect(ev.CreateObject(txCtx, testID("c"), &counter{N: 1})).To(Succeed())
			Expect(ev.DestroyObject(txCtx, testID("a"))).To(Succeed())
			has := func(ctx context.Context, name string) bool {
				ok, err := ev.HasObject(ctx, testID(name))
				ExpectWithOffset(1, err).NotTo(HaveOccurred())
				return ok
			}
			Expect(has(txCtx, "c")).To(BeTrue())
			Expect(has(txCtx, "a")).To(BeFalse())
			Expect(has(ctx, "a")).To(BeTrue())

			call, err := ev.Locate(txCtx, mutating("b"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.DestroyObject(txCtx, testID("b"))).To(Succeed())
			Expect(has(txCtx, "b")).To(BeFalse())
			Expect(ev.Finished(call, nil)).To(Succeed())
		})
		It("writes back servant, when last of interleaved calls finishes", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			first, err := ev.Locate(txCtx, mutating("a"))
			Expect(err).NotTo(HaveOccurred())
			second, err := ev.Locate(txCtx, mutating("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Servant).To(BeIdenticalTo(first.Servant))
			first.Servant.(*counter).N = 1
			Expect(ev.Finished(first, nil)).To(Succeed())
			second.Servant.(*counter).N = 7
			Expect(ev.Finished(second, nil)).To(Succeed())
			Expect(ec.Commit()).To(Succeed())
			Expect(stored(db, "a")).To(BeEquivalentTo(7))
		})
		It("can't be nested", func() {
			txCtx, ec, err := ev.Begin(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer ec.Rollback()
			_, _, err = ev.Begin(txCtx)
			Expect(err).To(HaveOccurred())
		})
	})

	It("detects deadlock", func() {
		ctx1, ec1, err := ev.Begin(ctx)
		Expect(err).NotTo(HaveOccurred())
		ctx2, ec2, err := ev.Begin(ctx)
		Expect(err).NotTo(HaveOccurred())
		c1, err := ev.Locate(ctx1, mutating("a"))
		Expect(err).NotTo(HaveOccurred())
		c2, err := ev.Locate(ctx2, mutating("b"))
		Expect(err).NotTo(HaveOccurred())

		type result struct {
			ec  *EvictorContext
			err error
		}
		results := make(chan result, 2)
		cross := func(ec *EvictorContext, txCtx context.Context, first *Call, name string) {
			defer GinkgoRecover()
			call, err := ev.Locate(txCtx, mutating(name))
			if err != nil {
				Expect(ev.Finished(first, err)).To(Succeed())
				Expect(ec.Rollback()).To(Succeed())
				results <- result{ec, err}
				return
			}
			call.Servant.(*counter).N++
			Expect(ev.Finished(call, nil)).To(Succeed())
			first.Servant.(*counter).N++
			Expect(ev.Finished(first, nil)).To(Succeed())
			results <- result{ec, ec.Commit()}
		}
		go cross(ec1, ctx1, c1, "b")
		go cross(ec2, ctx2, c2, "a")
		r1, r2 := <-results, <-results
		if r1.err == nil {
			r1, r2 = r2, r1
		}
		Expect(IsDeadlock(r1.err)).To(BeTrue(), "%v", r1.err)
		Expect(IsRetryable(r1.err)).To(BeTrue())
		var dl *DeadlockError
		Expect(errors.As(r1.err, &dl)).To(BeTrue())
		Expect(dl.TxID).To(Equal(r1.ec.ID()))
		Expect(r2.err).NotTo(HaveOccurred())
		Expect(r2.ec.State()).To(Equal(TxCommitted))
		Expect(stored(db, "a")).To(BeEquivalentTo(1))
		Expect(stored(db, "b")).To(BeEquivalentTo(1))
		Expect(gm.Registry.Get("tx.deadlock").(interface{ Count() int64 }).Count()).To(BeEquivalentTo(1))
	})

	It("deactivates", func() {
		_, err := invoke(ev, ctx, readOnly("a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Deactivate("")).To(Succeed())
		_, all := st.cached()
		Expect(all).To(BeEmpty())
		_, err = ev.Locate(ctx, mutating("a"))
		Expect(err).To(MatchError(ErrDeactivated))
		_, err = ev.Locate(ctx, readOnly("a"))
		Expect(err).To(MatchError(ErrDeactivated))
		Expect(ev.Deactivate("")).To(Succeed())
		Expect(ev.CreateObject(ctx, testID("c"), &counter{})).To(MatchError(ErrDeactivated))
	})
})
