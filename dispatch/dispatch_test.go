package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/store/memstore"
	. "github.com/skipor/evictor/testutil"
)

var _ = Describe("Dispatcher", func() {
	var (
		ml   *MockLocator
		d    *Dispatcher
		cur  evictor.Current
		call *evictor.Call
		ctx  context.Context
	)
	BeforeEach(func() {
		ml = &MockLocator{}
		d = New(NewLogger(), ml, Config{MaxRetries: 2})
		cur = evictor.Current{ID: evictor.Identity{Category: "c", Name: "a"}, Operation: "op", Mode: evictor.Mutating}
		call = &evictor.Call{Current: cur, Servant: "servant"}
		ctx = context.Background()
	})
	AfterEach(func() {
		ml.AssertExpectations(GinkgoT())
	})
	deadlock := &evictor.DeadlockError{TxID: "tx", Err: errors.New("cycle")}

	It("invokes operation on located servant", func() {
		ml.On("Locate", ctx, cur).Return(call, nil).Once()
		ml.On("Finished", call, nil).Return(nil).Once()
		var got evictor.Servant
		err := d.Invoke(ctx, cur, func(_ context.Context, s evictor.Servant) error {
			got = s
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal("servant"))
	})

	It("passes operation error to finished", func() {
		opErr := errors.New("op failed")
		ml.On("Locate", ctx, cur).Return(call, nil).Once()
		ml.On("Finished", call, opErr).Return(nil).Once()
		err := d.Invoke(ctx, cur, func(context.Context, evictor.Servant) error { return opErr })
		Expect(err).To(Equal(opErr))
	})

	It("doesn't retry not retryable error", func() {
		ml.On("Locate", ctx, cur).Return(nil, &evictor.NotFoundError{ID: cur.ID, Err: evictor.ErrNotFound}).Once()
		err := d.Invoke(ctx, cur, func(context.Context, evictor.Servant) error {
			Fail("should not be called")
			return nil
		})
		Expect(evictor.IsNotFound(err)).To(BeTrue())
	})

	It("retries on deadlock from finished", func() {
		ml.On("Locate", ctx, cur).Return(call, nil).Twice()
		ml.On("Finished", call, nil).Return(deadlock).Once()
		ml.On("Finished", call, nil).Return(nil).Once()
		var calls int
		err := d.Invoke(ctx, cur, func(context.Context, evictor.Servant) error {
			calls++
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(2))
	})

	It("prefers deadlock error of finished", func() {
		opErr := errors.Wrap(deadlock, "nested")
		ml.On("Locate", ctx, cur).Return(call, nil).Times(3)
		ml.On("Finished", call, opErr).Return(deadlock).Times(3)
		err := d.Invoke(ctx, cur, func(context.Context, evictor.Servant) error { return opErr })
		Expect(err).To(Equal(deadlock))
	})

	It("finishes call on panic", func() {
		ml.On("Locate", ctx, cur).Return(call, nil).Once()
		ml.On("Finished", call, mock.Anything).Return(nil).Once()
		Expect(func() {
			d.Invoke(ctx, cur, func(context.Context, evictor.Servant) error { panic("boom") })
		}).To(Panic())
	})
})

type account struct {
	Balance int64 `msgpack:"b"`
}

var _ = Describe("Transfers", func() {
	const (
		accounts  = 4
		workers   = 8
		transfers = 50
		initial   = 1000
	)
	var (
		ev *evictor.TransactionalEvictor
		d  *Dispatcher
	)
	id := func(i int) evictor.Identity {
		return evictor.Identity{Category: "account", Name: fmt.Sprint(i)}
	}
	BeforeEach(func() {
		var err error
		ev, err = evictor.NewTransactional(NewLogger(), memstore.New(NewLogger()), evictor.Config{Size: 2},
			evictor.Category{Name: "account", Codec: codec.Msgpack{New: func() interface{} { return &account{} }}})
		Expect(err).NotTo(HaveOccurred())
		d = New(NewLogger(), ev, Config{MaxRetries: 100, Backoff: time.Millisecond})
		for i := 0; i < accounts; i++ {
			Expect(ev.CreateObject(context.Background(), id(i), &account{Balance: initial})).To(Succeed())
		}
	})
	AfterEach(func() {
		Expect(ev.Deactivate("")).To(Succeed())
	})
	balance := func(i int) (b int64) {
		cur := evictor.Current{ID: id(i), Operation: "balance", Mode: evictor.ReadOnly}
		err := d.Invoke(context.Background(), cur, func(_ context.Context, s evictor.Servant) error {
			b = s.(*account).Balance
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		return
	}
	transfer := func(from, to int, amount int64) error {
		cur := evictor.Current{ID: id(from), Operation: "transfer", Mode: evictor.Mutating}
		return d.Invoke(context.Background(), cur, func(ctx context.Context, s evictor.Servant) error {
			s.(*account).Balance -= amount
			nested := evictor.Current{ID: id(to), Operation: "deposit", Mode: evictor.Mutating}
			return d.Invoke(ctx, nested, func(_ context.Context, s evictor.Servant) error {
				s.(*account).Balance += amount
				return nil
			})
		})
	}

	It("keeps total balance with concurrent deadlocking transfers", func() {
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < transfers; i++ {
					from := (w + i) % accounts
					to := (from + 1 + i%(accounts-1)) % accounts
					Expect(transfer(from, to, int64(i%7+1))).To(Succeed())
				}
			}(w)
		}
		wg.Wait()
		var total int64
		for i := 0; i < accounts; i++ {
			total += balance(i)
		}
		Expect(total).To(BeEquivalentTo(accounts * initial))
	})

	It("rolls back whole transfer on nested failure", func() {
		err := transfer(0, accounts+1, 10)
		Expect(evictor.IsNotFound(err)).To(BeTrue())
		Expect(balance(0)).To(BeEquivalentTo(initial))
	})
})
