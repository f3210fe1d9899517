package store_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/skipor/evictor/store"
	"github.com/skipor/evictor/store/memstore"
)

type closeCounter struct {
	*memstore.Store
	closed *int
}

func (c closeCounter) Close() error {
	*c.closed++
	return c.Store.Close()
}

var _ = Describe("Registry", func() {
	var (
		r      *store.Registry
		opened map[string]int
		closed int
	)
	BeforeEach(func() {
		opened = make(map[string]int)
		closed = 0
		r = store.NewRegistry(func(name string) (store.Store, error) {
			if name == "broken" {
				return nil, errors.New("broken")
			}
			opened[name]++
			return closeCounter{memstore.New(nil), &closed}, nil
		})
	})

	It("shares store between handles", func() {
		h1, err := r.Acquire("a")
		Expect(err).NotTo(HaveOccurred())
		h2, err := r.Acquire("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(opened["a"]).To(Equal(1))
		Expect(r.Refs("a")).To(Equal(2))

		c1, err := h1.Collection("c")
		Expect(err).NotTo(HaveOccurred())
		Expect(c1.Put(nil, "k", []byte("v"))).To(Succeed())
		c2, err := h2.Collection("c")
		Expect(err).NotTo(HaveOccurred())
		v, err := c2.Get(nil, "k", store.ReadShared)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(v)).To(Equal("v"))

		Expect(h1.Close()).To(Succeed())
		Expect(h1.Close()).To(Succeed())
		Expect(r.Refs("a")).To(Equal(1))
		Expect(closed).To(BeZero())
		Expect(h2.Close()).To(Succeed())
		Expect(r.Refs("a")).To(BeZero())
		Expect(closed).To(Equal(1))

		_, err = r.Acquire("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(opened["a"]).To(Equal(2))
	})

	It("closes all stores", func() {
		h, err := r.Acquire("a")
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Acquire("b")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Close()).To(Succeed())
		Expect(closed).To(Equal(2))
		Expect(h.Close()).To(Succeed())
		Expect(closed).To(Equal(2))
		_, err = r.Acquire("a")
		Expect(err).To(Equal(store.ErrClosed))
	})

	It("reports open failure", func() {
		_, err := r.Acquire("broken")
		Expect(err).To(HaveOccurred())
		Expect(r.Refs("broken")).To(BeZero())
	})
})
