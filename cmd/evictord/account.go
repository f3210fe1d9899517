package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/dispatch"
)

const (
	accountCategory = "account"
	ownerIndex      = "owner"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Account is demo servant.
type Account struct {
	mu      sync.Mutex `msgpack:"-"`
	Owner   string     `msgpack:"owner"`
	Balance int64      `msgpack:"balance"`
}

func accountCategoryDesc() evictor.Category {
	return evictor.Category{
		Name:  accountCategory,
		Codec: codec.Msgpack{New: func() interface{} { return &Account{} }},
		Indexes: []evictor.Index{{
			Name: ownerIndex,
			Key: func(s evictor.Servant) ([]byte, bool) {
				a := s.(*Account)
				return []byte(a.Owner), a.Owner != ""
			},
		}},
	}
}

func (a *Account) add(amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Balance+amount < 0 {
		return ErrInsufficientFunds
	}
	a.Balance += amount
	return nil
}

// accounts makes account operations over dispatcher.
type accounts struct {
	ev evictor.Evictor
	d  dispatch.Invoker
}

func accountID(name string) evictor.Identity {
	return evictor.Identity{Category: accountCategory, Name: name}
}

func (s *accounts) create(ctx context.Context, name, owner string, balance int64) error {
	return s.ev.CreateObject(ctx, accountID(name), &Account{Owner: owner, Balance: balance})
}

func (s *accounts) get(ctx context.Context, name string) (owner string, balance int64, err error) {
	cur := evictor.Current{ID: accountID(name), Operation: "get", Mode: evictor.ReadOnly}
	err = s.d.Invoke(ctx, cur, func(_ context.Context, servant evictor.Servant) error {
		a := servant.(*Account)
		a.mu.Lock()
		owner, balance = a.Owner, a.Balance
		a.mu.Unlock()
		return nil
	})
	return
}

func (s *accounts) deposit(ctx context.Context, name string, amount int64) error {
	cur := evictor.Current{ID: accountID(name), Operation: "deposit", Mode: evictor.Mutating}
	return s.d.Invoke(ctx, cur, func(_ context.Context, servant evictor.Servant) error {
		return servant.(*Account).add(amount)
	})
}

// transfer withdraws from account and deposits into other in nested call.
// In transactional mode both changes are committed atomically.
func (s *accounts) transfer(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return errors.Errorf("invalid transfer amount %v", amount)
	}
	cur := evictor.Current{ID: accountID(from), Operation: "transfer", Mode: evictor.Mutating}
	return s.d.Invoke(ctx, cur, func(ctx context.Context, servant evictor.Servant) error {
		a := servant.(*Account)
		if err := a.add(-amount); err != nil {
			return err
		}
		err := s.deposit(ctx, to, amount)
		if err != nil {
			a.add(amount)
		}
		return err
	})
}

func (s *accounts) byOwner(ctx context.Context, owner string, limit int) ([]string, error) {
	ids, err := s.ev.Find(ctx, accountCategory, ownerIndex, []byte(owner), limit)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Name
	}
	return names, nil
}
