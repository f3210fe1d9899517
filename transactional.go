package evictor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/store"
)

// TransactionalEvictor runs mutating calls, and all calls made in context
// of transaction, in store transaction. Top level call without transaction
// in context begins new one, and commits it on Finished, or rolls back if
// call failed. Read-only calls outside of transaction use cached servants,
// which are invalidated by commits.
type TransactionalEvictor struct {
	*evictor
}

var _ Evictor = (*TransactionalEvictor)(nil)

func NewTransactional(l log.Logger, db store.Store, conf Config, cats ...Category) (*TransactionalEvictor, error) {
	conf.Mode = Transactional
	ev, err := newEvictor(l, db, conf, nil, cats)
	if err != nil {
		return nil, err
	}
	return &TransactionalEvictor{ev}, nil
}

// Begin starts explicit transaction. Calls dispatched with returned context join it.
func (ev *TransactionalEvictor) Begin(ctx context.Context) (context.Context, *EvictorContext, error) {
	if InTransaction(ctx) {
		return nil, nil, errors.New("transaction already in progress")
	}
	ec, err := ev.begin()
	if err != nil {
		return nil, nil, err
	}
	return newContext(ctx, ec), ec, nil
}

func (ev *TransactionalEvictor) begin() (*EvictorContext, error) {
	tx, err := ev.db.Begin()
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}
	return &EvictorContext{ev: ev, tx: tx}, nil
}

func (ev *TransactionalEvictor) Locate(ctx context.Context, cur Current) (call *Call, err error) {
	s, err := ev.storeOf(cur.ID)
	if err != nil {
		return
	}
	ec, _ := FromContext(ctx)
	if ec == nil && cur.Mode == ReadOnly {
		var e *entry
		e, err = s.checkout(cur.ID, false)
		if err != nil {
			return
		}
		return &Call{Current: cur, Servant: e.servant, ctx: ctx, store: s, entry: e}, nil
	}

	err = s.enter()
	if err != nil {
		return
	}
	var owned *EvictorContext
	if ec == nil {
		ec, err = ev.begin()
		if err != nil {
			s.leave()
			return
		}
		owned = ec
		ctx = newContext(ctx, ec)
	}
	h, err := ec.acquire(s, cur)
	if err != nil {
		s.leave()
		if owned != nil {
			owned.Rollback()
		}
		return
	}
	return &Call{
		Current: cur,
		Servant: h.body.servant,
		ctx:     ctx,
		store:   s,
		holder:  h,
		owned:   owned,
	}, nil
}

// Finished ends transaction of top level call. It returns *DeadlockError,
// if transaction was deadlocked, even if servant ignored error.
func (ev *TransactionalEvictor) Finished(call *Call, callErr error) (err error) {
	if err = call.finish(); err != nil {
		return
	}
	if call.holder == nil {
		return call.store.finish(call.entry, false)
	}
	defer call.store.leave()
	err = call.holder.release()
	ec := call.owned
	if ec == nil {
		return
	}
	if callErr == nil && err == nil && ec.deadlockError() == nil {
		return ec.Commit()
	}
	rbErr := ec.Rollback()
	if dl := ec.deadlockError(); dl != nil {
		return dl
	}
	if err == nil {
		err = rbErr
	}
	return
}

func (ev *TransactionalEvictor) Deactivate(category string) error {
	return ev.deactivate(category)
}

// CreateObject and DestroyObject without transaction in ctx run in own
// short transaction, so conflicts with other transactions are detected
// by store as deadlocks.
func (ev *TransactionalEvictor) CreateObject(ctx context.Context, id Identity, servant Servant) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return ev.inTransaction(ctx, s, func(ec *EvictorContext) error {
		return ec.create(s, id, servant)
	})
}

func (ev *TransactionalEvictor) DestroyObject(ctx context.Context, id Identity) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return ev.inTransaction(ctx, s, func(ec *EvictorContext) error {
		return ec.destroy(s, id)
	})
}

// inTransaction runs fn in transaction of ctx, or in new one, which is
// committed if fn succeeded. Object store monitor is not held during fn.
func (ev *TransactionalEvictor) inTransaction(ctx context.Context, s *objectStore, fn func(ec *EvictorContext) error) (err error) {
	err = s.enter()
	if err != nil {
		return
	}
	defer s.leave()
	if ec, ok := FromContext(ctx); ok {
		return fn(ec)
	}
	ec, err := ev.begin()
	if err != nil {
		return
	}
	err = fn(ec)
	if err == nil {
		return ec.Commit()
	}
	ec.Rollback()
	if dl := ec.deadlockError(); dl != nil {
		return dl
	}
	return
}

// HasObject sees objects created or destroyed by transaction of ctx.
func (ev *TransactionalEvictor) HasObject(ctx context.Context, id Identity) (bool, error) {
	s, err := ev.storeOf(id)
	if err != nil {
		return false, err
	}
	if ec, ok := FromContext(ctx); ok {
		return ec.has(s, id)
	}
	return s.has(id)
}

func (ev *TransactionalEvictor) Find(ctx context.Context, category, index string, key []byte, limit int) ([]Identity, error) {
	return ev.find(txOf(ctx), category, index, key, limit)
}

func (ev *TransactionalEvictor) Iterator(ctx context.Context, category string, batchSize int) (*Iterator, error) {
	return ev.iterator(txOf(ctx), category, batchSize)
}

func txOf(ctx context.Context) store.Txn {
	if ec, ok := FromContext(ctx); ok {
		return ec.tx
	}
	return nil
}
