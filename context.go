package evictor

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/codec"
	"github.com/skipor/evictor/internal/util"
	"github.com/skipor/evictor/store"
)

type TxState int

const (
	TxActive TxState = iota
	TxCommitting
	TxCommitted
	TxRollingBack
	TxRolledBack
)

var txStateNames = [...]string{"active", "committing", "committed", "rolling back", "rolled back"}

func (s TxState) String() string {
	if s >= 0 && int(s) < len(txStateNames) {
		return txStateNames[s]
	}
	return "unknown"
}

// EvictorContext is transaction of TransactionalEvictor. It is carried by
// context.Context of servant code, so nested calls join it.
// Servants used in transaction are private copies, loaded from store in the
// transaction. They are written back, when outermost call using them finishes.
type EvictorContext struct {
	ev *TransactionalEvictor
	tx store.Txn

	mu    sync.Mutex
	state TxState
	// stack of servants used by calls in progress. Top is last.
	stack []*holderBody
	// deadlock is first deadlock error. Transaction can be only rolled back after that.
	deadlock      error
	invalidations []invalidation
}

type invalidation struct {
	store *objectStore
	id    Identity
}

type ctxKey struct{}

// FromContext returns transaction carried by ctx.
func FromContext(ctx context.Context) (*EvictorContext, bool) {
	if ctx == nil {
		return nil, false
	}
	ec, ok := ctx.Value(ctxKey{}).(*EvictorContext)
	return ec, ok
}

// InTransaction reports whether ctx carries transaction.
// Deadlock retry is possible only outside of transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}

func newContext(ctx context.Context, ec *EvictorContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, ec)
}

func (c *EvictorContext) ID() string { return c.tx.ID() }

func (c *EvictorContext) State() TxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Commit commits transaction and drops cached versions of written objects.
// Deadlocked transaction is rolled back, and *DeadlockError returned.
func (c *EvictorContext) Commit() error {
	c.mu.Lock()
	if c.state != TxActive {
		c.mu.Unlock()
		return ErrTxNotActive
	}
	if len(c.stack) > 0 {
		c.mu.Unlock()
		return errors.Errorf("transaction %s: commit with %v servants in use", c.ID(), len(c.stack))
	}
	if c.deadlock != nil {
		c.mu.Unlock()
		c.Rollback()
		return c.deadlockError()
	}
	c.state = TxCommitting
	c.mu.Unlock()

	err := c.tx.Commit()
	if err != nil {
		if rbErr := c.tx.Rollback(); rbErr != nil && !util.Is(rbErr, store.ErrTxDone) {
			c.ev.log.Errorf("Transaction %s rollback after failed commit: %v", c.ID(), rbErr)
		}
		c.setState(TxRolledBack)
		c.ev.metrics.IncRollback()
		err = storageError("commit", Identity{}, c.ID(), err)
		if IsDeadlock(err) {
			c.ev.metrics.IncDeadlock()
		}
		c.ev.log.Debugf("Transaction %s commit failed: %v", c.ID(), err)
		return err
	}
	c.setState(TxCommitted)
	c.ev.metrics.IncCommit()
	for _, inv := range c.invalidations {
		inv.store.invalidate(inv.id)
	}
	return nil
}

func (c *EvictorContext) Rollback() error {
	c.mu.Lock()
	if c.state != TxActive {
		c.mu.Unlock()
		return ErrTxNotActive
	}
	c.state = TxRollingBack
	c.mu.Unlock()
	err := c.tx.Rollback()
	c.setState(TxRolledBack)
	c.ev.metrics.IncRollback()
	if err != nil && !util.Is(err, store.ErrTxDone) {
		return storageError("rollback", Identity{}, c.ID(), err)
	}
	return nil
}

func (c *EvictorContext) setState(s TxState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deadlockError returns error for retry, or nil if no deadlock detected.
func (c *EvictorContext) deadlockError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlock == nil {
		return nil
	}
	var d *DeadlockError
	if errors.As(c.deadlock, &d) {
		return d
	}
	return &DeadlockError{TxID: c.tx.ID(), Err: c.deadlock}
}

// failed remembers deadlock, so transaction will not be committed.
func (c *EvictorContext) failed(err error) {
	if !IsDeadlock(err) {
		return
	}
	c.mu.Lock()
	first := c.deadlock == nil
	if first {
		c.deadlock = err
	}
	c.mu.Unlock()
	if first {
		c.ev.metrics.IncDeadlock()
		c.ev.log.Debugf("Transaction %s deadlocked: %v", c.ID(), err)
	}
}

// holderBody is servant state used by calls of transaction.
type holderBody struct {
	id      Identity
	store   *objectStore
	servant Servant
	stats   codec.Stats
	// readOnly is true, while only read-only calls used servant.
	readOnly bool
	// removed is set, when object is destroyed in transaction.
	removed bool
	// holders is number of calls using servant.
	holders int
}

// servantHolder is servant use by one call. Last released holder of body
// writes it back, so calls using same servant may finish in any order.
type servantHolder struct {
	ctx  *EvictorContext
	body *holderBody
}

// acquire returns servant already used in transaction, or loads it.
func (c *EvictorContext) acquire(s *objectStore, cur Current) (*servantHolder, error) {
	c.mu.Lock()
	if c.state != TxActive {
		c.mu.Unlock()
		return nil, ErrTxNotActive
	}
	if c.deadlock != nil {
		c.mu.Unlock()
		return nil, c.deadlockError()
	}
	if b := c.findBody(s, cur.ID); b != nil {
		defer c.mu.Unlock()
		if b.removed {
			return nil, &NotFoundError{ID: cur.ID, Err: ErrStale}
		}
		if cur.Mode == Mutating {
			b.readOnly = false
		}
		b.holders++
		return &servantHolder{ctx: c, body: b}, nil
	}
	c.mu.Unlock()

	mode := store.ReadShared
	if cur.Mode == Mutating {
		mode = store.ReadForUpdate
	}
	servant, stats, err := s.load(c.tx, cur.ID, mode)
	if err != nil {
		c.failed(err)
		return nil, err
	}
	b := &holderBody{
		id:       cur.ID,
		store:    s,
		servant:  servant,
		stats:    stats,
		readOnly: cur.Mode == ReadOnly,
		holders:  1,
	}
	c.mu.Lock()
	c.stack = append(c.stack, b)
	c.mu.Unlock()
	return &servantHolder{ctx: c, body: b}, nil
}

// findBody searches stack from top. Lock required.
func (c *EvictorContext) findBody(s *objectStore, id Identity) *holderBody {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if b := c.stack[i]; b.store == s && b.id == id {
			return b
		}
	}
	return nil
}

// release writes body into transaction, when last holder releases it
// and servant could be changed.
func (h *servantHolder) release() error {
	c, b := h.ctx, h.body
	c.mu.Lock()
	b.holders--
	if b.holders > 0 {
		c.mu.Unlock()
		return nil
	}
	c.pop(b)
	skip := b.readOnly || b.removed || c.deadlock != nil || c.state != TxActive
	c.mu.Unlock()
	if skip {
		return nil
	}
	err := b.store.write(c.tx, b.id, b.servant, &b.stats)
	if err != nil {
		c.failed(err)
		return err
	}
	c.invalidate(b.store, b.id)
	return nil
}

// pop removes body from stack. Lock required.
func (c *EvictorContext) pop(b *holderBody) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == b {
			c.stack = append(c.stack[:i], c.stack[i+1:]...)
			return
		}
	}
	c.ev.log.Panicf("Transaction %s: released servant %s is not in use.", c.tx.ID(), b.id)
}

func (c *EvictorContext) invalidate(s *objectStore, id Identity) {
	c.mu.Lock()
	c.invalidations = append(c.invalidations, invalidation{store: s, id: id})
	c.mu.Unlock()
}

// servantRemoved marks servants of destroyed object, so they are not written back.
func (c *EvictorContext) servantRemoved(s *objectStore, id Identity) {
	c.mu.Lock()
	for _, b := range c.stack {
		if b.store == s && b.id == id {
			b.removed = true
		}
	}
	c.invalidations = append(c.invalidations, invalidation{store: s, id: id})
	c.mu.Unlock()
}

// has reports whether object exists for transaction, including objects
// created or destroyed by it.
func (c *EvictorContext) has(s *objectStore, id Identity) (bool, error) {
	c.mu.Lock()
	b := c.findBody(s, id)
	c.mu.Unlock()
	if b != nil {
		return !b.removed, nil
	}
	_, err := s.coll.Get(c.tx, id.Name, store.ReadShared)
	if util.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		err = storageError("has", id, c.ID(), err)
		c.failed(err)
		return false, err
	}
	return true, nil
}

// create persists new object in transaction.
func (c *EvictorContext) create(s *objectStore, id Identity, servant Servant) error {
	_, err := s.coll.Get(c.tx, id.Name, store.ReadForUpdate)
	if err == nil {
		return errors.Wrapf(ErrAlreadyExists, "create %s", id)
	}
	if !util.Is(err, store.ErrNotFound) {
		err = storageError("create", id, c.ID(), err)
		c.failed(err)
		return err
	}
	var stats codec.Stats
	err = s.write(c.tx, id, servant, &stats)
	if err != nil {
		c.failed(err)
		return err
	}
	c.invalidate(s, id)
	return nil
}

func (c *EvictorContext) destroy(s *objectStore, id Identity) error {
	err := s.coll.Erase(c.tx, id.Name)
	if err != nil {
		err = storageError("destroy", id, c.ID(), err)
		c.failed(err)
		return err
	}
	c.servantRemoved(s, id)
	return nil
}
