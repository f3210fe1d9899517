package evictor

import (
	"context"

	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/store"
)

// BackgroundSaveEvictor keeps object state in cached servants. Dirty
// servants are saved on eviction, or on mutating call finish in idle
// strategy, and on deactivation.
type BackgroundSaveEvictor struct {
	*evictor
	kind StrategyKind
}

var _ Evictor = (*BackgroundSaveEvictor)(nil)

func NewBackgroundSave(l log.Logger, db store.Store, conf Config, cats ...Category) (*BackgroundSaveEvictor, error) {
	conf.Mode = BackgroundSave
	ev, err := newEvictor(l, db, conf, func() strategy { return newStrategy(conf.Strategy) }, cats)
	if err != nil {
		return nil, err
	}
	return &BackgroundSaveEvictor{evictor: ev, kind: conf.Strategy}, nil
}

func (ev *BackgroundSaveEvictor) Locate(ctx context.Context, cur Current) (*Call, error) {
	s, err := ev.storeOf(cur.ID)
	if err != nil {
		return nil, err
	}
	e, err := s.checkout(cur.ID, cur.Mode == Mutating)
	if err != nil {
		return nil, err
	}
	return &Call{
		Current: cur,
		Servant: e.servant,
		ctx:     ctx,
		store:   s,
		entry:   e,
	}, nil
}

// Finished returns save error, if call finish leads to save.
// Servant could mutate state even on failed call, so callErr is ignored.
func (ev *BackgroundSaveEvictor) Finished(call *Call, _ error) error {
	if err := call.finish(); err != nil {
		return err
	}
	return call.store.finish(call.entry, call.Current.Mode == Mutating)
}

func (ev *BackgroundSaveEvictor) Deactivate(category string) error {
	return ev.deactivate(category)
}

func (ev *BackgroundSaveEvictor) CreateObject(_ context.Context, id Identity, servant Servant) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return s.create(id, servant)
}

func (ev *BackgroundSaveEvictor) DestroyObject(_ context.Context, id Identity) error {
	s, err := ev.storeOf(id)
	if err != nil {
		return err
	}
	return s.destroy(id)
}

// SaveNow saves all dirty servants, that are not used by calls in progress.
func (ev *BackgroundSaveEvictor) SaveNow() (err error) {
	for _, c := range ev.categories {
		if saveErr := ev.stores[c].saveNow(); err == nil {
			err = saveErr
		}
	}
	return
}

// Find saves dirty servants of category first, so index sees their current state.
func (ev *BackgroundSaveEvictor) Find(_ context.Context, category, index string, key []byte, limit int) ([]Identity, error) {
	if s, ok := ev.stores[category]; ok {
		if err := s.saveNow(); err != nil {
			return nil, err
		}
	}
	return ev.find(nil, category, index, key, limit)
}

func (ev *BackgroundSaveEvictor) Iterator(_ context.Context, category string, batchSize int) (*Iterator, error) {
	return ev.iterator(nil, category, batchSize)
}

func (ev *BackgroundSaveEvictor) Strategy() StrategyKind { return ev.kind }
