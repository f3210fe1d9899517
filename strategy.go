package evictor

// strategy decides, when dirty entries of background save evictor are saved.
// All methods are called with object store lock acquired.
type strategy interface {
	// activatedObject is called, when entry becomes resident.
	activatedObject(e *entry)
	preOperation(e *entry, mutating bool)
	// postOperation error is returned from call Finished.
	postOperation(s *objectStore, e *entry, mutating bool) error
	// evictedObject is called before entry removal from cache.
	// On error entry stays resident.
	evictedObject(s *objectStore, e *entry) error
	// destroy is called, when entry is removed from cache without save.
	destroy(e *entry)
}

func newStrategy(k StrategyKind) strategy {
	if k == IdleStrategy {
		return idleStrategy{}
	}
	return evictionStrategy{}
}

// evictionStrategy saves dirty entry only on eviction or deactivation.
type evictionStrategy struct{}

func (evictionStrategy) activatedObject(e *entry) { e.dirty = false }

func (evictionStrategy) preOperation(e *entry, mutating bool) {
	if mutating {
		e.dirty = true
	}
}

func (evictionStrategy) postOperation(*objectStore, *entry, bool) error { return nil }

func (evictionStrategy) evictedObject(s *objectStore, e *entry) error {
	if !e.dirty {
		return nil
	}
	return s.save(e)
}

func (evictionStrategy) destroy(e *entry) { e.dirty = false }

// idleStrategy saves dirty entry, when last concurrent mutating call on it finishes.
// So evicted entry is normally clean already.
type idleStrategy struct{}

func (idleStrategy) activatedObject(e *entry) {
	e.dirty = false
	e.mutating = 0
}

func (idleStrategy) preOperation(e *entry, mutating bool) {
	if mutating {
		e.mutating++
		e.dirty = true
	}
}

func (idleStrategy) postOperation(s *objectStore, e *entry, mutating bool) error {
	if !mutating {
		return nil
	}
	if e.mutating <= 0 {
		s.log.Panicf("Object %s: unmatched mutating call finish.", e.id)
	}
	e.mutating--
	if e.mutating > 0 || !e.dirty || s.table[e.id.Name] != e {
		return nil
	}
	return s.save(e)
}

func (idleStrategy) evictedObject(s *objectStore, e *entry) error {
	if !e.dirty {
		return nil
	}
	// Previous save failed.
	s.log.Warnf("Object %s is dirty on eviction.", e.id)
	return s.save(e)
}

func (idleStrategy) destroy(e *entry) {
	e.dirty = false
	e.mutating = 0
}
