//go:build !debug

package evictor

func (l *lru) checkInvariants()         {}
func (s *objectStore) checkInvariants() {}
