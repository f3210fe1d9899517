// Package metrics contains evictor instrumentation.
package metrics

import "time"

// Interface is evictor metrics sink.
type Interface interface {
	IncHit()
	IncMiss()
	AddEvicted(n int)
	IncSaved(d time.Duration)
	IncCommit()
	IncRollback()
	IncDeadlock()
	SetSize(category string, n int)
}

// Noop discards everything.
type Noop struct{}

var _ Interface = Noop{}

func (Noop) IncHit()                {}
func (Noop) IncMiss()               {}
func (Noop) AddEvicted(int)         {}
func (Noop) IncSaved(time.Duration) {}
func (Noop) IncCommit()             {}
func (Noop) IncRollback()           {}
func (Noop) IncDeadlock()           {}
func (Noop) SetSize(string, int)    {}

// OrNoop returns m, or Noop if m is nil.
func OrNoop(m Interface) Interface {
	if m == nil {
		return Noop{}
	}
	return m
}

// Multi passes every event to all its sinks.
type Multi []Interface

var _ Interface = Multi(nil)

func (m Multi) IncHit() {
	for _, s := range m {
		s.IncHit()
	}
}

func (m Multi) IncMiss() {
	for _, s := range m {
		s.IncMiss()
	}
}

func (m Multi) AddEvicted(n int) {
	for _, s := range m {
		s.AddEvicted(n)
	}
}

func (m Multi) IncSaved(d time.Duration) {
	for _, s := range m {
		s.IncSaved(d)
	}
}

func (m Multi) IncCommit() {
	for _, s := range m {
		s.IncCommit()
	}
}

func (m Multi) IncRollback() {
	for _, s := range m {
		s.IncRollback()
	}
}

func (m Multi) IncDeadlock() {
	for _, s := range m {
		s.IncDeadlock()
	}
}

func (m Multi) SetSize(category string, n int) {
	for _, s := range m {
		s.SetSize(category, n)
	}
}
