package metrics

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// GoMetrics is Interface on top of github.com/rcrowley/go-metrics registry.
type GoMetrics struct {
	Registry gometrics.Registry

	hit      gometrics.Counter
	miss     gometrics.Counter
	evicted  gometrics.Counter
	save     gometrics.Timer
	commit   gometrics.Counter
	rollback gometrics.Counter
	deadlock gometrics.Counter
}

var _ Interface = (*GoMetrics)(nil)

// NewGoMetrics registers evictor metrics in r. New registry is created, if r is nil.
func NewGoMetrics(r gometrics.Registry) *GoMetrics {
	if r == nil {
		r = gometrics.NewRegistry()
	}
	return &GoMetrics{
		Registry: r,
		hit:      gometrics.NewRegisteredCounter("cache.hit", r),
		miss:     gometrics.NewRegisteredCounter("cache.miss", r),
		evicted:  gometrics.NewRegisteredCounter("cache.evicted", r),
		save:     gometrics.NewRegisteredTimer("store.save", r),
		commit:   gometrics.NewRegisteredCounter("tx.commit", r),
		rollback: gometrics.NewRegisteredCounter("tx.rollback", r),
		deadlock: gometrics.NewRegisteredCounter("tx.deadlock", r),
	}
}

func (m *GoMetrics) IncHit()                  { m.hit.Inc(1) }
func (m *GoMetrics) IncMiss()                 { m.miss.Inc(1) }
func (m *GoMetrics) AddEvicted(n int)         { m.evicted.Inc(int64(n)) }
func (m *GoMetrics) IncSaved(d time.Duration) { m.save.Update(d) }
func (m *GoMetrics) IncCommit()               { m.commit.Inc(1) }
func (m *GoMetrics) IncRollback()             { m.rollback.Inc(1) }
func (m *GoMetrics) IncDeadlock()             { m.deadlock.Inc(1) }

func (m *GoMetrics) SetSize(category string, n int) {
	gometrics.GetOrRegisterGauge("cache.size."+category, m.Registry).Update(int64(n))
}

// WriteOnce writes current values in human readable form.
func (m *GoMetrics) WriteOnce(w io.Writer) {
	gometrics.WriteOnce(m.Registry, w)
}
