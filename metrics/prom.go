package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom is Interface on top of Prometheus collectors.
type Prom struct {
	hit      prometheus.Counter
	miss     prometheus.Counter
	evicted  prometheus.Counter
	save     prometheus.Histogram
	commit   prometheus.Counter
	rollback prometheus.Counter
	deadlock prometheus.Counter
	size     *prometheus.GaugeVec
}

var _ Interface = (*Prom)(nil)

// NewProm creates collectors and registers them in reg.
// Register only once per registry: MustRegister panics on duplicates.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	makeC := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	p := &Prom{
		hit:      makeC("cache_hit_total", "Number of locate cache hits"),
		miss:     makeC("cache_miss_total", "Number of locate cache misses"),
		evicted:  makeC("evicted_total", "Number of evicted objects"),
		commit:   makeC("tx_commit_total", "Number of committed transactions"),
		rollback: makeC("tx_rollback_total", "Number of rolled back transactions"),
		deadlock: makeC("tx_deadlock_total", "Number of transactions aborted by deadlock"),
		save: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_seconds",
			Help:      "Object save latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size",
			Help:      "Number of cached objects",
		}, []string{"category"}),
	}
	reg.MustRegister(p.hit, p.miss, p.evicted, p.save, p.commit, p.rollback, p.deadlock, p.size)
	return p
}

func (p *Prom) IncHit()                  { p.hit.Inc() }
func (p *Prom) IncMiss()                 { p.miss.Inc() }
func (p *Prom) IncSaved(d time.Duration) { p.save.Observe(d.Seconds()) }
func (p *Prom) IncCommit()               { p.commit.Inc() }
func (p *Prom) IncRollback()             { p.rollback.Inc() }
func (p *Prom) IncDeadlock()             { p.deadlock.Inc() }

func (p *Prom) AddEvicted(n int) {
	if n > 0 {
		p.evicted.Add(float64(n))
	}
}

func (p *Prom) SetSize(category string, n int) {
	p.size.WithLabelValues(category).Set(float64(n))
}
