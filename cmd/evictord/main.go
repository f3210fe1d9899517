package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/dispatch"
	"github.com/skipor/evictor/internal/tag"
	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/metrics"
	"github.com/skipor/evictor/store"
	"github.com/skipor/evictor/store/memstore"
	"github.com/skipor/evictor/store/redisstore"
)

const storeName = "evictord"

func main() {
	conf, err := config()
	if err != nil {
		log.NewLogger(log.DebugLevel, os.Stderr).Fatal("Config error: ", err)
	}
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}

	promReg := prometheus.NewRegistry()
	gm := metrics.NewGoMetrics(nil)
	conf.Evictor.Metrics = metrics.Multi{metrics.NewProm("evictor", promReg), gm}
	if conf.MetricsLogPeriod > 0 {
		go logMetrics(l, gm, conf.MetricsLogPeriod)
	}

	reg, closeBackend := newRegistry(l, conf)
	defer closeBackend()
	db, err := reg.Acquire(storeName)
	if err != nil {
		l.Fatal("Store open error: ", err)
	}
	ev, err := evictor.New(l, db, conf.Evictor, accountCategoryDesc())
	if err != nil {
		l.Fatal("Evictor create error: ", err)
	}
	d := dispatch.New(l, ev, conf.Dispatch)
	h := &handler{log: l, ev: ev, accounts: &accounts{ev: ev, d: d}}
	s := &http.Server{Addr: conf.Addr, Handler: newRouter(h, promReg)}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		l.Infof("Signal %v received. Shutting down.", <-sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			l.Errorf("HTTP shutdown error: %v", err)
		}
	}()

	l.Infof("Serve on %s.", s.Addr)
	err = s.ListenAndServe()
	if err != http.ErrServerClosed {
		l.Error("Serve error: ", err)
	}
	if err := ev.Deactivate(""); err != nil {
		l.Errorf("Evictor deactivate error: %v", err)
	}
	if err := reg.Close(); err != nil {
		l.Errorf("Store close error: %v", err)
	}
}

// newRegistry returns store registry of configured backend and backend resources closer.
func newRegistry(l log.Logger, conf *Config) (*store.Registry, func()) {
	if conf.Backend == backendRedis {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{conf.RedisAddr}})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			l.Fatalf("Redis %s ping error: %v", conf.RedisAddr, err)
		}
		open := func(name string) (store.Store, error) {
			rc := conf.Redis
			rc.Prefix += ":" + name
			return redisstore.New(l, client, rc), nil
		}
		return store.NewRegistry(open), func() { client.Close() }
	}
	open := func(string) (store.Store, error) {
		return memstore.Open(l, memstore.Config{Journal: conf.Journal, FixCorrupted: true})
	}
	return store.NewRegistry(open), func() {}
}

func logMetrics(l log.Logger, gm *metrics.GoMetrics, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	buf := &bytes.Buffer{}
	for range ticker.C {
		buf.Reset()
		gm.WriteOnce(buf)
		l.Info("Metrics:\n", buf.String())
	}
}
