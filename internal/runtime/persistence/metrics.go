package persistence

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the pipeline counters into Prometheus.
type Metrics struct {
	mu sync.Mutex

	cacheInserts  prometheus.Counter
	directWrites  prometheus.Counter
	batchFlushes  prometheus.Counter
	rowsWritten   prometheus.Counter
	evicted       prometheus.Counter
	flushFailures prometheus.Counter
	cacheSize     prometheus.Gauge
	flushDuration prometheus.Histogram
	expiredPurged prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imbus",
		Subsystem: "persistence",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		cacheInserts:  newCounter("cache_inserts_total", "Envelopes accepted into the write buffer"),
		directWrites:  newCounter("direct_writes_total", "Envelopes written synchronously, bypassing the buffer"),
		batchFlushes:  newCounter("batch_flushes_total", "Batches written to the store"),
		rowsWritten:   newCounter("rows_written_total", "Rows written by batch flushes"),
		evicted:       newCounter("evicted_total", "Buffered envelopes dropped because the buffer was full"),
		flushFailures: newCounter("flush_failures_total", "Batch writes that failed and were re-queued"),
		expiredPurged: newCounter("expired_purged_total", "Rows removed by the retention job"),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imbus",
			Subsystem: "persistence",
			Name:      "cache_size",
			Help:      "Envelopes currently waiting in the write buffer",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imbus",
			Subsystem: "persistence",
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.cacheInserts, m.directWrites, m.batchFlushes, m.rowsWritten,
		m.evicted, m.flushFailures, m.expiredPurged, m.cacheSize, m.flushDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observeInsert(size int) {
	if m == nil {
		return
	}
	m.cacheInserts.Inc()
	m.cacheSize.Set(float64(size))
}

func (m *Metrics) observeDirectWrite() {
	if m == nil {
		return
	}
	m.directWrites.Inc()
}

func (m *Metrics) observeEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) observeFlush(rows int, took time.Duration, ok bool, size int) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(took.Seconds())
	if ok {
		m.batchFlushes.Inc()
		m.rowsWritten.Add(float64(rows))
	} else {
		m.flushFailures.Inc()
	}
	m.cacheSize.Set(float64(size))
}

func (m *Metrics) observePurged(n int64) {
	if m == nil {
		return
	}
	m.expiredPurged.Add(float64(n))
}
