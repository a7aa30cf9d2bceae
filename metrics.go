package duneshelf

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

func atomicAddInstanceSeq() uint64 {
	return atomic.AddUint64(&instanceSeq, 1)
}

// envMetrics holds one environment's Prometheus collectors, registered on
// a private registry rather than the global default so that opening
// several environments in the same process (as the test suite does)
// never collides over metric names.
type envMetrics struct {
	registry *prometheus.Registry

	txnsCommitted   prometheus.Counter
	txnsAborted     prometheus.Counter
	pagesAllocated  prometheus.Counter
	pagesReclaimed  prometheus.Counter
	fsyncsPerformed prometheus.Counter
	activeReaders   prometheus.Gauge
	dbSizeBytes     prometheus.Gauge
}

// newEnvMetrics builds and registers the collector set for one
// environment, labeling its registry by the environment's label so
// dashboards scraping several engines in one process can tell them apart.
// instanceSeq disambiguates environments sharing an empty or duplicate
// label, since ConstLabels must be unique per process-wide registration.
var instanceSeq uint64

func newEnvMetrics(label Label) *envMetrics {
	seq := atomicAddInstanceSeq()
	name := fmt.Sprintf("%s-%d", label, seq)

	m := &envMetrics{
		registry: prometheus.NewRegistry(),
		txnsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "duneshelf_txns_committed_total",
			Help:        "Total number of write transactions committed.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		txnsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "duneshelf_txns_aborted_total",
			Help:        "Total number of write transactions aborted.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		pagesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "duneshelf_pages_allocated_total",
			Help:        "Total number of never-before-used pages handed out.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		pagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "duneshelf_pages_reclaimed_total",
			Help:        "Total number of pages returned to the free list.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		fsyncsPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "duneshelf_fsyncs_total",
			Help:        "Total number of fsync batches flushed by the durability worker.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		activeReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "duneshelf_active_readers",
			Help:        "Current number of open read transactions.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
		dbSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "duneshelf_db_size_bytes",
			Help:        "Current size of the mapped data file in bytes.",
			ConstLabels: prometheus.Labels{"env": name},
		}),
	}

	m.registry.MustRegister(
		m.txnsCommitted,
		m.txnsAborted,
		m.pagesAllocated,
		m.pagesReclaimed,
		m.fsyncsPerformed,
		m.activeReaders,
		m.dbSizeBytes,
	)

	return m
}

// Registry returns env's private Prometheus registry, for embedding into
// a host application's own /metrics handler.
func (e *Env) Registry() *prometheus.Registry {
	if e.metrics == nil {
		return nil
	}
	return e.metrics.registry
}
