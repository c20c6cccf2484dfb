package core

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "txsched"

type metrics struct {
	batchesReceived  prometheus.Counter
	batchesRejected  prometheus.Counter
	batchesCommitted prometheus.Counter
	batchesInvalid   prometheus.Counter
	txnsExecuted     prometheus.Counter
	roundsCompleted  prometheus.Counter
	roundDuration    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, replicaId uint32) *metrics {
	labels := prometheus.Labels{"replica": strconv.FormatUint(uint64(replicaId), 10)}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		batchesReceived:  counter("batches_received_total", "Batches accepted into a round."),
		batchesRejected:  counter("batches_rejected_total", "Batches refused before scheduling."),
		batchesCommitted: counter("batches_committed_total", "Batches whose transactions all applied."),
		batchesInvalid:   counter("batches_invalid_total", "Batches discarded because a transaction failed."),
		txnsExecuted:     counter("transactions_executed_total", "Transactions run by the executor."),
		roundsCompleted:  counter("rounds_completed_total", "Scheduling rounds drained and committed."),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "round_duration_seconds",
			Help:        "Time from opening a round to committing its state.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	reg.MustRegister(
		m.batchesReceived,
		m.batchesRejected,
		m.batchesCommitted,
		m.batchesInvalid,
		m.txnsExecuted,
		m.roundsCompleted,
		m.roundDuration,
	)
	return m
}
