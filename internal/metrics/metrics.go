// Package metrics provides Prometheus metrics collection for rcverbs.
//
// The package exposes metrics at /metrics (default listen address :9464):
//
// Receive Metrics:
//   - rcverbs_rx_posted_total: Receive buffers posted to the shared receive queue
//   - rcverbs_rx_completed_total: Receive completions handled
//   - rcverbs_rx_available: Receive slots not currently posted
//
// Send Metrics:
//   - rcverbs_sends_total: Sends posted by operation
//   - rcverbs_tx_completed_total: Send completions handled
//   - rcverbs_tx_cq_available: Remaining send completion queue credit
//
// Interface Metrics:
//   - rcverbs_fatal_errors_total: Fatal transport errors by operation
//   - rcverbs_progress_completions: Completions handled per progress call
//   - rcverbs_endpoints: Endpoints per interface
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

var (
	// RxPostedTotal counts receive buffers posted
	RxPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcverbs_rx_posted_total",
			Help: "Total number of receive buffers posted",
		},
		[]string{"iface"},
	)

	// RxCompletedTotal counts receive completions
	RxCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcverbs_rx_completed_total",
			Help: "Total number of receive completions handled",
		},
		[]string{"iface"},
	)

	// TxCompletedTotal counts send completions
	TxCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcverbs_tx_completed_total",
			Help: "Total number of send completions handled",
		},
		[]string{"iface"},
	)

	// SendsTotal counts posted sends by operation
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcverbs_sends_total",
			Help: "Total number of sends posted",
		},
		[]string{"iface", "op"},
	)

	// FatalErrorsTotal counts fatal transport errors
	FatalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcverbs_fatal_errors_total",
			Help: "Total number of fatal transport errors",
		},
		[]string{"iface", "op"},
	)

	// ProgressCompletions tracks completions handled per progress call
	ProgressCompletions = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcverbs_progress_completions",
			Help:    "Completions handled per progress call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
		},
		[]string{"iface"},
	)

	// RxAvailable tracks receive slots not currently posted
	RxAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcverbs_rx_available",
			Help: "Receive slots not currently posted",
		},
		[]string{"iface"},
	)

	// TxCQAvailable tracks send completion queue credit
	TxCQAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcverbs_tx_cq_available",
			Help: "Remaining send completion queue credit",
		},
		[]string{"iface"},
	)

	// Endpoints tracks endpoints per interface
	Endpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcverbs_endpoints",
			Help: "Number of endpoints on the interface",
		},
		[]string{"iface"},
	)

	// NodeInfo provides build information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcverbs_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

var _ rc.MetricHook = Prometheus{}

// Prometheus implements rc.MetricHook on the package counters.
type Prometheus struct{}

func (Prometheus) RxPosted(iface string, n int) {
	RxPostedTotal.WithLabelValues(iface).Add(float64(n))
}

func (Prometheus) RxCompleted(iface string, n int) {
	RxCompletedTotal.WithLabelValues(iface).Add(float64(n))
}

func (Prometheus) TxCompleted(iface string, n int) {
	TxCompletedTotal.WithLabelValues(iface).Add(float64(n))
}

func (Prometheus) SendPosted(iface, op string) {
	SendsTotal.WithLabelValues(iface, op).Inc()
}

func (Prometheus) Fatal(iface, op string) {
	FatalErrorsTotal.WithLabelValues(iface, op).Inc()
}

// RecordProgress records the completions one progress call handled.
func RecordProgress(iface string, completions int) {
	ProgressCompletions.WithLabelValues(iface).Observe(float64(completions))
}

// SetIfaceState publishes the current credit state of an interface.
func SetIfaceState(i *rc.Iface) {
	id := i.ID()
	RxAvailable.WithLabelValues(id).Set(float64(i.RxAvailable()))
	TxCQAvailable.WithLabelValues(id).Set(float64(i.TxCQAvailable()))
	Endpoints.WithLabelValues(id).Set(float64(i.EndpointCount()))
}

// DeleteIface drops every series labelled with the interface id.
func DeleteIface(iface string) {
	labels := prometheus.Labels{"iface": iface}

	RxPostedTotal.DeletePartialMatch(labels)
	RxCompletedTotal.DeletePartialMatch(labels)
	TxCompletedTotal.DeletePartialMatch(labels)
	SendsTotal.DeletePartialMatch(labels)
	FatalErrorsTotal.DeletePartialMatch(labels)
	ProgressCompletions.DeletePartialMatch(labels)
	RxAvailable.DeletePartialMatch(labels)
	TxCQAvailable.DeletePartialMatch(labels)
	Endpoints.DeletePartialMatch(labels)
}

// Tee fans every event out to all hooks.
func Tee(hooks ...rc.MetricHook) rc.MetricHook {
	return tee(hooks)
}

type tee []rc.MetricHook

func (t tee) RxPosted(iface string, n int) {
	for _, h := range t {
		h.RxPosted(iface, n)
	}
}

func (t tee) RxCompleted(iface string, n int) {
	for _, h := range t {
		h.RxCompleted(iface, n)
	}
}

func (t tee) TxCompleted(iface string, n int) {
	for _, h := range t {
		h.TxCompleted(iface, n)
	}
}

func (t tee) SendPosted(iface, op string) {
	for _, h := range t {
		h.SendPosted(iface, op)
	}
}

func (t tee) Fatal(iface, op string) {
	for _, h := range t {
		h.Fatal(iface, op)
	}
}
