// Package metrics exposes sync engine counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the engines report to. Nop satisfies it for callers that
// do not export metrics.
type Recorder interface {
	RecordRemoteOp(collection, op string, err error)
	RecordRemap(collection string)
	RecordRealtime(collection, action string, applied bool)
	RecordHistory(op string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRemoteOp(string, string, error) {}
func (Nop) RecordRemap(string) {}
func (Nop) RecordRealtime(string, string, bool) {}
func (Nop) RecordHistory(string) {}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	remoteOps *prometheus.CounterVec
	remaps    *prometheus.CounterVec
	realtime  *prometheus.CounterVec
	history   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesync_remote_operations_total",
			Help: "Remote create/update/delete calls issued by the sync engine.",
		}, []string{"collection", "op", "outcome"}),
		remaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesync_id_remaps_total",
			Help: "Provisional ids replaced by persisted ids.",
		}, []string{"collection"}),
		realtime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesync_realtime_changes_total",
			Help: "Remote push notifications folded into local state.",
		}, []string{"collection", "action", "result"}),
		history: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesync_history_operations_total",
			Help: "Undo history snapshots, undos and redos.",
		}, []string{"op"}),
	}

	reg.MustRegister(c.remoteOps, c.remaps, c.realtime, c.history)
	return c
}

func (c *Collector) RecordRemoteOp(collection, op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.remoteOps.WithLabelValues(collection, op, outcome).Inc()
}

func (c *Collector) RecordRemap(collection string) {
	c.remaps.WithLabelValues(collection).Inc()
}

func (c *Collector) RecordRealtime(collection, action string, applied bool) {
	result := "applied"
	if !applied {
		result = "ignored"
	}
	c.realtime.WithLabelValues(collection, action, result).Inc()
}

func (c *Collector) RecordHistory(op string) {
	c.history.WithLabelValues(op).Inc()
}

// Router serves /metrics for gatherer and a /healthz liveness probe.
func Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}
