// Metrics of the hub: message counters, session and subscription gauges,
// fan-out latency. Exposed in the prometheus text format.

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/tinode/topicsync/server/logs"
)

const statsNamespace = "topicsync"

// Share latency distribution bounds (in milliseconds).
var shareLatencyDistribution = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

type hubStats struct {
	registry *prometheus.Registry

	incomingMessages prometheus.Counter
	outgoingMessages prometheus.Counter
	evictions        prometheus.Counter
	dispatchErrors   prometheus.Counter
	proxyReconnects  prometheus.Counter
	shareLatency     prometheus.Histogram
}

func newHubStats() *hubStats {
	st := &hubStats{
		registry: prometheus.NewRegistry(),
		incomingMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "incoming_messages_total",
			Help:      "Messages received from clients.",
		}),
		outgoingMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "outgoing_messages_total",
			Help:      "Messages written to clients.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "share_evictions_total",
			Help:      "Sessions evicted for not accepting shared messages.",
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "dispatch_errors_total",
			Help:      "Client messages which failed to parse or process.",
		}),
		proxyReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Name:      "proxy_reconnects_total",
			Help:      "Attempts to reconnect proxy tunnels.",
		}),
		shareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: statsNamespace,
			Name:      "share_latency_ms",
			Help:      "Time to fan a message out to the subscribers of a topic.",
			Buckets:   shareLatencyDistribution,
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: statsNamespace,
		Name:      "build_info",
		Help:      "Build of the server.",
		ConstLabels: prometheus.Labels{
			"version":   version.Version,
			"revision":  version.Revision,
			"goversion": version.GoVersion,
		},
	})
	buildInfo.Set(1)

	st.registry.MustRegister(
		st.incomingMessages,
		st.outgoingMessages,
		st.evictions,
		st.dispatchErrors,
		st.proxyReconnects,
		st.shareLatency,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return st
}

// watch registers gauges which read live values from the hub.
func (st *hubStats) watch(h *Hub) {
	if st == nil {
		return
	}
	gauge := func(name, help string, f func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: statsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(f()) })
	}
	st.registry.MustRegister(
		gauge("sessions_live", "Connected sessions.", h.sessions.Len),
		gauge("subscriptions_live", "Session subscriptions to topics.", h.subscriptionCount),
		gauge("outbox_depth", "Replication messages waiting to be sent.", h.svc.Outstanding),
		gauge("tunnels_live", "Open proxy tunnels.", h.proxy.Len),
	)
	h.proxy.OnReconnect = st.proxyReconnects.Inc
}

func (st *hubStats) incoming() {
	if st != nil {
		st.incomingMessages.Inc()
	}
}

func (st *hubStats) outgoing() {
	if st != nil {
		st.outgoingMessages.Inc()
	}
}

func (st *hubStats) evicted() {
	if st != nil {
		st.evictions.Inc()
	}
}

func (st *hubStats) dispatchError() {
	if st != nil {
		st.dispatchErrors.Inc()
	}
}

func (st *hubStats) shared(d time.Duration) {
	if st != nil {
		st.shareLatency.Observe(float64(d.Microseconds()) / 1000)
	}
}

// statsInit exposes the metrics at the path. Empty path or "-" disables the endpoint.
func statsInit(mux *http.ServeMux, path string, st *hubStats) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, promhttp.InstrumentMetricHandler(
		st.registry,
		promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{ErrorLog: logs.Warn}),
	))

	logs.Info.Printf("stats: metrics exposed at '%s', %s %s", path, version.Info(), version.BuildContext())
}
