// Package metrics exposes the forwarder's and its neighbors' counters via
// github.com/prometheus/client_golang, scraped over a loopback HTTP
// endpoint started by cmd/ad.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric an AllNet component may record into.
// A single Registry is constructed per process and threaded into the
// components that need it.
type Registry struct {
	PacketsByPipe  *prometheus.CounterVec
	DropsByReason  *prometheus.CounterVec
	PeerTableSize  prometheus.Gauge
	BloomInserts   *prometheus.CounterVec
	BloomHits      *prometheus.CounterVec
	RatePriority   prometheus.Histogram
	ForwardLatency prometheus.Histogram
}

// New registers and returns a fresh Registry against a private
// prometheus.Registry (not the global default, so tests can create many
// without collisions).
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		PacketsByPipe: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allnet_forwarder_packets_total",
			Help: "Packets handled by the forwarder, by pipe label.",
		}, []string{"pipe"}),
		DropsByReason: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allnet_forwarder_drops_total",
			Help: "Packets dropped by the forwarder, by reason.",
		}, []string{"reason"}),
		PeerTableSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "allnet_peer_table_size",
			Help: "Current number of connected peers.",
		}),
		BloomInserts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allnet_bloom_inserts_total",
			Help: "Bloom family insertions, by family (data, ack).",
		}, []string{"family"}),
		BloomHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allnet_bloom_hits_total",
			Help: "Bloom family membership hits (duplicate packets), by family.",
		}, []string{"family"}),
		RatePriority: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "allnet_rate_priority_fraction",
			Help:    "Fraction of MAX_PRIORITY assigned by the rate tracker.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ForwardLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "allnet_forward_latency_seconds",
			Help:    "Time from receiving a packet to dispatching it to its outbound pipes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return r, reg
}

// ServeHTTP starts a blocking HTTP server exposing reg's metrics at /metrics
// on addr. Intended to run in its own goroutine.
func ServeHTTP(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
