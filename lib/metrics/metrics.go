// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package metrics exposes Prometheus counters and gauges for the
// aggregation/transmission pipeline and a tiny HTTP server for scraping
// them, grounded on cmd/stcrashreceiver/metrics.go's promauto usage and
// lib/api/api.go's httprouter-based debug endpoint wiring.
package metrics

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsObserved counts raw (possibly synthetic) events the
	// aggregator has processed, by OpType string.
	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "aggregator",
		Name:      "events_observed_total",
	}, []string{"op"})

	// OperationsEmitted counts operations the scheduler resolved for
	// transmission, by scheduler.OpKind string.
	OperationsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "scheduler",
		Name:      "operations_emitted_total",
	}, []string{"op"})

	// BytesTransferred counts file-content bytes written to the wire by
	// MODIFY operations whose content wasn't already on the server.
	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "wire",
		Name:      "bytes_transferred_total",
	})

	// DigestCacheHits and DigestCacheMisses count the server's
	// LookupByDigest outcomes during the MODIFY handshake.
	DigestCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "hashindex",
		Name:      "digest_cache_hits_total",
	})
	DigestCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "hashindex",
		Name:      "digest_cache_misses_total",
	})

	// FileInfoMapSize tracks the live size of one aggregator's
	// in-flight File-Info map between settle cycles.
	FileInfoMapSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncdir",
		Subsystem: "aggregator",
		Name:      "fileinfo_map_size",
	})

	// OverflowsDetected counts watch-channel overflows that triggered a
	// full-tree rescan (see lib/quiescence).
	OverflowsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncdir",
		Subsystem: "quiescence",
		Name:      "overflows_detected_total",
	})
)

// NewHandler builds the tiny status/metrics mux: /metrics for Prometheus
// scraping and /healthz for a liveness probe. Anything else 404s, same
// as the teacher's debug mux rather than serving a full REST surface.
func NewHandler() http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return router
}

// ListenAndServe starts the metrics/status server and blocks; cmd/syncdir
// runs it in a detached goroutine. It returns whatever
// http.Server.ListenAndServe returns.
func ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: NewHandler()}
	return srv.ListenAndServe()
}
