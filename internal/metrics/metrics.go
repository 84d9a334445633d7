// Package metrics records object-database operation counters through
// Prometheus. A noop recorder is used when metrics are disabled so call
// sites never test a flag.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives operation events from the object database.
type Recorder interface {
	ObjectInserted(size int)
	ObjectFound()
	ObjectDeleted()
	ObjectNotFound()
	BatchWritten(objects int, bytes int)
	FlushScheduled()

	// Handler exposes the metrics endpoint for embedding; nil when metrics
	// are disabled.
	Handler() http.Handler
}

// NewRecorder returns a prometheus-backed recorder, or a noop one when
// disabled.
func NewRecorder(enabled bool) Recorder {
	if !enabled {
		return noopRecorder{}
	}

	registry := prometheus.NewRegistry()
	r := &promRecorder{registry: registry}

	r.objectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "revgraph",
			Subsystem: "objectdb",
			Name:      "objects_total",
			Help:      "Per-object operation outcomes",
		},
		[]string{"outcome"},
	)
	r.bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "revgraph",
			Subsystem: "objectdb",
			Name:      "bytes_written_total",
			Help:      "Serialized bytes handed to the engine by batch writers",
		},
	)
	r.batchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "revgraph",
			Subsystem: "objectdb",
			Name:      "batches_total",
			Help:      "Insert batches written",
		},
	)
	r.flushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "revgraph",
			Subsystem: "objectdb",
			Name:      "durability_flushes_total",
			Help:      "Threshold-triggered durability flushes scheduled",
		},
	)

	registry.MustRegister(r.objectsTotal, r.bytesWritten, r.batchesTotal, r.flushesTotal)
	return r
}

type promRecorder struct {
	registry *prometheus.Registry

	objectsTotal *prometheus.CounterVec
	bytesWritten prometheus.Counter
	batchesTotal prometheus.Counter
	flushesTotal prometheus.Counter
}

func (r *promRecorder) ObjectInserted(size int) {
	r.objectsTotal.WithLabelValues("inserted").Inc()
}

func (r *promRecorder) ObjectFound()    { r.objectsTotal.WithLabelValues("found").Inc() }
func (r *promRecorder) ObjectDeleted()  { r.objectsTotal.WithLabelValues("deleted").Inc() }
func (r *promRecorder) ObjectNotFound() { r.objectsTotal.WithLabelValues("not_found").Inc() }

func (r *promRecorder) BatchWritten(objects, bytes int) {
	r.batchesTotal.Inc()
	r.bytesWritten.Add(float64(bytes))
}

func (r *promRecorder) FlushScheduled() {
	r.flushesTotal.Inc()
}

func (r *promRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

type noopRecorder struct{}

func (noopRecorder) ObjectInserted(int)    {}
func (noopRecorder) ObjectFound()          {}
func (noopRecorder) ObjectDeleted()        {}
func (noopRecorder) ObjectNotFound()       {}
func (noopRecorder) BatchWritten(int, int) {}
func (noopRecorder) FlushScheduled()       {}

func (noopRecorder) Handler() http.Handler { return nil }
