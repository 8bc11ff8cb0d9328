// Package metrics holds the Prometheus collectors of the pipeline workers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptchain"

// Request outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// itemsProcessed counts item-ready messages handled, by node role.
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_processed_total",
		Help:      "Item ready messages handled by the item processor",
	}, []string{"kind"})

	// requestsResolved counts executed requests by kind and outcome.
	requestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_resolved_total",
		Help:      "Requests executed against the completion provider",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time spent executing one request, hydration included",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"kind"})

	streamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_deltas_total",
		Help:      "Streamed deltas appended to item content",
	})

	// joinTriggers counts items made ready by the last predecessor finishing.
	joinTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "join_triggers_total",
		Help:      "Items made ready by a join step",
	})

	duplicateDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_dispatches_total",
		Help:      "Item ready redeliveries suppressed because the request was already dispatched",
	})
)

func ItemProcessed(kind string) {
	itemsProcessed.WithLabelValues(kind).Inc()
}

func RequestResolved(kind, status string, elapsed time.Duration) {
	requestsResolved.WithLabelValues(kind, status).Inc()
	requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func StreamDelta() {
	streamDeltas.Inc()
}

func JoinTriggered() {
	joinTriggers.Inc()
}

func DuplicateDispatch() {
	duplicateDispatches.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
