package engine

import (
	"strconv"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instruments. Every instrument carries a
// "site" label; the engine binds it with forSite.
type Metrics struct {
	LocalOps     metrics.Counter
	Applied      metrics.Counter
	Duplicates   metrics.Counter
	Buffered     metrics.Gauge
	Queries      metrics.Counter
	Replies      metrics.Counter
	Rebroadcasts metrics.Counter
}

// NewDiscardMetrics returns instruments that record nothing.
func NewDiscardMetrics() *Metrics {
	return &Metrics{
		LocalOps:     discard.NewCounter(),
		Applied:      discard.NewCounter(),
		Duplicates:   discard.NewCounter(),
		Buffered:     discard.NewGauge(),
		Queries:      discard.NewCounter(),
		Replies:      discard.NewCounter(),
		Rebroadcasts: discard.NewCounter(),
	}
}

// NewPrometheusMetrics registers the engine instruments with the default
// Prometheus registry. Call it once per process and share the result
// between engines.
func NewPrometheusMetrics(namespace string) *Metrics {
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, []string{"site"})
	}

	return &Metrics{
		LocalOps:   counter("local_operations_total", "Number of local operations stamped"),
		Applied:    counter("applied_operations_total", "Number of remote operations applied"),
		Duplicates: counter("duplicate_operations_total", "Number of already delivered operations discarded"),
		Buffered: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pending_operations",
			Help:      "Number of operations waiting for a causal predecessor",
		}, []string{"site"}),
		Queries:      counter("queries_total", "Number of sync queries emitted"),
		Replies:      counter("replies_total", "Number of sync replies emitted"),
		Rebroadcasts: counter("rebroadcasts_total", "Number of operations re-emitted for reply intervals"),
	}
}

func (m *Metrics) forSite(siteID int) *Metrics {
	site := strconv.Itoa(siteID)
	return &Metrics{
		LocalOps:     m.LocalOps.With("site", site),
		Applied:      m.Applied.With("site", site),
		Duplicates:   m.Duplicates.With("site", site),
		Buffered:     m.Buffered.With("site", site),
		Queries:      m.Queries.With("site", site),
		Replies:      m.Replies.With("site", site),
		Rebroadcasts: m.Rebroadcasts.With("site", site),
	}
}
