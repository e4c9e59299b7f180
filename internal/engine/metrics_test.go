package engine

import (
	"testing"

	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/testutil"
)

func genericMetrics() *Metrics {
	return &Metrics{
		LocalOps:     generic.NewCounter("local"),
		Applied:      generic.NewCounter("applied"),
		Duplicates:   generic.NewCounter("duplicates"),
		Buffered:     generic.NewGauge("buffered"),
		Queries:      generic.NewCounter("queries"),
		Replies:      generic.NewCounter("replies"),
		Rebroadcasts: generic.NewCounter("rebroadcasts"),
	}
}

func counterValue(t *testing.T, c any) float64 {
	t.Helper()
	gc, ok := c.(*generic.Counter)
	require.True(t, ok)
	return gc.Value()
}

func TestMetrics_CountEvents(t *testing.T) {
	e, _ := newTestEngine(t, 1, WithMetrics(genericMetrics()))

	e.SubmitLocal(insertOp("a"))
	e.DeliverRemote(testutil.Insert(2, 1))
	drain(t, e)

	gauge, ok := e.metrics.Buffered.(*generic.Gauge)
	require.True(t, ok)
	assert.Equal(t, 1.0, gauge.Value(), "2:1 waits for 2:0")

	e.DeliverRemote(testutil.Insert(2, 0))
	e.DeliverRemote(testutil.Insert(2, 0))
	e.ReceiveQuery(ir.QuerySync{From: 3})
	e.ReceiveReply(ir.ReplySync{Intervals: []ir.Interval{{SiteID: 1, Begin: 0, End: 0}}})
	e.TriggerQuerySync()
	drain(t, e)

	assert.Equal(t, 1.0, counterValue(t, e.metrics.LocalOps))
	assert.Equal(t, 2.0, counterValue(t, e.metrics.Applied))
	assert.Equal(t, 1.0, counterValue(t, e.metrics.Duplicates))
	assert.Equal(t, 1.0, counterValue(t, e.metrics.Replies))
	assert.Equal(t, 1.0, counterValue(t, e.metrics.Rebroadcasts))
	assert.Equal(t, 1.0, counterValue(t, e.metrics.Queries))
	assert.Equal(t, 0.0, gauge.Value())
}

func TestMetrics_SiteLabel(t *testing.T) {
	m := genericMetrics().forSite(42)

	c, ok := m.LocalOps.(*generic.Counter)
	require.True(t, ok)
	assert.Equal(t, []string{"site", "42"}, c.LabelValues())
}
