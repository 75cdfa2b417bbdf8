// Package metrics registers opencensus measures and serves them to
// prometheus.
package metrics

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var log = logging.Logger("metrics")

// KindKey tags a measurement with the kind of intent or event it counts.
var KindKey = tag.MustNewKey("kind")

// Int64Counter wraps an opencensus int64 measure that is used as a counter.
type Int64Counter struct {
	measureCt *stats.Int64Measure
	view      *view.View
}

// NewInt64Counter creates a new Int64Counter with dimensionless units. Values
// are aggregated per tag key in keys.
func NewInt64Counter(name, desc string, keys ...tag.Key) *Int64Counter {
	log.Debugf("registering int64 counter: %s - %s", name, desc)
	iMeasure := stats.Int64(name, desc, stats.UnitDimensionless)
	iView := &view.View{
		Name:        name,
		Measure:     iMeasure,
		Description: desc,
		TagKeys:     keys,
		Aggregation: view.Sum(),
	}
	if err := view.Register(iView); err != nil {
		// counters are created from package variables, a failure here is a
		// programming error.
		panic(err)
	}

	return &Int64Counter{
		measureCt: iMeasure,
		view:      iView,
	}
}

// Inc increments the counter by value `v`.
func (c *Int64Counter) Inc(ctx context.Context, v int64) {
	stats.Record(ctx, c.measureCt.M(v))
}

// IncKind increments the counter by one under the given kind tag.
func (c *Int64Counter) IncKind(ctx context.Context, kind string) {
	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KindKey, kind)}, c.measureCt.M(1)); err != nil {
		log.Warnw("failed to record measurement", "measure", c.measureCt.Name(), "err", err)
	}
}

// View returns the registered view, mostly for tests.
func (c *Int64Counter) View() *view.View {
	return c.view
}
