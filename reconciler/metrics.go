package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/itamrec/types"
)

// Metrics holds the reconciliation instruments
type Metrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	records  metric.Int64Gauge
	revision metric.Int64Gauge
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runs, err := meter.Int64Counter("itamrec.reconcile.runs",
		metric.WithDescription("Reconciliation runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	duration, err := meter.Float64Histogram("itamrec.reconcile.duration",
		metric.WithDescription("Duration of reconciliation runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	records, err := meter.Int64Gauge("itamrec.snapshot.records",
		metric.WithDescription("Records in the current snapshot by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create records gauge: %w", err)
	}

	revision, err := meter.Int64Gauge("itamrec.snapshot.revision",
		metric.WithDescription("Revision of the current snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revision gauge: %w", err)
	}

	return &Metrics{
		runs:     runs,
		duration: duration,
		records:  records,
		revision: revision,
	}, nil
}

func (m *Metrics) recordSuccess(ctx context.Context, meta types.SnapshotMeta, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", "success")))
	m.records.Record(ctx, int64(meta.Integrated),
		metric.WithAttributes(attribute.String("status", string(types.StatusIntegrated))))
	m.records.Record(ctx, int64(meta.Pending),
		metric.WithAttributes(attribute.String("status", string(types.StatusPending))))
	m.revision.Record(ctx, meta.Revision)
}

func (m *Metrics) recordFailure(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failure")))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", "failure")))
}
