package daemon

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Trigger names
const (
	TriggerStartup = "startup"
	TriggerWatch   = "watch"
)

// Trigger outcomes
const (
	OutcomeCommitted = "committed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics holds daemon-level instruments
type Metrics struct {
	triggers metric.Int64Counter
}

// NewMetrics creates daemon metrics on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	triggers, err := meter.Int64Counter(
		"itamrec.daemon.triggers",
		metric.WithDescription("Automatic reconciliations by trigger and outcome"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create triggers counter: %w", err)
	}

	return &Metrics{triggers: triggers}, nil
}

// RecordTrigger counts one automatic reconciliation
func (m *Metrics) RecordTrigger(ctx context.Context, trigger, outcome string) {
	if m == nil {
		return
	}

	m.triggers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		),
	)
}
