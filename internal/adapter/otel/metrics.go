package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "plank"

// Metrics holds all Plank metric instruments.
type Metrics struct {
	TransitionsApplied  metric.Int64Counter
	TransitionConflicts metric.Int64Counter
	TransitionsDenied   metric.Int64Counter
	AuditWrites         metric.Int64Counter
	AuditWriteFailures  metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TransitionsApplied, err = meter.Int64Counter("plank.transitions.applied",
		metric.WithDescription("Number of stage transitions applied"))
	if err != nil {
		return nil, err
	}

	m.TransitionConflicts, err = meter.Int64Counter("plank.transitions.conflicts",
		metric.WithDescription("Number of stage transitions lost to a concurrent writer"))
	if err != nil {
		return nil, err
	}

	m.TransitionsDenied, err = meter.Int64Counter("plank.transitions.denied",
		metric.WithDescription("Number of stage transitions denied by authorization"))
	if err != nil {
		return nil, err
	}

	m.AuditWrites, err = meter.Int64Counter("plank.audit.writes",
		metric.WithDescription("Number of audit entries persisted"))
	if err != nil {
		return nil, err
	}

	m.AuditWriteFailures, err = meter.Int64Counter("plank.audit.write_failures",
		metric.WithDescription("Number of audit entries dropped after retry"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
