package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScope = "rtwline/engine"

// Metrics holds the lifecycle engine instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
	auditErrors metric.Int64Counter
	extensions  metric.Int64Counter
	expiry      metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider, so it
// must run after Init.
func NewMetrics() *Metrics {
	m := Meter(engineScope)
	transitions, _ := m.Int64Counter("rtw.plan.transitions",
		metric.WithDescription("RTW plan status changes by outcome"))
	conflicts, _ := m.Int64Counter("rtw.plan.conflicts",
		metric.WithDescription("Writes rejected by optimistic concurrency"))
	auditErrors, _ := m.Int64Counter("rtw.audit.failures",
		metric.WithDescription("Audit writes that failed and rolled back their change"))
	extensions, _ := m.Int64Counter("rtw.treatment_plan.extensions",
		metric.WithDescription("Treatment plan extensions"))
	expiry, _ := m.Int64Counter("rtw.expiry.classifications",
		metric.WithDescription("Expiry evaluations by classification"))
	duration, _ := m.Float64Histogram("rtw.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"))
	return &Metrics{
		transitions: transitions,
		conflicts:   conflicts,
		auditErrors: auditErrors,
		extensions:  extensions,
		expiry:      expiry,
		duration:    duration,
	}
}

func (m *Metrics) Transition(ctx context.Context, from, to string, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Conflict(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) AuditFailure(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.auditErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) Extension(ctx context.Context, weeks int) {
	if m == nil {
		return
	}
	m.extensions.Add(ctx, 1, metric.WithAttributes(attribute.Int("additional_weeks", weeks)))
}

func (m *Metrics) Expiry(ctx context.Context, classification string) {
	if m == nil {
		return
	}
	m.expiry.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", classification)))
}

// Observe records the duration of op since start.
func (m *Metrics) Observe(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
