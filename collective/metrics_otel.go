package collective

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter     metric.Meter
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	rejected  metric.Int64Counter
	staged    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/collective-go/collective"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	submitted, err := meter.Int64Counter("collective.operation.submitted")
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("collective.operation.completed")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("collective.operation.failed")
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("collective.operation.rejected")
	if err != nil {
		return nil, err
	}
	staged, err := meter.Int64Counter("collective.buffer.staged")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:     meter,
		submitted: submitted,
		completed: completed,
		failed:    failed,
		rejected:  rejected,
		staged:    staged,
	}, nil
}

// OperationSubmitted records a collective handed to the engine.
func (o *OTelMetrics) OperationSubmitted(attrs map[string]string) {
	o.submitted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// OperationCompleted records a collective that finished successfully.
func (o *OTelMetrics) OperationCompleted(attrs map[string]string) {
	o.completed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// OperationFailed records a collective the engine failed.
func (o *OTelMetrics) OperationFailed(_ error, attrs map[string]string) {
	o.failed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// OperationRejected records a collective refused before submission.
func (o *OTelMetrics) OperationRejected(reason string, _ error, attrs map[string]string) {
	attributes := append(otelAttrsWithOperation(attrs), attribute.String(labelReason, reason))
	o.rejected.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// BufferStaged records a copy through a scratch buffer.
func (o *OTelMetrics) BufferStaged(direction string, attrs map[string]string) {
	attributes := append(otelAttrsWithOperation(attrs), attribute.String(labelDirection, direction))
	o.staged.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelBackend, attrs[labelBackend]),
		attribute.String(labelRank, attrs[labelRank]),
		attribute.String(labelSize, attrs[labelSize]),
	}
	if v := attrs[labelGroup]; v != "" {
		kvs = append(kvs, attribute.String(labelGroup, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	return kvs
}
