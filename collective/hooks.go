package collective

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Logger provides printf-style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to work spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that cover the lifetime of a collective.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events and errors of one collective.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures collective telemetry events.
type MetricHook interface {
	OperationSubmitted(attrs map[string]string)
	OperationCompleted(attrs map[string]string)
	OperationFailed(err error, attrs map[string]string)
	OperationRejected(reason string, err error, attrs map[string]string)
	BufferStaged(direction string, attrs map[string]string)
}

const (
	labelBackend   = "backend"
	labelGroup     = "group"
	labelRank      = "rank"
	labelSize      = "size"
	labelOperation = "operation"
	labelStatus    = "status"
	labelReason    = "reason"
	labelDirection = "direction"
)

const (
	reasonValidation  = "validation"
	reasonUnsupported = "unsupported"
	reasonEngine      = "engine"
	reasonClosed      = "closed"

	directionPack   = "pack"
	directionUnpack = "unpack"

	statusOK    = "ok"
	statusError = "error"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func bytesKV(key string, n int) logField {
	return logKV(key, humanize.IBytes(uint64(n)))
}

// hooks bundles the optional observers configured on a group.
type hooks struct {
	backend          string
	group            string
	rank             int
	size             int
	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

func (h *hooks) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+4)
	attrs[labelBackend] = h.backend
	attrs[labelGroup] = h.group
	attrs[labelRank] = fmt.Sprint(h.rank)
	attrs[labelSize] = fmt.Sprint(h.size)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (h *hooks) logEvent(event string, fields ...logField) {
	if h == nil {
		return
	}
	if h.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, labelGroup, h.group, labelRank, h.rank)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		h.structuredLogger.Debugw("collective", kv...)
		return
	}
	if h.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	h.logger.Debugf("collective[%s rank=%d] %s", h.group, h.rank, b.String())
}

func (h *hooks) startSpan(op, label string) Span {
	if h == nil || h.tracer == nil {
		return nil
	}
	return h.tracer.StartSpan("collective."+op,
		TraceAttribute{Key: labelGroup, Value: h.group},
		TraceAttribute{Key: labelRank, Value: h.rank},
		TraceAttribute{Key: labelSize, Value: h.size},
		TraceAttribute{Key: "label", Value: label},
	)
}

func (h *hooks) metricSubmitted(fields ...logField) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.OperationSubmitted(h.metricAttrs(fields...))
}

func (h *hooks) metricCompleted(fields ...logField) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.OperationCompleted(h.metricAttrs(fields...))
}

func (h *hooks) metricFailed(err error, fields ...logField) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.OperationFailed(err, h.metricAttrs(fields...))
}

func (h *hooks) metricRejected(reason string, err error, fields ...logField) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.OperationRejected(reason, err, h.metricAttrs(fields...))
}

func (h *hooks) metricStaged(direction string, fields ...logField) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.BufferStaged(direction, h.metricAttrs(fields...))
}
