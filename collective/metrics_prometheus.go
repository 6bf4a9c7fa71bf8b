package collective

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	staged    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		submitted: counter("collective_operation_submitted_total",
			"Number of collectives submitted to the engine", operationLabelKeys),
		completed: counter("collective_operation_completed_total",
			"Number of collectives that completed successfully", operationLabelKeys),
		failed: counter("collective_operation_failed_total",
			"Number of collectives that failed in the engine", operationLabelKeys),
		rejected: counter("collective_operation_rejected_total",
			"Number of collectives rejected before reaching the engine", rejectionLabelKeys),
		staged: counter("collective_buffer_staged_total",
			"Number of scratch buffer copies made for non-flat layouts", stagingLabelKeys),
	}

	var err error
	if p.submitted, err = registerCounterVec(reg, p.submitted); err != nil {
		return nil, err
	}
	if p.completed, err = registerCounterVec(reg, p.completed); err != nil {
		return nil, err
	}
	if p.failed, err = registerCounterVec(reg, p.failed); err != nil {
		return nil, err
	}
	if p.rejected, err = registerCounterVec(reg, p.rejected); err != nil {
		return nil, err
	}
	if p.staged, err = registerCounterVec(reg, p.staged); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	baseLabelKeys      = []string{labelBackend, labelGroup, labelRank, labelSize}
	operationLabelKeys = append(append([]string(nil), baseLabelKeys...), labelOperation)
	rejectionLabelKeys = append(append([]string(nil), baseLabelKeys...), labelOperation, labelReason)
	stagingLabelKeys   = append(append([]string(nil), baseLabelKeys...), labelOperation, labelDirection)
)

func (p *PrometheusMetrics) OperationSubmitted(attrs map[string]string) {
	p.submitted.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) OperationCompleted(attrs map[string]string) {
	p.completed.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) OperationFailed(_ error, attrs map[string]string) {
	p.failed.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) OperationRejected(reason string, _ error, attrs map[string]string) {
	labs := labels(attrs, rejectionLabelKeys...)
	labs[labelReason] = reason
	p.rejected.With(labs).Inc()
}

func (p *PrometheusMetrics) BufferStaged(direction string, attrs map[string]string) {
	labs := labels(attrs, stagingLabelKeys...)
	labs[labelDirection] = direction
	p.staged.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
