package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the deployer. A Metrics created
// with collection disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted    *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec

	// Plan and apply metrics
	plansCompleted   *prometheus.CounterVec
	planDuration     prometheus.Histogram
	appliesCompleted *prometheus.CounterVec
	applyDuration    prometheus.Histogram
	activeApplies    prometheus.Gauge
	estimatedCost    *prometheus.GaugeVec

	// Runner metrics
	toolCommands *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	// Validation metrics
	policyViolations *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of deployment sessions started",
			},
			[]string{"provider"},
		),
		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),

		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of plan invocations by outcome",
			},
			[]string{"outcome"},
		),
		planDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of run_plan in seconds",
				Buckets:   buckets,
			},
		),
		appliesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_completed_total",
				Help:      "Total number of background applies by outcome",
			},
			[]string{"outcome"},
		),
		applyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of background applies in seconds",
				Buckets:   buckets,
			},
		),
		activeApplies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_applies",
				Help:      "Current number of applies in flight",
			},
		),
		estimatedCost: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "planned_monthly_cost_dollars",
				Help:      "Estimated monthly cost of the most recent plan per project",
			},
			[]string{"project"},
		),

		toolCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_commands_total",
				Help:      "Total number of provisioning tool invocations",
			},
			[]string{"command", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_command_duration_seconds",
				Help:      "Duration of provisioning tool invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of validation violations by source",
			},
			[]string{"source"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionTransitions,
		m.plansCompleted,
		m.planDuration,
		m.appliesCompleted,
		m.applyDuration,
		m.activeApplies,
		m.estimatedCost,
		m.toolCommands,
		m.toolDuration,
		m.policyViolations,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted(provider string) {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(provider).Inc()
}

// RecordTransition records a session state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.sessionTransitions == nil || from == to {
		return
	}
	m.sessionTransitions.WithLabelValues(from, to).Inc()
}

// Plan and Apply Metrics

// RecordPlan records a completed plan with its outcome and duration.
func (m *Metrics) RecordPlan(success bool, duration time.Duration) {
	if m == nil || m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(outcome(success)).Inc()
	m.planDuration.Observe(duration.Seconds())
}

// RecordApplyStarted marks an apply as in flight.
func (m *Metrics) RecordApplyStarted() {
	if m == nil || m.activeApplies == nil {
		return
	}
	m.activeApplies.Inc()
}

// RecordApplyCompleted records a finished apply with its outcome and duration.
func (m *Metrics) RecordApplyCompleted(success bool, duration time.Duration) {
	if m == nil || m.appliesCompleted == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(outcome(success)).Inc()
	m.applyDuration.Observe(duration.Seconds())
	m.activeApplies.Dec()
}

// SetPlannedCost sets the estimated monthly cost of a project's latest plan.
func (m *Metrics) SetPlannedCost(project string, monthly float64) {
	if m == nil || m.estimatedCost == nil {
		return
	}
	m.estimatedCost.WithLabelValues(project).Set(monthly)
}

// Runner Metrics

// RecordToolCommand records one provisioning tool invocation.
func (m *Metrics) RecordToolCommand(command string, success bool, duration time.Duration) {
	if m == nil || m.toolCommands == nil {
		return
	}
	m.toolCommands.WithLabelValues(command, outcome(success)).Inc()
	m.toolDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Validation Metrics

// RecordPolicyViolations adds n violations attributed to source (schema, quota, rego).
func (m *Metrics) RecordPolicyViolations(source string, n int) {
	if m == nil || m.policyViolations == nil || n <= 0 {
		return
	}
	m.policyViolations.WithLabelValues(source).Add(float64(n))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
