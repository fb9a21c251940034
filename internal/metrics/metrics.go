// Package metrics exposes Prometheus instruments for event dispatch and
// call-control traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// EventsTotal counts dispatched events.
	// Labels: kind, outcome (handled|ignored|dropped|not_found|error)
	EventsTotal *prometheus.CounterVec

	// DispatchDuration measures rule execution in seconds.
	// Labels: kind
	DispatchDuration *prometheus.HistogramVec

	// CallControlTotal counts call-control requests.
	// Labels: op, status (ok|not_found|error)
	CallControlTotal *prometheus.CounterVec

	// SlotConflicts counts recognizer registrations refused because the slot
	// was taken.
	// Labels: slot
	SlotConflicts *prometheus.CounterVec

	// CallbackJobs counts scheduled-callback job transitions.
	// Labels: status
	CallbackJobs *prometheus.CounterVec

	// WebhookDeliveries counts inbound webhook requests.
	// Labels: source (events|twilio), status_code
	WebhookDeliveries *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivr_events_total",
			Help: "Normalized call events by kind and outcome",
		}, []string{"kind", "outcome"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ivr_dispatch_duration_seconds",
			Help:    "Time spent running a transition rule",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		CallControlTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivr_call_control_requests_total",
			Help: "Call-control requests by operation and status",
		}, []string{"op", "status"}),
		SlotConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivr_recognizer_slot_conflicts_total",
			Help: "Recognizer handles refused because the slot was already taken",
		}, []string{"slot"}),
		CallbackJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivr_callback_jobs_total",
			Help: "Scheduled callback job transitions",
		}, []string{"status"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ivr_webhook_deliveries_total",
			Help: "Inbound webhook deliveries by source and status code",
		}, []string{"source", "status_code"}),
	}
}

// Registry returns the registry the instruments live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Event records one dispatched event. Safe on a nil receiver.
func (m *Metrics) Event(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, outcome).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(seconds)
}

// CallControl records one call-control request. Safe on a nil receiver.
func (m *Metrics) CallControl(op, status string) {
	if m == nil {
		return
	}
	m.CallControlTotal.WithLabelValues(op, status).Inc()
}

// SlotConflict records a refused recognizer registration. Safe on a nil
// receiver.
func (m *Metrics) SlotConflict(slot string) {
	if m == nil {
		return
	}
	m.SlotConflicts.WithLabelValues(slot).Inc()
}

// CallbackJob records a job transition. Safe on a nil receiver.
func (m *Metrics) CallbackJob(status string) {
	if m == nil {
		return
	}
	m.CallbackJobs.WithLabelValues(status).Inc()
}

// WebhookDelivery records one inbound request. Safe on a nil receiver.
func (m *Metrics) WebhookDelivery(source, statusCode string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(source, statusCode).Inc()
}
