// Package observability exposes Prometheus metrics for the HTTP layer and
// the document pipeline.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects application Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	documentsSubmitted *prometheus.CounterVec
	extractionsTotal   *prometheus.CounterVec
	approvalsDecided   *prometheus.CounterVec
	linkagesTotal      *prometheus.CounterVec
	numbersAllocated   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procure_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "procure_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procure_documents_submitted_total",
		Help: "Documents submitted by declared type.",
	}, []string{"declared_type"})
	extractions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procure_extractions_total",
		Help: "Extraction completions by outcome.",
	}, []string{"outcome"})
	decided := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procure_approvals_decided_total",
		Help: "PO approval decisions by outcome.",
	}, []string{"decision"})
	linkages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procure_linkages_total",
		Help: "Confirmed document-to-PO linkages by document type.",
	}, []string{"doc_type"})
	allocated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procure_po_numbers_allocated_total",
		Help: "PO numbers consumed across all scopes.",
	})
	registry.MustRegister(requests, duration, submitted, extractions, decided, linkages, allocated)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		documentsSubmitted: submitted,
		extractionsTotal:   extractions,
		approvalsDecided:   decided,
		linkagesTotal:      linkages,
		numbersAllocated:   allocated,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// DocumentSubmitted counts one upload.
func (m *Metrics) DocumentSubmitted(declaredType string) {
	if m == nil {
		return
	}
	m.documentsSubmitted.WithLabelValues(declaredType).Inc()
}

// ExtractionFinished counts one extraction outcome (completed, failed,
// duplicate, late).
func (m *Metrics) ExtractionFinished(outcome string) {
	if m == nil {
		return
	}
	m.extractionsTotal.WithLabelValues(outcome).Inc()
}

// ApprovalDecided counts one approval decision.
func (m *Metrics) ApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.approvalsDecided.WithLabelValues(decision).Inc()
}

// LinkageConfirmed counts one confirmed linkage.
func (m *Metrics) LinkageConfirmed(docType string) {
	if m == nil {
		return
	}
	m.linkagesTotal.WithLabelValues(docType).Inc()
}

// PONumberAllocated counts one consumed PO number.
func (m *Metrics) PONumberAllocated() {
	if m == nil {
		return
	}
	m.numbersAllocated.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
