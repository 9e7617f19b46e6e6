// Package telemetry holds the Prometheus metrics, the OpenTelemetry tracer and
// the instrumented HTTP client shared by the credential and row-source
// packages.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/elbader17/quirefdw"

// Tracer returns the tracer used for token refreshes and page fetches.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// NewHTTPClient returns a client whose transport records a span per request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Metrics counts token exchanges, page fetches and converted rows. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TokenExchanges *prometheus.CounterVec
	PageFetches    *prometheus.CounterVec
	Rows           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quirefdw",
			Name:      "token_exchanges_total",
			Help:      "Assertion-for-token exchanges by result.",
		}, []string{"result"}),
		PageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quirefdw",
			Name:      "page_fetches_total",
			Help:      "Spreadsheet page fetches by backend and result.",
		}, []string{"backend", "result"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quirefdw",
			Name:      "rows_total",
			Help:      "Rows handed to the host, or rejected by type conversion.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.TokenExchanges, m.PageFetches, m.Rows)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveExchange(err error) {
	if m == nil {
		return
	}
	m.TokenExchanges.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObservePage(backend string, err error) {
	if m == nil {
		return
	}
	m.PageFetches.WithLabelValues(backend, result(err)).Inc()
}

func (m *Metrics) ObserveRow(err error) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(result(err)).Inc()
}
