package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RecordsTotal    prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	MissingFields   prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slscrape_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"page_kind"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slscrape_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slscrape_records_total",
			Help: "Total number of team stat records sent to the pipeline.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slscrape_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slscrape_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	missingFields := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slscrape_missing_fields_total",
			Help: "Total stat rows skipped because a label or value half was absent.",
		},
	)

	registry.MustRegister(requests, requestDuration, records, retries, errorsTotal, missingFields)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RecordsTotal:    records,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		MissingFields:   missingFields,
	}
}

// IncRequest increments the requests total counter for a page kind.
func (m *Metrics) IncRequest(pageKind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(pageKind).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRecords increments the records counter.
func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncMissingFields adds skipped stat rows to the missing-fields counter.
func (m *Metrics) IncMissingFields(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MissingFields.Add(float64(n))
}
