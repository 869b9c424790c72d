package metrics

import (
	"time"

	"github.com/loanpay/server/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Lending state metrics
	PaymentStatesTotal  *prometheus.CounterVec
	StepStatesTotal     *prometheus.CounterVec
	TransferStatesTotal *prometheus.CounterVec

	// Provider metrics
	ProviderCallsTotal *prometheus.CounterVec

	// Background job metrics
	WebhooksTotal       *prometheus.CounterVec
	PollerTransfers     *prometheus.CounterVec
	BillerImportsTotal  *prometheus.CounterVec
	BillerImportBillers *prometheus.CounterVec
}

// New creates a new Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered on reg.
func NewWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "loanpay"
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		PaymentStatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "state_changes_total",
				Help:      "Loan payment state changes",
			},
			[]string{"type", "state"},
		),
		StepStatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment_step",
				Name:      "state_changes_total",
				Help:      "Payment step state changes",
			},
			[]string{"state"},
		),
		TransferStatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "state_changes_total",
				Help:      "Transfer state changes",
			},
			[]string{"provider", "state"},
		),

		ProviderCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Transfer provider calls",
			},
			[]string{"provider", "operation", "status"}, // status: ok, error
		),

		WebhooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Provider webhooks received",
			},
			[]string{"provider", "outcome"}, // outcome: applied, unchanged, duplicate, ignored, error
		),
		PollerTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "transfers_total",
				Help:      "Transfers checked by the status poller",
			},
			[]string{"outcome"}, // outcome: changed, unchanged, error
		),
		BillerImportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "biller_import",
				Name:      "runs_total",
				Help:      "Biller catalogue import runs",
			},
			[]string{"status"},
		),
		BillerImportBillers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "biller_import",
				Name:      "billers_total",
				Help:      "Billers processed by catalogue imports",
			},
			[]string{"result"}, // result: created, updated, unchanged, failed
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPaymentState records a payment reaching a state.
func (m *Metrics) RecordPaymentState(paymentType model.LoanPaymentType, state model.PaymentState) {
	m.PaymentStatesTotal.WithLabelValues(string(paymentType), string(state)).Inc()
}

// RecordStepState records a payment step reaching a state.
func (m *Metrics) RecordStepState(state model.PaymentStepState) {
	m.StepStatesTotal.WithLabelValues(string(state)).Inc()
}

// RecordTransferState records a transfer reaching a state.
func (m *Metrics) RecordTransferState(provider model.PaymentAccountProvider, state model.TransferState) {
	m.TransferStatesTotal.WithLabelValues(providerLabel(provider), string(state)).Inc()
}

// RecordProviderCall records one call to a transfer provider.
func (m *Metrics) RecordProviderCall(provider model.PaymentAccountProvider, operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(providerLabel(provider), operation, status).Inc()
}

// RecordWebhook records the outcome of a provider webhook.
func (m *Metrics) RecordWebhook(provider model.PaymentAccountProvider, outcome string) {
	m.WebhooksTotal.WithLabelValues(providerLabel(provider), outcome).Inc()
}

// RecordPoll records the outcome of one transfer status poll.
func (m *Metrics) RecordPoll(changed bool, err error) {
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case changed:
		outcome = "changed"
	}
	m.PollerTransfers.WithLabelValues(outcome).Inc()
}

// RecordBillerImport records a finished biller import run.
func (m *Metrics) RecordBillerImport(result *model.BillerImportResult, err error) {
	if err != nil {
		m.BillerImportsTotal.WithLabelValues("error").Inc()
		return
	}
	m.BillerImportsTotal.WithLabelValues("ok").Inc()
	m.BillerImportBillers.WithLabelValues("created").Add(float64(result.Created))
	m.BillerImportBillers.WithLabelValues("updated").Add(float64(result.Updated))
	m.BillerImportBillers.WithLabelValues("unchanged").Add(float64(result.Unchanged))
	m.BillerImportBillers.WithLabelValues("failed").Add(float64(result.Failed))
}

func providerLabel(p model.PaymentAccountProvider) string {
	if p == "" {
		return "none"
	}
	return string(p)
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
